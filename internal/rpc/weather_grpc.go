package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/gometeo/weathergw/internal/model"
)

const (
	serviceName             = "weather.WeatherService"
	getCurrentWeatherMethod = "/" + serviceName + "/GetCurrentWeather"
	getForecastMethod       = "/" + serviceName + "/GetForecast"
)

// WeatherRequest is the request message of both methods.
type WeatherRequest struct {
	City string `json:"city"`
}

// WeatherServiceServer is implemented by Server.
type WeatherServiceServer interface {
	GetCurrentWeather(ctx context.Context, req *WeatherRequest) (*model.CurrentWeather, error)
	GetForecast(ctx context.Context, req *WeatherRequest) (*model.Forecast, error)
}

func RegisterWeatherServiceServer(s grpc.ServiceRegistrar, srv WeatherServiceServer) {
	s.RegisterService(&weatherServiceDesc, srv)
}

var weatherServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*WeatherServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetCurrentWeather", Handler: getCurrentWeatherHandler},
		{MethodName: "GetForecast", Handler: getForecastHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "weather.proto",
}

func getCurrentWeatherHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(WeatherRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WeatherServiceServer).GetCurrentWeather(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getCurrentWeatherMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WeatherServiceServer).GetCurrentWeather(ctx, req.(*WeatherRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getForecastHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(WeatherRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WeatherServiceServer).GetForecast(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getForecastMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WeatherServiceServer).GetForecast(ctx, req.(*WeatherRequest))
	}
	return interceptor(ctx, in, info, handler)
}
