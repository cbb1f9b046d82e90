package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/gometeo/weathergw/internal/model"
)

// Client calls the weather service with the shared API key attached.
type Client struct {
	conn   *grpc.ClientConn
	apiKey string
}

// NewClient prepares a connection to target. The connection is established
// lazily on the first call.
func NewClient(target, apiKey string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create rpc client for %s: %w", target, err)
	}
	return &Client{conn: conn, apiKey: apiKey}, nil
}

func (c *Client) GetCurrentWeather(ctx context.Context, city string) (*model.CurrentWeather, error) {
	out := new(model.CurrentWeather)
	if err := c.conn.Invoke(c.outgoing(ctx), getCurrentWeatherMethod, &WeatherRequest{City: city}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetForecast(ctx context.Context, city string) (*model.Forecast, error) {
	out := new(model.Forecast)
	if err := c.conn.Invoke(c.outgoing(ctx), getForecastMethod, &WeatherRequest{City: city}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if c.apiKey == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, APIKeyHeader, c.apiKey)
}
