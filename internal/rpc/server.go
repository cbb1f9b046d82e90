// Package rpc is the internal weather service: a gRPC server that serves
// current conditions from the history store while fresh and refreshes them
// from the provider otherwise, plus the client the gateway and warmer use.
package rpc

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/gometeo/weathergw/internal/cache"
	"github.com/gometeo/weathergw/internal/events"
	"github.com/gometeo/weathergw/internal/metrics"
	"github.com/gometeo/weathergw/internal/model"
	"github.com/gometeo/weathergw/internal/provider"
)

// WeatherProvider is the upstream the server refreshes from.
type WeatherProvider interface {
	FetchCurrent(ctx context.Context, city string) (*provider.Current, error)
	FetchForecast(ctx context.Context, city string) (*model.Forecast, error)
}

// publishTimeout bounds a single refresh event publish.
const publishTimeout = 5 * time.Second

// HistoryWriter appends refreshed observations.
type HistoryWriter interface {
	Insert(ctx context.Context, rec model.WeatherRecord) error
}

type Server struct {
	freshness *cache.Freshness
	provider  WeatherProvider
	history   HistoryWriter
	publisher events.Publisher
	logger    *zap.SugaredLogger
	metrics   *metrics.Metrics
	now       func() time.Time

	publishTimeout time.Duration
	pending        sync.WaitGroup
}

func NewServer(
	freshness *cache.Freshness,
	weather WeatherProvider,
	history HistoryWriter,
	publisher events.Publisher,
	logger *zap.SugaredLogger,
	m *metrics.Metrics,
) *Server {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Server{
		freshness: freshness,
		provider:  weather,
		history:   history,
		publisher: publisher,
		logger:    logger,
		metrics:   m,
		now:       time.Now,

		publishTimeout: publishTimeout,
	}
}

// WithClock swaps the clock used for response timestamps. Tests only.
func (s *Server) WithClock(now func() time.Time) *Server {
	s.now = now
	return s
}

// NewGRPCServer builds a grpc.Server with logging and the API key gate installed
// and the weather service registered.
func NewGRPCServer(srv *Server, apiKey string, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(
		LoggingInterceptor(srv.logger, srv.metrics),
		AuthInterceptor(apiKey),
	))
	g := grpc.NewServer(opts...)
	RegisterWeatherServiceServer(g, srv)
	return g
}

func (s *Server) GetCurrentWeather(ctx context.Context, req *WeatherRequest) (*model.CurrentWeather, error) {
	city, err := requestedCity(req)
	if err != nil {
		return nil, err
	}
	key := cache.Key(city)

	s.logger.Infow("Received request", "city", city)

	if cached, ok := s.freshness.Lookup(ctx, key, city); ok {
		return cached, nil
	}

	// Once started, a refresh outlives the caller and is bounded only by the
	// provider timeout.
	work := context.WithoutCancel(ctx)

	current, err := s.provider.FetchCurrent(work, city)
	if err != nil {
		return nil, providerStatus(err)
	}

	name := current.Name
	if name == "" {
		name = city
	}
	weather := model.CurrentWeather{
		City:               name,
		TemperatureCelsius: current.TemperatureCelsius,
		Description:        current.Description,
		Humidity:           current.Humidity,
		WindSpeed:          current.WindSpeed,
		Timestamp:          model.FormatTimestamp(s.now()),
	}

	if err := s.history.Insert(work, weather.ToRecord(key)); err != nil {
		s.logger.Warnw("Failed to save weather record", "city", name, "error", err)
		s.metrics.StoreErrors.WithLabelValues("insert").Inc()
	} else {
		s.logger.Infow("Saved weather record", "city", name)
	}

	s.publishAsync(work, key, weather)

	return &weather, nil
}

// publishAsync emits the refresh event off the response path.
func (s *Server) publishAsync(ctx context.Context, key string, weather model.CurrentWeather) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()

		ctx, cancel := context.WithTimeout(ctx, s.publishTimeout)
		defer cancel()

		if err := s.publisher.PublishRefreshed(ctx, key, weather); err != nil {
			s.logger.Warnw("Failed to publish refresh event", "city", weather.City, "error", err)
		}
	}()
}

// Drain blocks until every in-flight refresh event has been published or
// given up on. Call it after the gRPC server stops and before closing the
// publisher.
func (s *Server) Drain() {
	s.pending.Wait()
}

func (s *Server) GetForecast(ctx context.Context, req *WeatherRequest) (*model.Forecast, error) {
	city, err := requestedCity(req)
	if err != nil {
		return nil, err
	}

	s.logger.Infow("Received forecast request", "city", city)

	forecast, err := s.provider.FetchForecast(ctx, city)
	if err != nil {
		return nil, providerStatus(err)
	}
	return forecast, nil
}

func requestedCity(req *WeatherRequest) (string, error) {
	var city string
	if req != nil {
		city = strings.TrimSpace(req.City)
	}
	if city == "" {
		return "", status.Error(codes.InvalidArgument, "City name must not be empty")
	}
	return city, nil
}

// providerStatus maps a provider outcome to the status the caller sees.
func providerStatus(err error) error {
	if errors.Is(err, provider.ErrCityNotFound) {
		return status.Error(codes.NotFound, "City not found")
	}
	return status.Error(codes.Unavailable, err.Error())
}
