package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gometeo/weathergw/internal/cache"
	"github.com/gometeo/weathergw/internal/config"
	"github.com/gometeo/weathergw/internal/events"
	"github.com/gometeo/weathergw/internal/logger"
	"github.com/gometeo/weathergw/internal/metrics"
	"github.com/gometeo/weathergw/internal/provider"
	"github.com/gometeo/weathergw/internal/rpc"
	"github.com/gometeo/weathergw/internal/storage"
)

const (
	maxConnectAttempts = 5
	connectRetryDelay  = 3 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Sugar().Fatalw("Invalid configuration", "error", err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		zap.NewExample().Sugar().Fatalw("Failed to build logger", "error", err)
	}
	defer log.Sync()

	log.Infow("Starting weather service", "addr", cfg.GRPCAddr, "store", cfg.StoreDriver)
	if cfg.GRPCAPIKey == "" {
		log.Warnw("GRPC_API_KEY is not set, every call will be rejected")
	}
	if cfg.OpenWeatherAPIKey == "" {
		log.Warnw("OPENWEATHER_API_KEY is not set, refreshes will fail")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 1. History store, retried while it comes up.
	store, err := openStore(cfg, log)
	if err != nil {
		log.Errorw("Failed to connect to history store after all attempts", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// 2. Refresh events
	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kafka, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		if err != nil {
			log.Warnw("Kafka unavailable, refresh events disabled", "brokers", cfg.KafkaBrokers, "error", err)
		} else {
			publisher = kafka
			log.Infow("Publishing refresh events", "topic", cfg.KafkaTopic)
		}
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Errorw("Failed to close event publisher", "error", err)
		}
	}()

	// 3. Service
	weather := provider.NewOpenWeather(provider.Config{
		APIKey:         cfg.OpenWeatherAPIKey,
		BaseURL:        cfg.OpenWeatherBaseURL,
		Timeout:        cfg.ProviderTimeout,
		ForecastSteps:  cfg.ForecastSteps,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	}, log, m)
	freshness := cache.New(store, cfg.CacheTTL, log, m)
	srv := rpc.NewServer(freshness, weather, store, publisher, log, m)
	grpcServer := rpc.NewGRPCServer(srv, cfg.GRPCAPIKey)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Errorw("Failed to listen", "addr", cfg.GRPCAddr, "error", err)
		os.Exit(1)
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorw("Metrics server failed", "error", err)
			}
		}()
	}

	// 4. Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Infow("Weather service listening", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil {
			log.Errorw("gRPC server failed", "error", err)
			sigChan <- syscall.SIGTERM
		}
	}()

	<-sigChan
	log.Infow("Shutting down weather service")

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(30 * time.Second):
		log.Warnw("Graceful stop timed out, forcing")
		grpcServer.Stop()
	}
	// Refresh events still in flight go out before the deferred publisher close.
	srv.Drain()

	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(ctx)
	}
	log.Infow("Weather service stopped")
}

func openStore(cfg *config.Config, log *zap.SugaredLogger) (storage.Store, error) {
	var err error
	for i := 0; i < maxConnectAttempts; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		var store storage.Store
		store, err = storage.Open(ctx, cfg, log)
		cancel()
		if err == nil {
			log.Infow("Connected to history store", "driver", cfg.StoreDriver)
			return store, nil
		}
		log.Warnw("Failed to connect to history store, retrying",
			"attempt", i+1,
			"of", maxConnectAttempts,
			"retry_in", connectRetryDelay.String(),
			"error", err)
		time.Sleep(connectRetryDelay)
	}
	return nil, err
}
