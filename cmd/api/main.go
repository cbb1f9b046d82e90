package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/gometeo/weathergw/internal/api"
	"github.com/gometeo/weathergw/internal/api/handlers"
	"github.com/gometeo/weathergw/internal/config"
	"github.com/gometeo/weathergw/internal/logger"
	"github.com/gometeo/weathergw/internal/metrics"
	"github.com/gometeo/weathergw/internal/rpc"
	"github.com/gometeo/weathergw/internal/storage"
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

	log.Infow("Starting weather gateway",
		"port", cfg.HTTPPort,
		"rpc_target", cfg.RPCTarget,
		"store", cfg.StoreDriver,
		"cache_ttl", cfg.CacheTTL.String())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 1. History store
	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 15*time.Second)
	store, err := storage.Open(connectCtx, cfg, log)
	cancelConnect()
	if err != nil {
		log.Errorw("Failed to connect to history store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer store.Close()
	log.Infow("Connected to history store", "driver", cfg.StoreDriver)

	// 2. Weather service client
	client, err := rpc.NewClient(cfg.RPCTarget, cfg.GRPCAPIKey)
	if err != nil {
		log.Errorw("Failed to create weather service client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	// 3. Router
	weatherHandler := handlers.NewWeatherHandler(store, client, cfg.CacheTTL, log, m)
	router := api.NewRouter(weatherHandler, log, m, reg)

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 4. Graceful shutdown
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Infow("Gateway listening", "port", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("HTTP server failed", "error", err)
			stopChan <- syscall.SIGTERM
		}
	}()

	<-stopChan
	log.Infow("Shutting down gateway")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Errorw("Failed to stop HTTP server", "error", err)
	} else {
		log.Infow("Gateway stopped")
	}
}
