package main

import (
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/gometeo/weathergw/internal/config"
	"github.com/gometeo/weathergw/internal/logger"
	"github.com/gometeo/weathergw/internal/rpc"
	"github.com/gometeo/weathergw/internal/warmer"
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

	log.Infow("Starting cache warmer", "rpc_target", cfg.RPCTarget, "cities", cfg.WarmCities)

	client, err := rpc.NewClient(cfg.RPCTarget, cfg.GRPCAPIKey)
	if err != nil {
		log.Errorw("Failed to create weather service client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	w := warmer.New(client, cfg.WarmCities, cfg.WarmInterval, log)
	if err := w.Start(); err != nil {
		log.Errorw("Failed to schedule warm job", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Infow("Stopping cache warmer")
	w.Stop()
}
