package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"comicpipe/internal/config"
	"comicpipe/internal/logger"
	"comicpipe/internal/processor"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		logger.Init("info", "persistence-service")
		logger.Logger.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(cfg.LogLevel, "persistence-service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := processor.New(cfg).Run(ctx); err != nil {
		logger.Logger.Error().Err(err).Msg("persistence service exited")
		stop()
		os.Exit(1)
	}
	logger.Logger.Info().Msg("exited")
}
