package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"owntracks/db-bridge/internal/bridge"
	"owntracks/db-bridge/internal/config"
)

func main() {
	configPath := pflag.String("config", "owntrackstodb.yaml", "Path to the YAML configuration file")
	pflag.Parse()

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	logger = logger.Level(logLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bridge.New(cfg, logger).Run(ctx); err != nil {
		logger.Error().Err(err).Msg("bridge terminated")
		os.Exit(1)
	}

	logger.Info().Msg("bridge stopped cleanly")
}

func logLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
