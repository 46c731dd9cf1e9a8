package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/itstheanurag/judgebox/internal/config"
	"github.com/itstheanurag/judgebox/internal/server"
	"github.com/rs/zerolog"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	conf, err := config.LoadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	srv, err := server.New(conf, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create server")
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-sigCtx.Done():
		logger.Info().Msg("received shutdown signal")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("server crashed")
		}
	}
	stopSignals()

	// Runs still going when the budget expires are killed and their
	// sandboxes removed before Stop returns.
	timeout := srv.ShutdownTimeout()
	logger.Info().Dur("timeout", timeout).Msg("draining in-flight executions")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	err = srv.Stop(ctx)
	cancel()
	if err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		os.Exit(1)
	}
	logger.Info().Msg("server stopped")
}
