package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"signal-pipeline/config"
	"signal-pipeline/internal/api"
	"signal-pipeline/internal/engine"
	"signal-pipeline/internal/logging"
)

// Exit codes: 0 clean, 1 fatal initialization, 2 market stream unavailable.
const (
	exitOK            = 0
	exitInitFailure   = 1
	exitStreamFailure = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInitFailure
	}

	logger := logging.New(cfg.Logging.Level, os.Stdout)
	logger.Info().Str("machine_id", cfg.Server.MachineID).Msg("Signal pipeline starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Initialization failed")
		return exitInitFailure
	}

	server := api.NewServer(eng, eng.Metrics(), cfg.Server.HealthPort, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	if err := eng.Start(ctx); err != nil {
		eng.Stop()
		if errors.Is(err, engine.ErrStreamUnavailable) {
			logger.Error().Err(err).Msg("Could not establish the market stream")
			return exitStreamFailure
		}
		logger.Error().Err(err).Msg("Startup failed")
		return exitInitFailure
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("Signal received, shutting down")
	case <-eng.ShutdownRequested():
		logger.Info().Msg("Shutdown requested, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), engine.StopTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown failed")
	}
	eng.Stop()
	return exitOK
}
