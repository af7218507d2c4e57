// Command worker is the copy-trading engine's single long-running
// process: it wires the chain feed, book feed, grouper, decision engine,
// durable queues, snapshot loops, and settlement loop together and runs
// them until told to stop.
//
// There is no dashboard here — internal/healthapi's /health and /metrics
// endpoints are the engine's only operator-facing surface, per
// SPEC_FULL.md's explicit scoping of the operator UI out of this repo.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"polycopy/internal/config"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLYCOPY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(newLogHandler(cfg.Logging.Level, cfg.Logging.Format))

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real positions will be opened")
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		logger.Error("failed to wire engine", "error", err)
		os.Exit(1)
	}

	a.Start(context.Background())
	logger.Info("worker started",
		"health_port", cfg.Health.Port,
		"copy_attempt_workers", cfg.Queue.CopyAttemptWorkers,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

func newLogHandler(level, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}
	if format == "json" {
		return slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.NewTextHandler(os.Stdout, opts)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
