// Command collector runs one WebSocket Collector process (C6): it owns a
// single partition of instruments for one currency, keeps a WebSocket
// connection to Deribit alive, buffers ticks, periodically flushes them to
// the store, and serves a Control API for the Lifecycle Manager.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"deribit-md-collector/internal/collector"
	"deribit-md-collector/internal/config"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("COLLECTOR_CONFIG"); p != "" {
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

	logger := newLogger(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := collector.New(ctx, *cfg, logger)
	if err != nil {
		logger.Error("failed to create collector", "error", err)
		os.Exit(1)
	}

	if err := c.Start(ctx); err != nil {
		logger.Error("failed to start collector", "error", err)
		os.Exit(1)
	}

	logger.Info("collector started",
		"currency", cfg.Currency,
		"connection_id", cfg.ConnectionID,
		"control_port", cfg.ControlAPI.BasePort+cfg.ConnectionID,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	c.Stop()
}

func newLogger(level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
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
