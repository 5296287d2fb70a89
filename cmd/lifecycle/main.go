// Command lifecycle runs the Lifecycle Manager (C9): it keeps the
// collector fleet's subscriptions in sync with what Deribit actually
// lists, independent of any single collector's own uptime.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"deribit-md-collector/internal/config"
	"deribit-md-collector/internal/lifecycle"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("LIFECYCLE_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.ValidateLifecycle(); err != nil {
		slog.Error("invalid lifecycle config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr, err := lifecycle.New(ctx, *cfg, logger)
	if err != nil {
		logger.Error("failed to create lifecycle manager", "error", err)
		os.Exit(1)
	}
	defer mgr.Close()

	if err := mgr.Run(ctx); err != nil {
		logger.Error("lifecycle manager exited with error", "error", err)
		os.Exit(1)
	}
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
