package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"photoline/internal/bootstrap"
	"photoline/internal/config"
	"photoline/internal/logging"
	"photoline/internal/notify"
	"photoline/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With(slog.String("component", "notifier"))
	slog.SetDefault(logger)

	shutdownTelemetry := telemetry.Setup("photoline-notifier", logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer st.Close()

	worker, provider, err := bootstrap.NotifyWorker(cfg, st, nil, logger)
	if err != nil {
		logger.Error("notifier", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		if err := notify.Close(provider); err != nil {
			logger.Warn("close notification provider", slog.String("error", err.Error()))
		}
	}()

	logger.Info("notifier started",
		slog.String("provider", cfg.NotifyProvider),
		slog.Duration("interval", cfg.NotifyPollInterval),
	)
	notify.Start(ctx, cfg.NotifyPollInterval, worker)
	logger.Info("notifier stopped")
}
