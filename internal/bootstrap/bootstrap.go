package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"photoline/internal/config"
	"photoline/internal/notify"
	"photoline/internal/store"
	"photoline/internal/store/postgres"
	"photoline/internal/store/sqlite"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OpenStore connects the configured backend and applies its migrations.
func OpenStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		st := postgres.NewStore(pool)
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("db migrate: %w", err)
		}
		logger.Info("store ready", slog.String("driver", cfg.DBDriver))
		return st, nil
	case config.DriverSQLite:
		st, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		logger.Info("store ready", slog.String("driver", cfg.DBDriver), slog.String("path", cfg.SQLitePath))
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
}

// NotifyWorker builds the outbox worker from config. The caller closes the
// returned provider.
func NotifyWorker(cfg config.Config, outbox store.Outbox, hub notify.Broadcaster, logger *slog.Logger) (*notify.Worker, notify.Provider, error) {
	provider, err := notify.NewProvider(notify.ProviderConfig{
		Kind:         cfg.NotifyProvider,
		WebhookURL:   cfg.NotifyWebhookURL,
		WebhookToken: cfg.NotifyWebhookToken,
		KafkaBrokers: cfg.KafkaBrokers,
		KafkaTopic:   cfg.KafkaTopic,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	worker := notify.New(outbox, provider, hub, logger, notify.Config{
		BatchSize:    cfg.NotifyBatchSize,
		MaxAttempts:  cfg.NotifyMaxAttempts,
		PhotoBaseURL: cfg.PhotoBaseURL,
	})
	return worker, provider, nil
}
