package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"photoline/internal/config"
	"photoline/internal/notify"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenStoreSQLite(t *testing.T) {
	ctx := context.Background()
	cfg := config.Config{DBDriver: config.DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "line.db")}

	st, err := OpenStore(ctx, cfg, quietLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	settings, err := st.GetSettings(ctx)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if settings.LastTicketNumber != 0 || settings.CurrentServingTicket != 0 {
		t.Fatalf("fresh store must start empty: %+v", settings)
	}
}

func TestOpenStoreUnknownDriver(t *testing.T) {
	if _, err := OpenStore(context.Background(), config.Config{DBDriver: "mongo"}, quietLogger()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestNotifyWorker(t *testing.T) {
	cfg := config.Config{DBDriver: config.DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "line.db"), NotifyProvider: "noop"}
	st, err := OpenStore(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	worker, provider, err := NotifyWorker(cfg, st, nil, quietLogger())
	if err != nil {
		t.Fatalf("notify worker: %v", err)
	}
	defer notify.Close(provider)
	if n, err := worker.Run(context.Background()); err != nil || n != 0 {
		t.Fatalf("expected empty outbox, got %d (%v)", n, err)
	}

	cfg.NotifyProvider = "fax"
	if _, _, err := NotifyWorker(cfg, st, nil, quietLogger()); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}
