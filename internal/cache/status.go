package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"photoline/internal/queue"

	"github.com/redis/go-redis/v9"
)

const (
	statusKey     = "photoline:queue:status"
	generationKey = "photoline:queue:status:gen"
)

type StatusSource interface {
	Status(ctx context.Context) (queue.Snapshot, error)
}

type Config struct {
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

// Connect returns nil when no address is configured; a nil client disables caching.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.Address == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Address, err)
	}
	return client, nil
}

// StatusCache serves the public line snapshot from Redis. The sign-up page
// polls it far more often than the line moves.
type StatusCache struct {
	source StatusSource
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewStatusCache(source StatusSource, client *redis.Client, ttl time.Duration, logger *slog.Logger) *StatusCache {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusCache{source: source, client: client, ttl: ttl, logger: logger}
}

// Status never fails because of Redis; cache errors fall through to the store.
// Entries are keyed by the invalidation generation read before the store, so a
// snapshot taken before an Invalidate lands under a key nobody reads again.
func (c *StatusCache) Status(ctx context.Context) (queue.Snapshot, error) {
	if c.client == nil {
		return c.source.Status(ctx)
	}

	generation, err := c.client.Get(ctx, generationKey).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.logger.WarnContext(ctx, "cache: read status generation", slog.String("error", err.Error()))
		return c.source.Status(ctx)
	}
	key := fmt.Sprintf("%s:%d", statusKey, generation)

	raw, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var snapshot queue.Snapshot
		if err := json.Unmarshal(raw, &snapshot); err == nil {
			return snapshot, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		c.logger.WarnContext(ctx, "cache: read status", slog.String("error", err.Error()))
	}

	snapshot, err := c.source.Status(ctx)
	if err != nil {
		return queue.Snapshot{}, err
	}
	if encoded, err := json.Marshal(snapshot); err == nil {
		if err := c.client.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
			c.logger.WarnContext(ctx, "cache: write status", slog.String("error", err.Error()))
		}
	}
	return snapshot, nil
}

func (c *StatusCache) Invalidate(ctx context.Context) {
	if c.client == nil {
		return
	}
	if err := c.client.Incr(ctx, generationKey).Err(); err != nil {
		c.logger.WarnContext(ctx, "cache: invalidate status", slog.String("error", err.Error()))
	}
}
