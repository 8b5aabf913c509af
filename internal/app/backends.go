// Package app resolves configured storage and queue backends into the
// components the afk daemon wires together.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	afk "github.com/nevindra/afk"
	"github.com/nevindra/afk/internal/config"
	"github.com/nevindra/afk/store/postgres"
	redisstore "github.com/nevindra/afk/store/redis"
	"github.com/nevindra/afk/store/sqlite"
)

// Backends holds the resolved persistence components plus the connections
// they share.
type Backends struct {
	Memory   afk.MemoryStore
	Queue    afk.TaskQueue
	Delivery afk.DeliveryStore

	redis *goredis.Client
	pool  *pgxpool.Pool
}

// Resolve builds the backends named by cfg. Redis-backed components share
// one client; a pgx pool is created only for the postgres memory backend.
// The delivery store follows the queue backend: response caching and dead
// letters must be shared exactly when tasks are.
func Resolve(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Backends, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backends{}
	if err := b.resolveMemory(ctx, cfg, logger); err != nil {
		_ = b.Close()
		return nil, err
	}
	if err := b.resolveQueue(cfg, logger); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backends) resolveMemory(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	switch cfg.Memory.Backend {
	case "in_memory", "":
		b.Memory = afk.NewInMemoryStore()
	case "sqlite":
		b.Memory = sqlite.New(cfg.Memory.SQLitePath, sqlite.WithLogger(logger))
	case "postgres":
		if cfg.Memory.PostgresDSN == "" {
			return &afk.ConfigError{Field: "memory.postgres_dsn", Reason: "required for the postgres backend"}
		}
		pool, err := pgxpool.New(ctx, cfg.Memory.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		b.pool = pool
		b.Memory = postgres.New(pool)
	case "redis":
		b.Memory = redisstore.New(b.redisClient(cfg),
			redisstore.WithPrefix(cfg.Queue.RedisPrefix),
			redisstore.WithLogger(logger))
	default:
		return &afk.ConfigError{Field: "memory.backend", Reason: fmt.Sprintf("unknown backend %q", cfg.Memory.Backend)}
	}
	return nil
}

func (b *Backends) resolveQueue(cfg config.Config, logger *slog.Logger) error {
	retry := afk.RetryPolicy{
		BackoffBase: secs(cfg.Queue.RetryBaseS),
		BackoffMax:  secs(cfg.Queue.RetryMaxS),
		Jitter:      secs(cfg.Queue.RetryJitterS),
	}
	switch cfg.Queue.Backend {
	case "inmemory", "":
		b.Queue = afk.NewMemoryQueue(
			afk.WithQueueLogger(logger),
			afk.WithQueueRetryPolicy(retry),
			afk.WithQueueMaxRetries(cfg.Queue.MaxRetries),
		)
		b.Delivery = afk.NewInMemoryDeliveryStore()
	case "redis":
		client := b.redisClient(cfg)
		b.Queue = redisstore.NewQueue(client,
			redisstore.WithPrefix(cfg.Queue.RedisPrefix),
			redisstore.WithLogger(logger),
			redisstore.WithRetryPolicy(retry),
			redisstore.WithMaxRetries(cfg.Queue.MaxRetries),
		)
		b.Delivery = redisstore.NewDelivery(client,
			redisstore.WithPrefix(cfg.Queue.RedisPrefix),
			redisstore.WithLogger(logger),
		)
	default:
		return &afk.ConfigError{Field: "queue.backend", Reason: fmt.Sprintf("unknown backend %q", cfg.Queue.Backend)}
	}
	return nil
}

// redisClient returns the shared client, opening it on first use.
func (b *Backends) redisClient(cfg config.Config) *goredis.Client {
	if b.redis == nil {
		b.redis = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			DB:       cfg.Redis.DB,
			Password: cfg.Redis.Password,
		})
	}
	return b.redis
}

// Init prepares the resolved backends: a connectivity check for the shared
// Redis client, then schema creation for the memory store.
func (b *Backends) Init(ctx context.Context) error {
	if b.redis != nil {
		if err := b.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}
	if err := b.Memory.Init(ctx); err != nil {
		return fmt.Errorf("memory init: %w", err)
	}
	return nil
}

// Close releases the memory store and the shared connections. Safe on a
// partially resolved value.
func (b *Backends) Close() error {
	var errs []error
	if b.Memory != nil {
		if err := b.Memory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("memory close: %w", err))
		}
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if b.pool != nil {
		b.pool.Close()
	}
	return errors.Join(errs...)
}

func secs(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
