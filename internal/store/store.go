// Package store is the engine's best-effort key/value persistence adapter.
// Keys used by the engine: baselines:*, optimizationHistory:*,
// concludedTests:*, qualityMetrics:*.
package store

import (
	"context"
	"fmt"
	"time"

	"perfwatch/internal/clock"
	"perfwatch/internal/config"
	"perfwatch/internal/logger"
)

// Store is the persistence adapter. ExpiresAtMs is wall time in Unix
// milliseconds; zero means no expiry. Get reports found=false for missing
// or expired keys.
type Store interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Put(ctx context.Context, key, value string, expiresAtMs int64) error
	Delete(ctx context.Context, key string) error
	ClearPrefix(ctx context.Context, prefix string) error
	Close() error
}

// Open builds the backend selected by cfg.Driver and wraps it with the
// retry policy. onExhausted is invoked when retries run out.
func Open(ctx context.Context, cfg config.StorageConfig, policy RetryPolicy, clk clock.Clock, log logger.Logger, onExhausted func(op, key string, err error)) (Store, error) {
	var (
		backend Store
		err     error
	)
	switch cfg.Driver {
	case "", "memory":
		backend = NewMemoryStore(cfg.MemoryMaxSize, clk)
	case "redis":
		backend, err = NewRedisStore(ctx, cfg.Redis, cfg.KeyPrefix, clk)
	case "badger":
		backend, err = NewBadgerStore(cfg.Badger, cfg.KeyPrefix, clk, log)
	case "postgres":
		backend, err = NewPostgresStore(ctx, cfg.Postgres, cfg.KeyPrefix, clk)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Driver, err)
	}

	log.Info("persistence adapter opened", "driver", cfg.Driver)
	return NewRetryingStore(backend, policy, log, onExhausted), nil
}

// ttlUntil converts an absolute expiry into a relative TTL. ok is false
// when the expiry has already passed.
func ttlUntil(clk clock.Clock, expiresAtMs int64) (ttl time.Duration, ok bool) {
	if expiresAtMs <= 0 {
		return 0, true
	}
	ttl = time.Duration(expiresAtMs-clock.NowMs(clk)) * time.Millisecond
	return ttl, ttl > 0
}
