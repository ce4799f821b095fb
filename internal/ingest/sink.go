package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"perfwatch/internal/config"
	"perfwatch/internal/logger"
	"perfwatch/internal/types"
)

// Batch is one flushed chunk of at most maxBatchSize events.
type Batch struct {
	ID        string                `json:"id"`
	CreatedAt int64                 `json:"createdAt"`
	Events    []types.EnrichedEvent `json:"events"`
}

// Sink receives flushed batches.
type Sink interface {
	Deliver(ctx context.Context, b Batch) error
	Close() error
}

// OpenSink builds the sink selected by cfg.Driver.
func OpenSink(ctx context.Context, cfg config.SinkConfig, redisCfg config.RedisConfig, log logger.Logger) (Sink, error) {
	switch cfg.Driver {
	case "", "log":
		return NewLogSink(log), nil
	case "redis":
		return NewRedisSink(ctx, redisCfg, cfg.RedisKey)
	default:
		return nil, fmt.Errorf("unknown sink driver %q", cfg.Driver)
	}
}

// LogSink writes a summary line per batch.
type LogSink struct {
	log logger.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(log logger.Logger) *LogSink {
	return &LogSink{log: log.WithField("component", "batch_sink")}
}

func (s *LogSink) Deliver(_ context.Context, b Batch) error {
	byType := make(map[string]int)
	for _, ev := range b.Events {
		byType[string(ev.Type)]++
	}
	s.log.WithFields(map[string]interface{}{
		"batch_id": b.ID,
		"size":     len(b.Events),
		"types":    byType,
	}).Info("batch processed")
	return nil
}

func (s *LogSink) Close() error { return nil }

// RedisSink appends each batch as one JSON document to a Redis list.
type RedisSink struct {
	client *redis.Client
	key    string
	owned  bool
}

// NewRedisSink connects and pings the server.
func NewRedisSink(ctx context.Context, cfg config.RedisConfig, key string) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	s := NewRedisSinkFromClient(client, key)
	s.owned = true
	return s, nil
}

// NewRedisSinkFromClient wraps an existing client; Close leaves it open.
func NewRedisSinkFromClient(client *redis.Client, key string) *RedisSink {
	return &RedisSink{client: client, key: key}
}

func (s *RedisSink) Deliver(ctx context.Context, b Batch) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to encode batch %s: %w", b.ID, err)
	}
	return s.client.RPush(ctx, s.key, data).Err()
}

func (s *RedisSink) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}
