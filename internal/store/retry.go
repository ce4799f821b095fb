package store

import (
	"context"
	"time"

	"perfwatch/internal/logger"
	"perfwatch/internal/retry"
)

// RetryPolicy bounds best-effort I/O: Attempts retries after the first try,
// with exponential backoff starting at Backoff.
type RetryPolicy = retry.Policy

// RetryingStore retries every operation of the wrapped store. When retries
// are exhausted it reports through onExhausted and returns the last error.
type RetryingStore struct {
	inner       Store
	policy      RetryPolicy
	log         logger.Logger
	onExhausted func(op, key string, err error)
}

// NewRetryingStore wraps inner.
func NewRetryingStore(inner Store, policy RetryPolicy, log logger.Logger, onExhausted func(op, key string, err error)) *RetryingStore {
	if policy.Attempts < 0 {
		policy.Attempts = 0
	}
	return &RetryingStore{inner: inner, policy: policy, log: log, onExhausted: onExhausted}
}

// Unwrap returns the wrapped backend.
func (r *RetryingStore) Unwrap() Store {
	return r.inner
}

func do[T any](ctx context.Context, r *RetryingStore, op, key string, fn func() (T, error)) (T, error) {
	res, attempts, err := retry.Do(ctx, r.policy, func(attempt int, err error, next time.Duration) {
		r.log.Debug("store operation failed, retrying",
			"op", op, "key", key, "attempt", attempt, "next", next, "error", err)
	}, fn)
	if err != nil {
		r.log.Warn("store operation gave up", "op", op, "key", key, "attempts", attempts, "error", err)
		if r.onExhausted != nil {
			r.onExhausted(op, key, err)
		}
	}
	return res, err
}

type getResult struct {
	value string
	found bool
}

func (r *RetryingStore) Get(ctx context.Context, key string) (string, bool, error) {
	res, err := do(ctx, r, "get", key, func() (getResult, error) {
		v, found, err := r.inner.Get(ctx, key)
		return getResult{value: v, found: found}, err
	})
	return res.value, res.found, err
}

func (r *RetryingStore) Put(ctx context.Context, key, value string, expiresAtMs int64) error {
	_, err := do(ctx, r, "put", key, func() (struct{}, error) {
		return struct{}{}, r.inner.Put(ctx, key, value, expiresAtMs)
	})
	return err
}

func (r *RetryingStore) Delete(ctx context.Context, key string) error {
	_, err := do(ctx, r, "delete", key, func() (struct{}, error) {
		return struct{}{}, r.inner.Delete(ctx, key)
	})
	return err
}

func (r *RetryingStore) ClearPrefix(ctx context.Context, prefix string) error {
	_, err := do(ctx, r, "clear_prefix", prefix, func() (struct{}, error) {
		return struct{}{}, r.inner.ClearPrefix(ctx, prefix)
	})
	return err
}

func (r *RetryingStore) Close() error {
	return r.inner.Close()
}
