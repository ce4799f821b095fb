// Package retry runs best-effort I/O with bounded exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy allows Attempts retries after the first try, waiting Backoff,
// then twice as long each time.
type Policy struct {
	Attempts int
	Backoff  time.Duration
}

// NotifyFunc observes a failed try before the next wait.
type NotifyFunc func(attempt int, err error, next time.Duration)

func (p Policy) backOff() backoff.BackOff {
	if p.Backoff <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Backoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 32 * p.Backoff
	return b
}

// Tries is the total number of calls the policy allows.
func (p Policy) Tries() int {
	if p.Attempts < 0 {
		return 1
	}
	return p.Attempts + 1
}

// Do calls fn until it succeeds, the policy is exhausted, or ctx ends. It
// returns the number of calls made alongside fn's last result.
func Do[T any](ctx context.Context, p Policy, notify NotifyFunc, fn func() (T, error)) (T, int, error) {
	attempt := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		return fn()
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.Tries())),
		backoff.WithNotify(func(err error, next time.Duration) {
			if notify != nil {
				notify(attempt, err, next)
			}
		}),
	)
	return res, attempt, err
}
