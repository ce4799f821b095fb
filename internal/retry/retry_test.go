package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	var notified []int
	res, attempts, err := Do(context.Background(), Policy{Attempts: 3, Backoff: time.Millisecond},
		func(attempt int, err error, next time.Duration) { notified = append(notified, attempt) },
		func() (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("flaky")
			}
			return "ok", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2}, notified)
}

func TestDoGivesUpAfterAttempts(t *testing.T) {
	_, attempts, err := Do(context.Background(), Policy{Attempts: 2}, nil, func() (int, error) {
		return 0, errors.New("down")
	})
	assert.EqualError(t, err, "down")
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 1, Policy{Attempts: -1}.Tries())
}
