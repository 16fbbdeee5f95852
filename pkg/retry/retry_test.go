package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Fixed(time.Millisecond, 5), func(attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	var retried []int
	cfg := Fixed(time.Millisecond, 3)
	cfg.OnRetry = func(attempt int, err error) { retried = append(retried, attempt) }

	boom := errors.New("boom")
	err := Do(context.Background(), cfg, func(int) error { return boom })

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDoStopped(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Fixed(time.Millisecond, 10), func(int) error {
		calls++
		return ErrStopped
	})
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, 1, calls)
}

func TestDoContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, DefaultConfig(), func(int) error { return errors.New("unreachable") })
	assert.ErrorIs(t, err, context.Canceled)
}
