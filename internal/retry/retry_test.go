package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestWithExponentialBackoff_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	res := WithExponentialBackoff(context.Background(), fastConfig(5), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})

	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, calls)
	assert.NoError(t, res.Err())
}

func TestWithExponentialBackoff_ExhaustsAttempts(t *testing.T) {
	res := WithExponentialBackoff(context.Background(), fastConfig(2), func(ctx context.Context, attempt int) error {
		return errors.New("down")
	})

	assert.False(t, res.Success)
	assert.Equal(t, 2, res.Attempts)
	require.Error(t, res.Err())
	assert.Contains(t, res.Err().Error(), "after 2 attempts")
}

func TestWithExponentialBackoff_NonRetryableStopsEarly(t *testing.T) {
	permanent := errors.New("not found")
	cfg := fastConfig(5)
	cfg.ShouldRetry = func(err error) bool { return !errors.Is(err, permanent) }

	res := WithExponentialBackoff(context.Background(), cfg, func(ctx context.Context, attempt int) error {
		return permanent
	})

	assert.Equal(t, 1, res.Attempts)
	assert.ErrorIs(t, res.Err(), permanent)
}

func TestWithExponentialBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig(5)
	cfg.InitialDelay = time.Second
	cfg.MaxDelay = time.Second

	res := WithExponentialBackoff(ctx, cfg, func(ctx context.Context, attempt int) error {
		cancel()
		return errors.New("fail")
	})

	assert.False(t, res.Success)
	assert.ErrorIs(t, res.LastError, context.Canceled)
}

func TestCalculateDelay(t *testing.T) {
	cfg := &RetryConfig{InitialDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, calculateDelay(cfg, 1))
	assert.Equal(t, 4*time.Second, calculateDelay(cfg, 3))
	assert.Equal(t, 5*time.Second, calculateDelay(cfg, 10))
}

func TestDo(t *testing.T) {
	n := 0
	v, res := Do(context.Background(), fastConfig(3), func(ctx context.Context) (int, error) {
		n++
		if n == 1 {
			return 0, errors.New("first fails")
		}
		return 42, nil
	})
	assert.True(t, res.Success)
	assert.Equal(t, 42, v)
}
