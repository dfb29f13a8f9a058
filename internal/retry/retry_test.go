package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"thermocast/internal/retry"
)

func fastConfig(attempts int) retry.Config {
	return retry.Config{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
		Retryable:      func(error) bool { return true },
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), fastConfig(3), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), fastConfig(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoExhausted(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := retry.Do(context.Background(), fastConfig(2), func(context.Context) error {
		calls++
		return boom
	})
	require.Equal(t, 2, calls)
	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 2, exhausted.Attempts)
	require.ErrorIs(t, err, boom)
}

func TestDoPermanentStopsImmediately(t *testing.T) {
	cfg := fastConfig(5)
	cfg.Retryable = func(error) bool { return false }
	calls := 0
	err := retry.Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return errors.New("permanent")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

type delayedErr struct{ d time.Duration }

func (e *delayedErr) Error() string { return "throttled" }

func (e *delayedErr) RetryDelay() (time.Duration, bool) { return e.d, true }

func TestDoHonorsMandatedDelay(t *testing.T) {
	calls := 0
	start := time.Now()
	err := retry.Do(context.Background(), fastConfig(2), func(context.Context) error {
		calls++
		if calls == 1 {
			return &delayedErr{d: 30 * time.Millisecond}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestDoContextCanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig(3)
	cfg.InitialBackoff = time.Second
	err := retry.Do(ctx, cfg, func(context.Context) error {
		cancel()
		return errors.New("transient")
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestIsTransient(t *testing.T) {
	require.False(t, retry.IsTransient(nil))
	require.False(t, retry.IsTransient(context.Canceled))
	require.True(t, retry.IsTransient(context.DeadlineExceeded))
	require.False(t, retry.IsTransient(errors.New("other")))
}
