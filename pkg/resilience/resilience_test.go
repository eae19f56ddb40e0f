package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chris-alexander-pop/msgbroker/pkg/resilience"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	ctx := context.Background()
	calls := 0
	err := resilience.Retry(ctx, resilience.RetryConfig{MaxAttempts: 5, InitialBackoff: time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("store hiccup")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	calls := 0
	sentinel := errors.New("store down")
	err := resilience.Retry(ctx, resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, calls)
}

// RetryIf stops the loop on errors another attempt cannot fix.
func TestRetryIfShortCircuits(t *testing.T) {
	ctx := context.Background()
	calls := 0
	cfg := resilience.RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
		RetryIf:        func(err error) bool { return false },
	}
	err := resilience.Retry(ctx, cfg, func(ctx context.Context) error {
		calls++
		return errors.New("payload too large")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "a non-retryable error must not be attempted again")
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := resilience.Retry(ctx, resilience.RetryConfig{MaxAttempts: 3}, func(ctx context.Context) error {
		calls++
		return errors.New("never retried")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestCircuitBreakerOpensThenRecovers(t *testing.T) {
	ctx := context.Background()
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          20 * time.Millisecond,
	})
	assert.Equal(t, resilience.StateClosed, cb.State())

	fail := func(ctx context.Context) error { return errors.New("store down") }
	require.Error(t, cb.Execute(ctx, fail))
	require.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, resilience.StateOpen, cb.State())

	// While open, calls fast-fail without reaching the store.
	calls := 0
	err := cb.Execute(ctx, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.Zero(t, calls)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, resilience.StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, func(ctx context.Context) error { return nil }))
	assert.Equal(t, resilience.StateClosed, cb.State())
}

// A half-open probe that fails snaps the circuit back open.
func TestCircuitBreakerReopensOnFailedProbe(t *testing.T) {
	ctx := context.Background()
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          10 * time.Millisecond,
	})
	fail := func(ctx context.Context) error { return errors.New("store down") }
	require.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, resilience.StateOpen, cb.State())

	time.Sleep(15 * time.Millisecond)
	require.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, resilience.StateOpen, cb.State())
}
