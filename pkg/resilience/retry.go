package resilience

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig bounds how often and how hard an operation is retried.
type RetryConfig struct {
	// MaxAttempts counts every call, including the first. Zero or
	// negative means a single attempt, no retry.
	MaxAttempts int

	// InitialBackoff is the sleep before the first retry; each further
	// retry multiplies it by Multiplier, capped at MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	// Jitter randomises each sleep by up to this fraction in either
	// direction, spreading concurrent retriers apart.
	Jitter float64

	// RetryIf filters which errors are worth another attempt. Nil means
	// every error is.
	RetryIf func(error) bool
}

// Retry runs fn up to cfg.MaxAttempts times, sleeping a growing, jittered
// backoff between attempts. Context cancellation wins over both the sleep
// and the next attempt, and RetryIf short-circuits errors that retrying
// cannot fix (an oversized payload stays oversized).
func Retry(ctx context.Context, cfg RetryConfig, fn Executor) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	retryable := cfg.RetryIf
	if retryable == nil {
		retryable = func(error) bool { return true }
	}

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt == attempts-1 || !retryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.backoffFor(attempt)):
		}
	}
}

// backoffFor computes the sleep after failed attempt n (0-based):
// InitialBackoff scaled by Multiplier^n, capped at MaxBackoff, with up to
// Jitter randomisation either way.
func (cfg RetryConfig) backoffFor(attempt int) time.Duration {
	base := cfg.InitialBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	mult := cfg.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	limit := cfg.MaxBackoff
	if limit <= 0 {
		limit = 30 * time.Second
	}

	d := float64(base)
	for i := 0; i < attempt && d < float64(limit); i++ {
		d *= mult
	}
	if cfg.Jitter > 0 {
		d *= 1.0 + (rand.Float64()*2-1)*cfg.Jitter
	}
	if d > float64(limit) {
		d = float64(limit)
	}
	return time.Duration(d)
}
