// Package resilience protects calls to the hot and warm stores, which are
// remote dependencies that fail transiently: a circuit breaker fast-fails
// while a store is down instead of piling up timeouts, and Retry re-runs
// an operation with exponential backoff until it sticks or its budget is
// spent.
package resilience

import "context"

// State represents the current state of a circuit breaker.
type State string

const (
	StateClosed   State = "closed"    // normal operation, tracking failures
	StateOpen     State = "open"      // fast-failing every call
	StateHalfOpen State = "half_open" // probing whether the store recovered
)

// Executor is one store operation run under circuit-breaker or retry
// protection.
type Executor func(ctx context.Context) error
