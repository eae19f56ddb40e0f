package resilience

import (
	"context"
	"sync"
	"time"
)

// CircuitBreakerConfig configures a breaker's thresholds and the open-state
// probe timeout.
type CircuitBreakerConfig struct {
	// Name identifies this breaker in state-change notifications.
	Name string

	// FailureThreshold is how many consecutive failures open the circuit.
	FailureThreshold int64

	// SuccessThreshold is how many consecutive half-open successes close
	// it again.
	SuccessThreshold int64

	// Timeout is how long the circuit stays open before allowing a probe.
	Timeout time.Duration

	// OnStateChange, when set, is called on every state transition.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker protects a downstream dependency from cascading failures.
// It tracks consecutive failures while Closed; once FailureThreshold is
// reached it opens and fast-fails every call until Timeout elapses, then
// allows a probe batch through while HalfOpen. SuccessThreshold consecutive
// successes in HalfOpen close the circuit again; any failure reopens it.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu        sync.Mutex
	state     State
	failures  int64
	successes int64
	openedAt  time.Time
}

// circuitOpenError is returned by Execute when the circuit is open.
type circuitOpenError struct{ name string }

func (e *circuitOpenError) Error() string {
	return "circuit breaker open: " + e.name
}

// NewCircuitBreaker creates a circuit breaker in the Closed state.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// currentState must be called with cb.mu held; it performs the
// open->half-open transition lazily based on elapsed time.
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.cfg.Timeout {
		cb.transition(StateHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	if to == StateOpen {
		cb.openedAt = time.Now()
	}
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// Execute runs fn if the circuit permits it, and records the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn Executor) error {
	cb.mu.Lock()
	state := cb.currentState()
	if state == StateOpen {
		cb.mu.Unlock()
		return &circuitOpenError{name: cb.cfg.Name}
	}
	cb.mu.Unlock()

	err := fn(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.successes = 0
		if cb.state == StateHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
			cb.transition(StateOpen)
		}
		return err
	}

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.transition(StateClosed)
		}
	}
	return nil
}
