package broker

import (
	"context"
	"time"

	"github.com/chris-alexander-pop/msgbroker/pkg/errors"
	"github.com/chris-alexander-pop/msgbroker/pkg/resilience"
)

// ResilientProducerConfig configures the circuit-breaker and retry wrapper
// around a Publisher. Hot/warm-store calls are transient-failure-prone and
// are retried rather than surfaced directly to callers.
type ResilientProducerConfig struct {
	CircuitBreakerEnabled   bool          `env:"BROKER_CB_ENABLED" env-default:"true"`
	CircuitBreakerThreshold int64         `env:"BROKER_CB_THRESHOLD" env-default:"5"`
	CircuitBreakerTimeout   time.Duration `env:"BROKER_CB_TIMEOUT" env-default:"30s"`

	RetryEnabled     bool          `env:"BROKER_RETRY_ENABLED" env-default:"true"`
	RetryMaxAttempts int           `env:"BROKER_RETRY_MAX" env-default:"3"`
	RetryBackoff     time.Duration `env:"BROKER_RETRY_BACKOFF" env-default:"100ms"`
}

// DefaultResilientProducerConfig returns the wrapper defaults Broker.New
// uses unless the caller overrides Config.Resilience.
func DefaultResilientProducerConfig() ResilientProducerConfig {
	return ResilientProducerConfig{
		CircuitBreakerEnabled:   true,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   30 * time.Second,
		RetryEnabled:            true,
		RetryMaxAttempts:        3,
		RetryBackoff:            100 * time.Millisecond,
	}
}

// ResilientProducer wraps a Publisher with circuit-breaker and retry
// protection around its hot/warm-store calls.
type ResilientProducer struct {
	next     Publisher
	cb       *resilience.CircuitBreaker
	retryCfg resilience.RetryConfig
}

// NewResilientProducer wraps next with the resilience features cfg enables.
func NewResilientProducer(next Publisher, cfg ResilientProducerConfig) *ResilientProducer {
	rp := &ResilientProducer{next: next}

	if cfg.CircuitBreakerEnabled {
		rp.cb = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             "broker.producer",
			FailureThreshold: cfg.CircuitBreakerThreshold,
			SuccessThreshold: 2,
			Timeout:          cfg.CircuitBreakerTimeout,
		})
	}

	if cfg.RetryEnabled {
		rp.retryCfg = resilience.RetryConfig{
			MaxAttempts:    cfg.RetryMaxAttempts,
			InitialBackoff: cfg.RetryBackoff,
			MaxBackoff:     5 * time.Second,
			Multiplier:     2.0,
			// An over-bound payload stays over-bound no matter how often
			// it is resubmitted; only store failures are worth retrying.
			RetryIf: func(err error) bool {
				return !errors.Is(err, CodePayloadTooLarge)
			},
		}
	}

	return rp
}

// Publish implements Publisher.
func (rp *ResilientProducer) Publish(ctx context.Context, topic string, payload interface{}, opts PublishOptions) (string, error) {
	var id string
	err := rp.execute(ctx, func(ctx context.Context) error {
		var err error
		id, err = rp.next.Publish(ctx, topic, payload, opts)
		return err
	})
	return id, err
}

// PublishBatch implements Publisher.
func (rp *ResilientProducer) PublishBatch(ctx context.Context, topic string, payloads []interface{}, opts PublishOptions) ([]string, error) {
	var ids []string
	err := rp.execute(ctx, func(ctx context.Context) error {
		var err error
		ids, err = rp.next.PublishBatch(ctx, topic, payloads, opts)
		return err
	})
	return ids, err
}

func (rp *ResilientProducer) execute(ctx context.Context, fn resilience.Executor) error {
	operation := fn

	if rp.cb != nil {
		cbFn := operation
		operation = func(ctx context.Context) error {
			return rp.cb.Execute(ctx, cbFn)
		}
	}

	if rp.retryCfg.MaxAttempts > 0 {
		return resilience.Retry(ctx, rp.retryCfg, operation)
	}

	return operation(ctx)
}
