// Package broker implements the messaging core: topic/subscription
// lifecycle, at-least-once publish, consumer-group delivery with
// visibility-timeout reclaim, bounded retry, and dead-letter capture,
// running over a pluggable hotstore.Store and warmstore.Store pair.
package broker

import (
	"context"

	"github.com/chris-alexander-pop/msgbroker/pkg/hotstore"
	"github.com/chris-alexander-pop/msgbroker/pkg/keys"
	"github.com/chris-alexander-pop/msgbroker/pkg/warmstore"
)

// Broker composes the Topic Manager, Producer, Retry Scheduler, and
// Dead-Letter Sink for one (tenant, namespace) pair, and builds Consumer
// Loops on demand. It is internal wiring, not a standalone env-driven
// façade; callers construct the hot/warm stores themselves and pass them in.
//
// The publish path is decorated at construction: the raw Producer sits
// behind the circuit-breaker/retry wrapper, which sits behind the tracing
// wrapper, so one span covers a logical publish including its retries.
type Broker struct {
	Topics   *TopicManager
	Producer Publisher
	Retry    *RetryScheduler
	DLQ      *DeadLetterSink

	hot    hotstore.Store
	warm   warmstore.Store
	namer  keys.Namer
	tenant string
	ns     string
}

// New composes a Broker over hot and warm against one (tenant, namespace).
func New(hot hotstore.Store, warm warmstore.Store, cfg Config, tenant, namespace string) *Broker {
	namer := keys.NewNamer(cfg.KeyPrefix)
	producer := NewProducer(hot, warm, namer, tenant, namespace, cfg)
	return &Broker{
		Topics:   NewTopicManager(hot, warm, namer, tenant, namespace),
		Producer: NewInstrumentedProducer(NewResilientProducer(producer, cfg.Resilience)),
		Retry:    NewRetryScheduler(hot, namer, tenant, namespace),
		DLQ:      NewDeadLetterSink(hot, warm, namer, tenant, namespace),
		hot:      hot,
		warm:     warm,
		namer:    namer,
		tenant:   tenant,
		ns:       namespace,
	}
}

// Consumer builds a consumer loop for topic/subscription, failing with
// ErrSubscriptionNotFound unless EnsureSubscription was called first. The
// loop comes wrapped in the tracing decorator, so every poll and every
// dispatched message carries a span.
func (b *Broker) Consumer(ctx context.Context, topic, subscription string) (Dispatcher, error) {
	loop, err := NewConsumerLoop(ctx, b.hot, b.warm, b.namer, b.tenant, b.ns, topic, subscription, b.Topics, b.Retry, b.DLQ)
	if err != nil {
		return nil, err
	}
	return NewInstrumentedConsumer(loop), nil
}

// Close releases both underlying stores.
func (b *Broker) Close() error {
	hotErr := b.hot.Close()
	warmErr := b.warm.Close()
	if hotErr != nil {
		return hotErr
	}
	return warmErr
}
