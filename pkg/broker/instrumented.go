package broker

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chris-alexander-pop/msgbroker/pkg/logger"
)

// Publisher is the surface InstrumentedProducer and ResilientProducer wrap.
// *Producer satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}, opts PublishOptions) (string, error)
	PublishBatch(ctx context.Context, topic string, payloads []interface{}, opts PublishOptions) ([]string, error)
}

// Dispatcher is the surface InstrumentedConsumer wraps. *ConsumerLoop
// satisfies it.
type Dispatcher interface {
	PollOnce(ctx context.Context) ([]*Message, error)
	Run(ctx context.Context, handler func(context.Context, *Message) error) error
	ConsumerID() string
	Topic() string
	Subscription() string
}

// InstrumentedProducer wraps a Publisher with OTel spans and structured logs.
type InstrumentedProducer struct {
	next   Publisher
	tracer trace.Tracer
}

// NewInstrumentedProducer wraps next for tracing and logging.
func NewInstrumentedProducer(next Publisher) *InstrumentedProducer {
	return &InstrumentedProducer{next: next, tracer: otel.Tracer("pkg/broker")}
}

// Publish implements Publisher.
func (p *InstrumentedProducer) Publish(ctx context.Context, topic string, payload interface{}, opts PublishOptions) (string, error) {
	ctx, span := p.tracer.Start(ctx, "broker.Publish", trace.WithAttributes(
		attribute.String("broker.topic", topic),
	))
	defer span.End()

	id, err := p.next.Publish(ctx, topic, payload, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.L().ErrorContext(ctx, "publish failed", "topic", topic, "error", err)
		return "", err
	}
	span.SetAttributes(attribute.String("broker.message_id", id))
	span.SetStatus(codes.Ok, "published")
	logger.L().InfoContext(ctx, "message published", "topic", topic, "msg_id", id)
	return id, nil
}

// PublishBatch implements Publisher.
func (p *InstrumentedProducer) PublishBatch(ctx context.Context, topic string, payloads []interface{}, opts PublishOptions) ([]string, error) {
	ctx, span := p.tracer.Start(ctx, "broker.PublishBatch", trace.WithAttributes(
		attribute.String("broker.topic", topic),
		attribute.Int("broker.batch_size", len(payloads)),
	))
	defer span.End()

	ids, err := p.next.PublishBatch(ctx, topic, payloads, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.L().ErrorContext(ctx, "publish batch failed", "topic", topic, "error", err, "published", len(ids))
		return ids, err
	}
	span.SetStatus(codes.Ok, "batch published")
	logger.L().InfoContext(ctx, "message batch published", "topic", topic, "count", len(ids))
	return ids, nil
}

// InstrumentedConsumer wraps a Dispatcher with OTel spans and structured
// logs around each delivered message.
type InstrumentedConsumer struct {
	next   Dispatcher
	tracer trace.Tracer
}

// NewInstrumentedConsumer wraps next for tracing and logging.
func NewInstrumentedConsumer(next Dispatcher) *InstrumentedConsumer {
	return &InstrumentedConsumer{next: next, tracer: otel.Tracer("pkg/broker")}
}

// ConsumerID implements Dispatcher.
func (c *InstrumentedConsumer) ConsumerID() string { return c.next.ConsumerID() }

// Topic implements Dispatcher.
func (c *InstrumentedConsumer) Topic() string { return c.next.Topic() }

// Subscription implements Dispatcher.
func (c *InstrumentedConsumer) Subscription() string { return c.next.Subscription() }

// PollOnce implements Dispatcher, wrapping the pass in a span.
func (c *InstrumentedConsumer) PollOnce(ctx context.Context) ([]*Message, error) {
	ctx, span := c.tracer.Start(ctx, "broker.PollOnce", trace.WithAttributes(
		attribute.String("broker.topic", c.next.Topic()),
		attribute.String("broker.subscription", c.next.Subscription()),
	))
	defer span.End()

	msgs, err := c.next.PollOnce(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("broker.delivered", len(msgs)))
	return msgs, nil
}

// Run implements Dispatcher, starting a span around each dispatched message.
func (c *InstrumentedConsumer) Run(ctx context.Context, handler func(context.Context, *Message) error) error {
	logger.L().InfoContext(ctx, "consumer loop starting", "topic", c.next.Topic(), "subscription", c.next.Subscription(), "consumer_id", c.next.ConsumerID())

	wrapped := func(ctx context.Context, msg *Message) error {
		ctx, span := c.tracer.Start(ctx, "broker.HandleMessage", trace.WithAttributes(
			attribute.String("broker.topic", msg.Topic),
			attribute.String("broker.subscription", msg.Subscription),
			attribute.String("broker.message_id", msg.ID),
			attribute.Int("broker.redelivery_count", msg.RedeliveryCount),
		))
		defer span.End()

		err := handler(ctx, msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.L().ErrorContext(ctx, "message handler failed", "topic", msg.Topic, "msg_id", msg.ID, "error", err)
			return err
		}
		span.SetStatus(codes.Ok, "handled")
		return nil
	}

	return c.next.Run(ctx, wrapped)
}
