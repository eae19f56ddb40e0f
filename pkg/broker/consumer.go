package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chris-alexander-pop/msgbroker/pkg/codec"
	"github.com/chris-alexander-pop/msgbroker/pkg/errors"
	"github.com/chris-alexander-pop/msgbroker/pkg/hotstore"
	"github.com/chris-alexander-pop/msgbroker/pkg/keys"
	"github.com/chris-alexander-pop/msgbroker/pkg/logger"
	"github.com/chris-alexander-pop/msgbroker/pkg/warmstore"
)

// ConsumerLoop is one consumer's view of a subscription: it drains ready
// retries back into the log, reclaims timed-out deliveries, reads fresh
// entries, and hands callers one-shot Message handles.
//
// Delivery counts are tracked in this loop's own memory, not persisted to
// either store. A process restart resets them to zero for any message still
// in flight; this is a deliberate simplification (see DESIGN.md) rather than
// an oversight: the alternative, a hot-store hash field per message, puts
// an extra round trip on every delivery to make a best-effort bound exact.
type ConsumerLoop struct {
	hot    hotstore.Store
	warm   warmstore.Store
	namer  keys.Namer
	tenant string
	ns     string

	topic        string
	subscription string
	consumerID   string
	cfg          SubscriptionConfig

	retry *RetryScheduler
	dlq   *DeadLetterSink

	logKey string
	group  string

	mu             sync.Mutex
	deliveryCounts map[string]int
}

// NewConsumerLoop loads the subscription's persisted configuration
// (returning ErrSubscriptionNotFound if it was never created via
// TopicManager.EnsureSubscription) and builds a loop bound to a freshly
// synthesised consumer id.
func NewConsumerLoop(ctx context.Context, hot hotstore.Store, warm warmstore.Store, namer keys.Namer, tenant, namespace, topic, subscription string, topicMgr *TopicManager, retry *RetryScheduler, dlq *DeadLetterSink) (*ConsumerLoop, error) {
	cfg, err := topicMgr.GetSubscriptionConfig(ctx, topic, subscription)
	if err != nil {
		return nil, err
	}
	logKey := namer.TopicLog(tenant, namespace, topic)
	return &ConsumerLoop{
		hot:            hot,
		warm:           warm,
		namer:          namer,
		tenant:         tenant,
		ns:             namespace,
		topic:          topic,
		subscription:   subscription,
		consumerID:     fmt.Sprintf("consumer-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8]),
		cfg:            cfg,
		retry:          retry,
		dlq:            dlq,
		logKey:         logKey,
		group:          keys.ConsumerGroup(subscription),
		deliveryCounts: make(map[string]int),
	}, nil
}

// ConsumerID returns the synthesised identity this loop registers as with
// the hot store's consumer group.
func (cl *ConsumerLoop) ConsumerID() string { return cl.consumerID }

// Topic returns the topic this loop consumes from.
func (cl *ConsumerLoop) Topic() string { return cl.topic }

// Subscription returns the subscription name this loop consumes as.
func (cl *ConsumerLoop) Subscription() string { return cl.subscription }

// PollOnce runs the four-step dispatch cycle once: drain ready retries back
// into the log, reclaim deliveries whose visibility timeout elapsed, read
// fresh entries, and parse everything claimed into Message handles. The
// returned messages may come from any of the three sources;
// callers must Ack, Nack, or DeadLetter each one exactly once.
func (cl *ConsumerLoop) PollOnce(ctx context.Context) ([]*Message, error) {
	if err := cl.drainRetries(ctx); err != nil {
		return nil, err
	}

	var out []*Message

	reclaimed, err := cl.hot.GroupReclaim(ctx, cl.logKey, cl.group, cl.consumerID, time.Duration(cl.cfg.VisibilityTimeoutMs)*time.Millisecond, cl.cfg.CountPerRead)
	if err != nil {
		return nil, errors.Wrap(err, "poll: reclaim")
	}
	for _, e := range reclaimed {
		msg, err := cl.buildMessage(e)
		if err != nil {
			logger.L().WarnContext(ctx, "dropping unparsable reclaimed entry", "topic", cl.topic, "entry_id", e.ID, "error", err)
			continue
		}
		out = append(out, msg)
	}

	read, err := cl.hot.GroupRead(ctx, cl.logKey, cl.group, cl.consumerID, time.Duration(cl.cfg.BlockMs)*time.Millisecond, cl.cfg.CountPerRead)
	if err != nil {
		return nil, errors.Wrap(err, "poll: read")
	}
	for _, e := range read {
		msg, err := cl.buildMessage(e)
		if err != nil {
			logger.L().WarnContext(ctx, "dropping unparsable entry", "topic", cl.topic, "entry_id", e.ID, "error", err)
			if _, ackErr := cl.hot.GroupAck(ctx, cl.logKey, cl.group, e.ID); ackErr != nil {
				logger.L().ErrorContext(ctx, "failed to ack unparsable entry", "topic", cl.topic, "entry_id", e.ID, "error", ackErr)
			}
			continue
		}
		out = append(out, msg)
	}

	return out, nil
}

// Run polls in a loop until ctx is cancelled, invoking handler for every
// delivered message and translating its result into Ack/Nack. A nil ctx
// error from handler acks; any other error nacks with the subscription's
// default backoff. A failed poll is logged and retried on the next pass.
func (cl *ConsumerLoop) Run(ctx context.Context, handler func(context.Context, *Message) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		messages, err := cl.PollOnce(ctx)
		if err != nil {
			logger.L().ErrorContext(ctx, "poll failed", "topic", cl.topic, "subscription", cl.subscription, "error", err)
			messages = nil
		}
		for _, msg := range messages {
			if err := handler(ctx, msg); err != nil {
				if nackErr := msg.Nack(ctx, true, 0); nackErr != nil {
					logger.L().ErrorContext(ctx, "nack failed", "topic", cl.topic, "msg_id", msg.ID, "error", nackErr)
				}
				continue
			}
			if ackErr := msg.Ack(ctx); ackErr != nil {
				logger.L().ErrorContext(ctx, "ack failed", "topic", cl.topic, "msg_id", msg.ID, "error", ackErr)
			}
		}
		if len(messages) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
}

// drainRetries re-injects every ready retry entry as a fresh log entry
// (picked up by the read step below on this or a later pass) and removes it
// from the retry set.
func (cl *ConsumerLoop) drainRetries(ctx context.Context) error {
	entries, err := cl.retry.DrainReady(ctx, cl.topic, cl.subscription, cl.cfg.CountPerRead)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fields, err := codec.ToFields(codec.Envelope{
			Payload: e.Payload,
			Headers: e.Headers,
			RetryOf: e.OriginalID,
			Attempt: e.Attempt,
		})
		if err != nil {
			logger.L().ErrorContext(ctx, "drop unserialisable retry entry", "topic", cl.topic, "original_id", e.OriginalID, "error", err)
			continue
		}
		if _, err := cl.hot.LogAppend(ctx, cl.logKey, fields, 0); err != nil {
			return errors.Wrap(err, "drain retries: log append")
		}
		if err := cl.retry.RemoveRetry(ctx, cl.topic, cl.subscription, e); err != nil {
			logger.L().ErrorContext(ctx, "failed to remove drained retry", "topic", cl.topic, "original_id", e.OriginalID, "error", err)
		}
	}
	return nil
}

func (cl *ConsumerLoop) buildMessage(e hotstore.Entry) (*Message, error) {
	env, err := codec.FromFields(e.Fields)
	if err != nil {
		return nil, ErrParseError(err)
	}

	attempt := env.Attempt
	if env.RetryOf == "" {
		attempt = cl.recordDelivery(e.ID) - 1
	}

	return &Message{
		ID:              e.ID,
		Topic:           cl.topic,
		Subscription:    cl.subscription,
		Headers:         env.Headers,
		Payload:         env.Payload,
		RedeliveryCount: attempt,
		RetryOf:         env.RetryOf,
		loop:            cl,
	}, nil
}

func (cl *ConsumerLoop) recordDelivery(id string) int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.deliveryCounts[id]++
	return cl.deliveryCounts[id]
}

func (cl *ConsumerLoop) forgetDelivery(id string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	delete(cl.deliveryCounts, id)
}

// originalID returns the id retry scheduling should track: the first
// message ever published in this redelivery chain.
func (m *Message) originalID() string {
	if m.RetryOf != "" {
		return m.RetryOf
	}
	return m.ID
}

// Ack acknowledges successful processing, removing the entry from the
// subscription's pending list. Calling Ack, Nack, or DeadLetter more than
// once on the same handle returns errors.CodeInvalidArgument.
func (m *Message) Ack(ctx context.Context) error {
	if m.done {
		return errors.New(errors.CodeInvalidArgument, "message already resolved", nil)
	}
	m.done = true
	m.loop.forgetDelivery(m.ID)
	if _, err := m.loop.hot.GroupAck(ctx, m.loop.logKey, m.loop.group, m.ID); err != nil {
		return errors.Wrap(err, "ack")
	}
	return nil
}

// Nack records a failed delivery attempt. Once the subscription's
// MaxDeliveries is exhausted, the message is sent to the dead-letter sink
// (only when DeadLetterEnabled; otherwise it is just acknowledged and
// dropped) and the delivery is acknowledged, regardless of requeue. Otherwise, if requeue is true, a delayed
// redelivery is scheduled and the current delivery is acknowledged; if requeue is false, nothing is touched
// in the hot store: the entry stays in flight and is picked up again by
// GroupReclaim once the subscription's visibility timeout elapses.
// delayOverride of zero uses the subscription's configured backoff ramp.
func (m *Message) Nack(ctx context.Context, requeue bool, delayOverride time.Duration) error {
	if m.done {
		return errors.New(errors.CodeInvalidArgument, "message already resolved", nil)
	}

	nextAttempt := m.RedeliveryCount + 1
	if nextAttempt >= m.loop.cfg.MaxDeliveries {
		m.done = true
		m.loop.forgetDelivery(m.ID)
		if m.loop.cfg.DeadLetterEnabled {
			if err := m.loop.dlq.SendToDeadLetter(ctx, m.Topic, m.Subscription, m.originalID(), m.Payload, m.Headers, "Max deliveries exceeded", nextAttempt); err != nil {
				return err
			}
		}
		if _, err := m.loop.hot.GroupAck(ctx, m.loop.logKey, m.loop.group, m.ID); err != nil {
			return errors.Wrap(err, "nack: ack original delivery")
		}
		return nil
	}

	if !requeue {
		m.done = true
		return nil
	}

	m.done = true
	m.loop.forgetDelivery(m.ID)
	if err := m.loop.retry.ScheduleRetry(ctx, m.Topic, m.Subscription, m.loop.cfg, m.originalID(), m.Payload, m.Headers, nextAttempt, delayOverride); err != nil {
		return err
	}
	if _, err := m.loop.hot.GroupAck(ctx, m.loop.logKey, m.loop.group, m.ID); err != nil {
		return errors.Wrap(err, "nack: ack original delivery")
	}
	return nil
}

// DeadLetter immediately sends the message to the dead-letter sink,
// bypassing the retry ramp, and acknowledges the original delivery. An empty
// reason defaults to "Manual dead-letter".
func (m *Message) DeadLetter(ctx context.Context, reason string) error {
	if m.done {
		return errors.New(errors.CodeInvalidArgument, "message already resolved", nil)
	}
	m.done = true
	m.loop.forgetDelivery(m.ID)

	if reason == "" {
		reason = "Manual dead-letter"
	}
	if err := m.loop.dlq.SendToDeadLetter(ctx, m.Topic, m.Subscription, m.originalID(), m.Payload, m.Headers, reason, m.RedeliveryCount+1); err != nil {
		return err
	}
	if _, err := m.loop.hot.GroupAck(ctx, m.loop.logKey, m.loop.group, m.ID); err != nil {
		return errors.Wrap(err, "dead letter: ack original delivery")
	}
	return nil
}
