package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/chris-alexander-pop/msgbroker/pkg/broker"
	hotmem "github.com/chris-alexander-pop/msgbroker/pkg/hotstore/adapters/memory"
	warmmem "github.com/chris-alexander-pop/msgbroker/pkg/warmstore/adapters/memory"
	"github.com/chris-alexander-pop/msgbroker/pkg/test"
)

type BrokerSuite struct {
	test.Suite
	b *broker.Broker
}

func (s *BrokerSuite) SetupTest() {
	s.Suite.SetupTest()
	s.b = broker.New(hotmem.New(), warmmem.New(), broker.DefaultConfig(), "tenant-a", "orders")
}

func TestBrokerSuite(t *testing.T) {
	test.Run(t, new(BrokerSuite))
}

func (s *BrokerSuite) ensure(topic, sub string, cfg broker.SubscriptionConfig) {
	s.Require().NoError(s.b.Topics.EnsureSubscription(s.Ctx, topic, sub, cfg))
}

// Publish then receive and ack: the message never redelivers.
func (s *BrokerSuite) TestPublishConsumeAck() {
	s.ensure("orders.created", "billing", broker.SubscriptionConfig{})

	id, err := s.b.Producer.Publish(s.Ctx, "orders.created", map[string]string{"orderId": "o-1"}, broker.PublishOptions{PersistWarmCopy: true})
	s.Require().NoError(err)
	s.Require().NotEmpty(id)

	consumer, err := s.b.Consumer(s.Ctx, "orders.created", "billing")
	s.Require().NoError(err)

	msgs, err := consumer.PollOnce(s.Ctx)
	s.Require().NoError(err)
	s.Require().Len(msgs, 1)
	s.Equal(id, msgs[0].ID)
	s.Equal(0, msgs[0].RedeliveryCount)

	s.Require().NoError(msgs[0].Ack(s.Ctx))
	s.Require().Error(msgs[0].Ack(s.Ctx), "second Ack on a resolved handle must fail")

	stats, err := s.b.Topics.GetStats(s.Ctx, "orders.created")
	s.Require().NoError(err)
	s.Equal(int64(1), stats.Length)
}

// Nack without exhausting MaxDeliveries schedules a retry that redelivers
// after its backoff elapses, with RedeliveryCount incremented.
func (s *BrokerSuite) TestNackSchedulesRetry() {
	cfg := broker.SubscriptionConfig{MaxDeliveries: 5, RetryBackoffMs: []int64{1}}
	s.ensure("orders.created", "billing", cfg)

	_, err := s.b.Producer.Publish(s.Ctx, "orders.created", "payload", broker.PublishOptions{})
	s.Require().NoError(err)

	consumer, err := s.b.Consumer(s.Ctx, "orders.created", "billing")
	s.Require().NoError(err)

	msgs, err := consumer.PollOnce(s.Ctx)
	s.Require().NoError(err)
	s.Require().Len(msgs, 1)
	s.Require().NoError(msgs[0].Nack(s.Ctx, true, 0))

	time.Sleep(15 * time.Millisecond)

	msgs2, err := consumer.PollOnce(s.Ctx)
	s.Require().NoError(err)
	s.Require().Len(msgs2, 1)
	s.Equal(1, msgs2[0].RedeliveryCount)
}

// Nack without requeue leaves the entry in flight; it is not redelivered
// until the subscription's visibility timeout elapses and a poll reclaims it.
func (s *BrokerSuite) TestNackWithoutRequeueWaitsForReclaim() {
	cfg := broker.SubscriptionConfig{MaxDeliveries: 5, VisibilityTimeoutMs: 10, RetryBackoffMs: []int64{1000}}
	s.ensure("orders.created", "billing", cfg)

	_, err := s.b.Producer.Publish(s.Ctx, "orders.created", "payload", broker.PublishOptions{})
	s.Require().NoError(err)

	consumer, err := s.b.Consumer(s.Ctx, "orders.created", "billing")
	s.Require().NoError(err)

	msgs, err := consumer.PollOnce(s.Ctx)
	s.Require().NoError(err)
	s.Require().Len(msgs, 1)
	s.Require().NoError(msgs[0].Nack(s.Ctx, false, 0))

	msgsImmediate, err := consumer.PollOnce(s.Ctx)
	s.Require().NoError(err)
	s.Require().Empty(msgsImmediate, "entry must stay in flight until the visibility timeout elapses")

	time.Sleep(15 * time.Millisecond)

	msgsReclaimed, err := consumer.PollOnce(s.Ctx)
	s.Require().NoError(err)
	s.Require().Len(msgsReclaimed, 1)
	s.Equal(1, msgsReclaimed[0].RedeliveryCount)
}

// Once MaxDeliveries is exhausted, Nack routes the message to the
// dead-letter sink instead of scheduling another retry.
func (s *BrokerSuite) TestNackExhaustedDeadLetters() {
	cfg := broker.SubscriptionConfig{MaxDeliveries: 1, RetryBackoffMs: []int64{1}, DeadLetterEnabled: true}
	s.ensure("orders.created", "billing", cfg)

	_, err := s.b.Producer.Publish(s.Ctx, "orders.created", "payload", broker.PublishOptions{})
	s.Require().NoError(err)

	consumer, err := s.b.Consumer(s.Ctx, "orders.created", "billing")
	s.Require().NoError(err)

	msgs, err := consumer.PollOnce(s.Ctx)
	s.Require().NoError(err)
	s.Require().Len(msgs, 1)
	s.Require().NoError(msgs[0].Nack(s.Ctx, true, 0))

	n, err := s.b.DLQ.DLQLength(s.Ctx, "orders.created")
	s.Require().NoError(err)
	s.Equal(int64(1), n)

	entries, err := s.b.DLQ.PeekDLQ(s.Ctx, "orders.created", 10)
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal("Max deliveries exceeded", entries[0].Reason)
}

// DeadLetter bypasses the retry ramp entirely regardless of delivery count.
func (s *BrokerSuite) TestExplicitDeadLetter() {
	s.ensure("orders.created", "billing", broker.SubscriptionConfig{MaxDeliveries: 10})

	_, err := s.b.Producer.Publish(s.Ctx, "orders.created", "payload", broker.PublishOptions{})
	s.Require().NoError(err)

	consumer, err := s.b.Consumer(s.Ctx, "orders.created", "billing")
	s.Require().NoError(err)
	msgs, err := consumer.PollOnce(s.Ctx)
	s.Require().NoError(err)
	s.Require().Len(msgs, 1)

	s.Require().NoError(msgs[0].DeadLetter(s.Ctx, "poison message"))

	n, err := s.b.DLQ.DLQLength(s.Ctx, "orders.created")
	s.Require().NoError(err)
	s.Equal(int64(1), n)
}

// PurgeTopic resets stats to zero while leaving the topic usable.
func (s *BrokerSuite) TestPurgeTopicResetsStats() {
	s.ensure("orders.created", "billing", broker.SubscriptionConfig{})
	_, err := s.b.Producer.Publish(s.Ctx, "orders.created", "payload", broker.PublishOptions{})
	s.Require().NoError(err)

	s.Require().NoError(s.b.Topics.PurgeTopic(s.Ctx, "orders.created"))

	stats, err := s.b.Topics.GetStats(s.Ctx, "orders.created")
	s.Require().NoError(err)
	s.Equal(int64(0), stats.Length)

	_, err = s.b.Producer.Publish(s.Ctx, "orders.created", "after-purge", broker.PublishOptions{})
	s.Require().NoError(err, "topic must remain publishable after purge")
}

// Consumer against a subscription that was never created fails fast.
func (s *BrokerSuite) TestConsumerUnknownSubscription() {
	_, err := s.b.Consumer(s.Ctx, "orders.created", "ghost")
	s.Require().Error(err)
}

// A payload larger than the configured bound is rejected before anything
// is appended to the log.
func (s *BrokerSuite) TestPublishRejectsOversizedPayload() {
	cfg := broker.DefaultConfig()
	cfg.MaxPayloadBytes = 8
	b := broker.New(hotmem.New(), warmmem.New(), cfg, "tenant-a", "orders")
	s.Require().NoError(b.Topics.EnsureTopic(s.Ctx, "orders.created"))

	_, err := b.Producer.Publish(s.Ctx, "orders.created", map[string]string{"k": "a value too long to fit"}, broker.PublishOptions{})
	s.Require().Error(err)
}

// Two brokers over distinct (tenant, namespace) pairs but sharing the same
// hot and warm stores never observe each other's topics, stats, or
// messages.
func (s *BrokerSuite) TestNamespaceIsolation() {
	hot := hotmem.New()
	warm := warmmem.New()

	b1 := broker.New(hot, warm, broker.DefaultConfig(), "tenant-1", "ns1")
	b2 := broker.New(hot, warm, broker.DefaultConfig(), "tenant-2", "ns2")

	s.Require().NoError(b1.Topics.EnsureSubscription(s.Ctx, "orders.created", "billing", broker.SubscriptionConfig{}))
	s.Require().NoError(b2.Topics.EnsureSubscription(s.Ctx, "orders.created", "billing", broker.SubscriptionConfig{}))

	_, err := b1.Producer.Publish(s.Ctx, "orders.created", "only-for-tenant-1", broker.PublishOptions{})
	s.Require().NoError(err)

	stats1, err := b1.Topics.GetStats(s.Ctx, "orders.created")
	s.Require().NoError(err)
	s.Equal(int64(1), stats1.Length)

	stats2, err := b2.Topics.GetStats(s.Ctx, "orders.created")
	s.Require().NoError(err)
	s.Equal(int64(0), stats2.Length, "tenant-2's identically named topic must not see tenant-1's entries")

	consumer2, err := b2.Consumer(s.Ctx, "orders.created", "billing")
	s.Require().NoError(err)
	msgs2, err := consumer2.PollOnce(s.Ctx)
	s.Require().NoError(err)
	s.Require().Empty(msgs2, "tenant-2's consumer must not receive tenant-1's message")
}

// PublishBatch is all-or-nothing: one oversized payload fails the whole
// batch before any entry is appended.
func (s *BrokerSuite) TestPublishBatchAllOrNothing() {
	cfg := broker.DefaultConfig()
	cfg.MaxPayloadBytes = 8
	b := broker.New(hotmem.New(), warmmem.New(), cfg, "tenant-a", "orders")
	s.Require().NoError(b.Topics.EnsureTopic(s.Ctx, "orders.created"))

	_, err := b.Producer.PublishBatch(s.Ctx, "orders.created", []interface{}{"ok", "this one is far too long"}, broker.PublishOptions{})
	s.Require().Error(err)

	stats, err := b.Topics.GetStats(context.Background(), "orders.created")
	s.Require().NoError(err)
	s.Equal(int64(0), stats.Length, "no entries should have been appended")
}
