package broker_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/chris-alexander-pop/msgbroker/pkg/broker"
	hotmem "github.com/chris-alexander-pop/msgbroker/pkg/hotstore/adapters/memory"
	"github.com/chris-alexander-pop/msgbroker/pkg/keys"
	"github.com/chris-alexander-pop/msgbroker/pkg/test"
)

type RetrySchedulerSuite struct {
	test.Suite
	sched *broker.RetryScheduler
}

func (s *RetrySchedulerSuite) SetupTest() {
	s.Suite.SetupTest()
	s.sched = broker.NewRetryScheduler(hotmem.New(), keys.NewNamer("cw:"), "tenant-a", "orders")
}

func TestRetrySchedulerSuite(t *testing.T) {
	test.Run(t, new(RetrySchedulerSuite))
}

// A retry whose short delay has elapsed is drainable, and once RemoveRetry
// removes it a second drain sees nothing.
func (s *RetrySchedulerSuite) TestScheduleAndDrainOnce() {
	cfg := broker.SubscriptionConfig{RetryBackoffMs: []int64{1}}
	payload := json.RawMessage(`{"k":"v"}`)
	s.Require().NoError(s.sched.ScheduleRetry(s.Ctx, "orders.created", "billing", cfg, "msg-1", payload, map[string]string{"h": "1"}, 1, 0))

	time.Sleep(10 * time.Millisecond)

	entries, err := s.sched.DrainReady(s.Ctx, "orders.created", "billing", 10)
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal("msg-1", entries[0].OriginalID)
	s.Equal(1, entries[0].Attempt)
	s.JSONEq(string(payload), string(entries[0].Payload))

	s.Require().NoError(s.sched.RemoveRetry(s.Ctx, "orders.created", "billing", entries[0]))

	again, err := s.sched.DrainReady(s.Ctx, "orders.created", "billing", 10)
	s.Require().NoError(err)
	s.Empty(again, "a removed retry must not be drained again")
}

// A retry with a long delay is not yet ready.
func (s *RetrySchedulerSuite) TestNotYetDue() {
	cfg := broker.SubscriptionConfig{RetryBackoffMs: []int64{60000}}
	s.Require().NoError(s.sched.ScheduleRetry(s.Ctx, "orders.created", "billing", cfg, "msg-2", json.RawMessage(`{}`), nil, 1, 0))

	entries, err := s.sched.DrainReady(s.Ctx, "orders.created", "billing", 10)
	s.Require().NoError(err)
	s.Empty(entries)
}

// An explicit delayOverride takes precedence over the backoff ramp.
func (s *RetrySchedulerSuite) TestDelayOverride() {
	cfg := broker.SubscriptionConfig{RetryBackoffMs: []int64{60000}}
	s.Require().NoError(s.sched.ScheduleRetry(s.Ctx, "orders.created", "billing", cfg, "msg-3", json.RawMessage(`{}`), nil, 1, time.Millisecond))

	time.Sleep(10 * time.Millisecond)
	entries, err := s.sched.DrainReady(s.Ctx, "orders.created", "billing", 10)
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
}
