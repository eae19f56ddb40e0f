package broker

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/chris-alexander-pop/msgbroker/pkg/errors"
	"github.com/chris-alexander-pop/msgbroker/pkg/hotstore"
	"github.com/chris-alexander-pop/msgbroker/pkg/keys"
)

// retryEntry is the scheduled-redelivery record.
// Field order is fixed and headers/payload marshal deterministically
// (encoding/json sorts map keys) so RemoveRetry's exact-string match
// always finds what ScheduleRetry inserted.
type retryEntry struct {
	OriginalID    string            `json:"originalId"`
	Payload       json.RawMessage   `json:"payload"`
	Headers       map[string]string `json:"headers"`
	Attempt       int               `json:"attempt"`
	NextAttemptMs int64             `json:"nextAttemptMs"`
}

// RetryEntry is a drained retry entry paired with the exact serialized
// string it was stored as, so the consumer loop can remove it precisely.
type RetryEntry struct {
	OriginalID string
	Payload    json.RawMessage
	Headers    map[string]string
	Attempt    int
	raw        string
}

// RetryScheduler schedules delayed redelivery via a sorted set scored by
// next-attempt time.
type RetryScheduler struct {
	hot    hotstore.Store
	namer  keys.Namer
	tenant string
	ns     string
	rand   *rand.Rand
}

// NewRetryScheduler creates a RetryScheduler scoped to one (tenant, namespace).
func NewRetryScheduler(hot hotstore.Store, namer keys.Namer, tenant, namespace string) *RetryScheduler {
	return &RetryScheduler{hot: hot, namer: namer, tenant: tenant, ns: namespace, rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// ScheduleRetry computes the backoff delay for the 1-based attempt (attempt
// n waits the ramp's n-th delay, reusing the last one past the end), adds up
// to 20% jitter, and inserts the retry record scored by its absolute
// next-attempt time.
func (r *RetryScheduler) ScheduleRetry(ctx context.Context, topic, subscription string, cfg SubscriptionConfig, msgID string, payload json.RawMessage, headers map[string]string, attempt int, delayOverride time.Duration) error {
	delay := delayOverride
	if delay <= 0 {
		delay = cfg.backoffFor(attempt - 1)
	}
	jitter := time.Duration(r.rand.Float64() * 0.2 * float64(delay))
	nextAttempt := time.Now().Add(delay + jitter).UnixMilli()

	entry := retryEntry{
		OriginalID:    msgID,
		Payload:       payload,
		Headers:       headers,
		Attempt:       attempt,
		NextAttemptMs: nextAttempt,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "marshal retry entry")
	}

	retryKey := r.namer.RetryKey(r.tenant, r.ns, topic, subscription)
	if err := r.hot.ZSetAdd(ctx, retryKey, float64(nextAttempt), string(raw)); err != nil {
		return errors.Wrap(err, "schedule retry: zadd")
	}
	return nil
}

// DrainReady returns every retry entry whose next-attempt time has passed,
// in non-decreasing score order, up to limit.
func (r *RetryScheduler) DrainReady(ctx context.Context, topic, subscription string, limit int64) ([]RetryEntry, error) {
	retryKey := r.namer.RetryKey(r.tenant, r.ns, topic, subscription)
	members, err := r.hot.ZSetRangeByScore(ctx, retryKey, negInf, float64(time.Now().UnixMilli()), limit)
	if err != nil {
		return nil, errors.Wrap(err, "drain ready: zrangebyscore")
	}
	out := make([]RetryEntry, 0, len(members))
	for _, m := range members {
		var e retryEntry
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			continue // poison retry record; left in place rather than silently dropped
		}
		out = append(out, RetryEntry{
			OriginalID: e.OriginalID,
			Payload:    e.Payload,
			Headers:    e.Headers,
			Attempt:    e.Attempt,
			raw:        m,
		})
	}
	return out, nil
}

// RemoveRetry removes a previously drained entry by its exact serialized
// form.
func (r *RetryScheduler) RemoveRetry(ctx context.Context, topic, subscription string, entry RetryEntry) error {
	retryKey := r.namer.RetryKey(r.tenant, r.ns, topic, subscription)
	_, err := r.hot.ZSetRemove(ctx, retryKey, entry.raw)
	if err != nil {
		return errors.Wrap(err, "remove retry: zrem")
	}
	return nil
}

// negInf approximates the retry set's lower score bound; scores are
// millisecond epoch timestamps, always positive, so 0 suffices in practice,
// but this stays explicit about intent at the call site.
const negInf = 0
