package broker

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/chris-alexander-pop/msgbroker/pkg/errors"
	"github.com/chris-alexander-pop/msgbroker/pkg/hotstore"
	"github.com/chris-alexander-pop/msgbroker/pkg/keys"
	"github.com/chris-alexander-pop/msgbroker/pkg/logger"
	"github.com/chris-alexander-pop/msgbroker/pkg/warmstore"
)

// DeadLetter is one entry read back from a topic's dead-letter log.
type DeadLetter struct {
	ID         string
	OriginalID string
	Payload    json.RawMessage
	Headers    map[string]string
	Reason     string
	Attempt    int
	DeadAt     time.Time
}

// DeadLetterSink appends exhausted messages to a topic's dead-letter log
// and mirrors them to the warm store's dead_letters collection.
type DeadLetterSink struct {
	hot    hotstore.Store
	warm   warmstore.Store
	namer  keys.Namer
	tenant string
	ns     string
}

// NewDeadLetterSink creates a DeadLetterSink scoped to one (tenant, namespace).
func NewDeadLetterSink(hot hotstore.Store, warm warmstore.Store, namer keys.Namer, tenant, namespace string) *DeadLetterSink {
	return &DeadLetterSink{hot: hot, warm: warm, namer: namer, tenant: tenant, ns: namespace}
}

// SendToDeadLetter appends the message to the topic's dead-letter log and
// inserts a durable copy. It does not acknowledge the subscription
// delivery; callers ack it afterwards to stop redelivery.
func (d *DeadLetterSink) SendToDeadLetter(ctx context.Context, topic, subscription, originalID string, payload json.RawMessage, headers map[string]string, reason string, attempt int) error {
	dlqKey := d.namer.DLQKey(d.tenant, d.ns, topic)
	headerJSON, err := json.Marshal(headers)
	if err != nil {
		return errors.Wrap(err, "marshal dead letter headers")
	}
	fields := map[string]string{
		"originalId": originalID,
		"payload":    string(payload),
		"headers":    string(headerJSON),
		"reason":     reason,
		"attempt":    strconv.Itoa(attempt),
		"deadAt":     time.Now().UTC().Format(time.RFC3339Nano),
	}
	dlqID, err := d.hot.LogAppend(ctx, dlqKey, fields, 0)
	if err != nil {
		return errors.Wrap(err, "dead letter: log append")
	}

	now := time.Now().UnixMilli()
	var decoded interface{}
	_ = json.Unmarshal(payload, &decoded)
	if err := d.warm.Insert(ctx, warmstore.CollectionDeadLetters, warmstore.Doc{
		"topic":        topic,
		"subscription": subscription,
		"tenant":       d.tenant,
		"dlqId":        dlqID,
		"originalId":   originalID,
		"payload":      decoded,
		"headers":      headers,
		"reason":       reason,
		"attempt":      attempt,
		"_system":      warmstore.System{CreatedAt: now},
	}); err != nil {
		logger.L().ErrorContext(ctx, "dead letter warm insert failed", "topic", topic, "original_id", originalID, "error", err)
		return errors.Wrap(err, "dead letter: warm insert")
	}

	logger.L().WarnContext(ctx, "message dead-lettered", "topic", topic, "subscription", subscription, "original_id", originalID, "reason", reason, "attempt", attempt)
	return nil
}

// DLQLength reports the number of entries in a topic's dead-letter log.
func (d *DeadLetterSink) DLQLength(ctx context.Context, topic string) (int64, error) {
	dlqKey := d.namer.DLQKey(d.tenant, d.ns, topic)
	n, err := d.hot.LogLen(ctx, dlqKey)
	if err != nil {
		return 0, errors.Wrap(err, "dlq length")
	}
	return n, nil
}

// PeekDLQ returns up to limit dead-letter entries without removing them.
func (d *DeadLetterSink) PeekDLQ(ctx context.Context, topic string, limit int64) ([]DeadLetter, error) {
	dlqKey := d.namer.DLQKey(d.tenant, d.ns, topic)
	entries, err := d.hot.LogRange(ctx, dlqKey, "", "", limit)
	if err != nil {
		return nil, errors.Wrap(err, "peek dlq")
	}
	out := make([]DeadLetter, 0, len(entries))
	for _, e := range entries {
		dl, ok := parseDeadLetter(e)
		if !ok {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// PurgeDLQ removes every entry from the topic's dead-letter log and its
// warm-store mirror.
func (d *DeadLetterSink) PurgeDLQ(ctx context.Context, topic string) error {
	dlqKey := d.namer.DLQKey(d.tenant, d.ns, topic)
	if err := d.hot.LogPurge(ctx, dlqKey); err != nil {
		return errors.Wrap(err, "purge dlq")
	}
	if _, err := d.warm.DeleteMany(ctx, warmstore.CollectionDeadLetters, warmstore.Doc{"topic": topic, "tenant": d.tenant}); err != nil {
		return errors.Wrap(err, "purge dlq: warm delete")
	}
	return nil
}

func parseDeadLetter(e hotstore.Entry) (DeadLetter, bool) {
	payload, ok := e.Fields["payload"]
	if !ok || !json.Valid([]byte(payload)) {
		return DeadLetter{}, false
	}
	headers := map[string]string{}
	if h := e.Fields["headers"]; h != "" {
		_ = json.Unmarshal([]byte(h), &headers)
	}
	attempt, _ := strconv.Atoi(e.Fields["attempt"])
	deadAt, _ := time.Parse(time.RFC3339Nano, e.Fields["deadAt"])
	return DeadLetter{
		ID:         e.ID,
		OriginalID: e.Fields["originalId"],
		Payload:    json.RawMessage(payload),
		Headers:    headers,
		Reason:     e.Fields["reason"],
		Attempt:    attempt,
		DeadAt:     deadAt,
	}, true
}
