package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/chris-alexander-pop/msgbroker/pkg/codec"
	"github.com/chris-alexander-pop/msgbroker/pkg/errors"
	"github.com/chris-alexander-pop/msgbroker/pkg/hotstore"
	"github.com/chris-alexander-pop/msgbroker/pkg/keys"
	"github.com/chris-alexander-pop/msgbroker/pkg/logger"
	"github.com/chris-alexander-pop/msgbroker/pkg/warmstore"
)

// PublishOptions configures a single Publish call.
type PublishOptions struct {
	Headers         map[string]string
	PersistWarmCopy bool
}

// headerCorrelationID is the header key Publish populates with a generated
// id when the caller didn't supply their own, so every message can be
// correlated across logs even without an application-level identifier.
const headerCorrelationID = "correlationId"

func withCorrelationID(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	if out[headerCorrelationID] == "" {
		out[headerCorrelationID] = uuid.NewString()
	}
	return out
}

// Producer appends messages to a topic's log, enforcing the payload bound
// and optionally mirroring a durable copy to the warm store.
type Producer struct {
	hot             hotstore.Store
	warm            warmstore.Store
	namer           keys.Namer
	tenant          string
	ns              string
	maxPayloadBytes int
	maxStreamLen    int64
}

// NewProducer creates a Producer scoped to one (tenant, namespace).
func NewProducer(hot hotstore.Store, warm warmstore.Store, namer keys.Namer, tenant, namespace string, cfg Config) *Producer {
	return &Producer{
		hot:             hot,
		warm:            warm,
		namer:           namer,
		tenant:          tenant,
		ns:              namespace,
		maxPayloadBytes: cfg.MaxPayloadBytes,
		maxStreamLen:    cfg.MaxStreamLen,
	}
}

// Publish JSON-encodes payload, rejects it if it exceeds maxPayloadBytes,
// appends it to the topic log, and optionally inserts a warm copy.
func (p *Producer) Publish(ctx context.Context, topic string, payload interface{}, opts PublishOptions) (string, error) {
	raw, err := p.encode(payload)
	if err != nil {
		return "", err
	}

	headers := withCorrelationID(opts.Headers)
	fields, err := codec.ToFields(codec.Envelope{Payload: raw, Headers: headers})
	if err != nil {
		return "", err
	}

	logKey := p.namer.TopicLog(p.tenant, p.ns, topic)
	msgID, err := p.hot.LogAppend(ctx, logKey, fields, p.maxStreamLen)
	if err != nil {
		return "", errors.Wrap(err, "publish: log append")
	}

	if opts.PersistWarmCopy {
		if err := p.persistWarmCopy(ctx, topic, msgID, raw, headers); err != nil {
			logger.L().ErrorContext(ctx, "producer warm copy failed", "topic", topic, "msg_id", msgID, "error", err)
			return msgID, err
		}
	}
	return msgID, nil
}

// encode JSON-encodes payload through the codec's size guard, translating
// an over-bound payload into the broker's payload-too-large error.
func (p *Producer) encode(payload interface{}) (json.RawMessage, error) {
	raw, err := codec.Marshal(payload, p.maxPayloadBytes)
	if err != nil {
		if errors.Is(err, codec.CodePayloadTooLarge) {
			return nil, ErrPayloadTooLarge(err)
		}
		return nil, err
	}
	return raw, nil
}

// PublishBatch publishes every payload, failing the whole batch if any
// exceeds maxPayloadBytes before appending anything. Warm inserts are
// deferred until every id is known, so a warm row never references an id
// that was not assigned.
func (p *Producer) PublishBatch(ctx context.Context, topic string, payloads []interface{}, opts PublishOptions) ([]string, error) {
	type prepared struct {
		raw     json.RawMessage
		fields  map[string]string
		headers map[string]string
	}
	batch := make([]prepared, 0, len(payloads))
	for _, payload := range payloads {
		raw, err := p.encode(payload)
		if err != nil {
			return nil, err
		}
		headers := withCorrelationID(opts.Headers)
		fields, err := codec.ToFields(codec.Envelope{Payload: raw, Headers: headers})
		if err != nil {
			return nil, err
		}
		batch = append(batch, prepared{raw: raw, fields: fields, headers: headers})
	}

	logKey := p.namer.TopicLog(p.tenant, p.ns, topic)
	ids := make([]string, len(batch))
	for i, item := range batch {
		id, err := p.hot.LogAppend(ctx, logKey, item.fields, p.maxStreamLen)
		if err != nil {
			return ids[:i], errors.Wrap(err, "publish batch: log append")
		}
		ids[i] = id
	}

	if opts.PersistWarmCopy {
		for i, item := range batch {
			if err := p.persistWarmCopy(ctx, topic, ids[i], item.raw, item.headers); err != nil {
				logger.L().ErrorContext(ctx, "producer batch warm copy failed", "topic", topic, "msg_id", ids[i], "error", err)
				return ids, err
			}
		}
	}
	return ids, nil
}

func (p *Producer) persistWarmCopy(ctx context.Context, topic, msgID string, raw json.RawMessage, headers map[string]string) error {
	var decoded interface{}
	_ = json.Unmarshal(raw, &decoded)
	return p.warm.Insert(ctx, warmstore.CollectionMessages, warmstore.Doc{
		"topic":       topic,
		"msgId":       msgID,
		"tenant":      p.tenant,
		"headers":     headers,
		"payload":     decoded,
		"firstSeenAt": time.Now().UnixMilli(),
		"size":        len(raw),
		"_system":     warmstore.System{CreatedAt: time.Now().UnixMilli()},
	})
}
