// Package codec handles the wire representation the broker stores in the
// hot tier: JSON encoding with a payload size guard, content hashing, and
// the conversion between a message envelope and the string-keyed field map
// the log primitives operate on.
package codec

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/chris-alexander-pop/msgbroker/pkg/errors"
)

// DefaultMaxPayloadBytes is used when a caller does not configure a limit.
const DefaultMaxPayloadBytes = 256 * 1024

// CodePayloadTooLarge is returned by Marshal when the encoded value
// exceeds its size bound.
const CodePayloadTooLarge = "CODEC_PAYLOAD_TOO_LARGE"

// Marshal JSON-encodes v and enforces maxBytes. A maxBytes <= 0 means
// DefaultMaxPayloadBytes.
func Marshal(v interface{}, maxBytes int) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal payload")
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxPayloadBytes
	}
	if len(raw) > maxBytes {
		return nil, errors.New(CodePayloadTooLarge, "payload exceeds maximum size", nil)
	}
	return raw, nil
}

// ContentHash returns the hex-encoded SHA-256 hash of raw, stored with
// every log entry for audit trails and idempotency checks.
func ContentHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Envelope is one log entry's decoded content: the JSON payload and
// headers every message carries, plus the lineage fields a re-injected
// retry delivery adds.
type Envelope struct {
	Payload json.RawMessage
	Headers map[string]string
	RetryOf string
	Attempt int
}

// ToFields flattens env into the field map a log append takes: payload
// and headers as JSON strings alongside a content hash, byte size, and
// publish timestamp. RetryOf/Attempt are included only for retry
// re-injections, so first-time entries carry no lineage fields at all.
func ToFields(env Envelope) (map[string]string, error) {
	headerJSON, err := json.Marshal(env.Headers)
	if err != nil {
		return nil, errors.Wrap(err, "marshal headers")
	}
	fields := map[string]string{
		"payload":     string(env.Payload),
		"headers":     string(headerJSON),
		"hash":        ContentHash(env.Payload),
		"size":        strconv.Itoa(len(env.Payload)),
		"publishedAt": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if env.RetryOf != "" {
		fields["retryOf"] = env.RetryOf
		fields["attempt"] = strconv.Itoa(env.Attempt)
	}
	return fields, nil
}

// FromFields parses a log entry's field map back into an Envelope. It
// fails when the payload is missing or not valid JSON; callers treat that
// as a poison entry and drop it rather than redelivering forever.
func FromFields(fields map[string]string) (Envelope, error) {
	p, ok := fields["payload"]
	if !ok || !json.Valid([]byte(p)) {
		return Envelope{}, errors.New(errors.CodeInvalidArgument, "missing or invalid payload field", nil)
	}
	headers := map[string]string{}
	if h := fields["headers"]; h != "" {
		if err := json.Unmarshal([]byte(h), &headers); err != nil {
			return Envelope{}, errors.Wrap(err, "parse headers")
		}
	}
	attempt, _ := strconv.Atoi(fields["attempt"])
	return Envelope{
		Payload: json.RawMessage(p),
		Headers: headers,
		RetryOf: fields["retryOf"],
		Attempt: attempt,
	}, nil
}
