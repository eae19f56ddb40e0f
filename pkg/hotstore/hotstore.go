// Package hotstore defines the abstract low-latency store the broker runs
// against: a streaming log with consumer groups, a key/value space with
// TTLs, hashes, and a sorted set. Two concrete adapters implement it, a
// thin mapping onto a real streaming-log store (adapters/redisstream) and a
// polling emulation over a document database (adapters/mongoemu), plus an
// in-process adapter for tests (adapters/memory). Code above this package
// never branches on which adapter is in use.
package hotstore

import (
	"context"
	"time"

	"github.com/chris-alexander-pop/msgbroker/pkg/errors"
)

// CodeAlreadyExists is the error code GroupCreate returns when the group
// already exists. Callers (the Topic Manager) are expected to swallow it.
const CodeAlreadyExists = "HOTSTORE_ALREADY_EXISTS"

// ErrAlreadyExists builds the error GroupCreate returns for a duplicate group.
func ErrAlreadyExists(name string) *errors.AppError {
	return errors.New(CodeAlreadyExists, "already exists: "+name, nil)
}

// Entry is a single log record: an id assigned by the store and its
// string-keyed field map.
type Entry struct {
	ID     string
	Fields map[string]string
}

// Pending describes one in-flight entry as seen by groupPending.
type Pending struct {
	ID         string
	Holder     string
	IdleMs     int64
	Deliveries int64
}

// LogInfo summarises a log for stats reporting.
type LogInfo struct {
	Length int64
	Groups int64
}

// ScoredMember is one member of a sorted set along with its score.
type ScoredMember struct {
	Score  float64
	Member string
}

// Store is the full hot-tier capability surface. Every operation is
// safe under concurrent callers; the two backends differ in how they
// achieve that (see adapters/redisstream and adapters/mongoemu).
type Store interface {
	// KV

	KVSet(ctx context.Context, key string, value []byte, ttl time.Duration) error
	KVGet(ctx context.Context, key string) ([]byte, error) // nil, nil on miss/expired
	KVDel(ctx context.Context, keys ...string) (int64, error)
	KVExists(ctx context.Context, keys ...string) (int64, error)
	KVExpire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Hash

	HashSet(ctx context.Context, key, field, value string) error
	HashGet(ctx context.Context, key, field string) (string, error) // "", nil on miss

	// Log / consumer groups

	LogAppend(ctx context.Context, log string, entry map[string]string, maxLen int64) (string, error)
	GroupCreate(ctx context.Context, log, group, startID string) error
	GroupDestroy(ctx context.Context, log, group string) error
	GroupRead(ctx context.Context, log, group, consumer string, block time.Duration, count int64) ([]Entry, error)
	GroupAck(ctx context.Context, log, group string, ids ...string) (int64, error)
	GroupReclaim(ctx context.Context, log, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error)
	GroupPending(ctx context.Context, log, group string, count int64) ([]Pending, error)
	LogLen(ctx context.Context, log string) (int64, error)
	LogRange(ctx context.Context, log, start, end string, count int64) ([]Entry, error)
	LogInfo(ctx context.Context, log string) (LogInfo, error)
	// LogPurge removes every entry and consumer group for log, used by
	// Topic Manager's purge operation. Unlike KVDel it reaches into the
	// log's own namespace rather than the KV namespace the two share a
	// key prefix with.
	LogPurge(ctx context.Context, log string) error

	// Sorted set

	ZSetAdd(ctx context.Context, key string, score float64, member string) error
	ZSetRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error)
	ZSetRemove(ctx context.Context, key string, members ...string) (int64, error)
	ZSetCard(ctx context.Context, key string) (int64, error)

	// Close releases resources held by the store.
	Close() error
}
