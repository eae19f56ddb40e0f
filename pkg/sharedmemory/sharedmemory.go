// Package sharedmemory implements the dual-tier KV engine: every value
// is JSON-encoded into the hot tier with a TTL, and may optionally be
// mirrored to the warm tier so that a hot-tier miss (expiry, eviction,
// process restart) falls back to durable storage instead of surfacing as a
// permanent loss. The warm tier is the source of truth for durability; the
// hot tier is a fast cache with bounded lifetime.
package sharedmemory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/chris-alexander-pop/msgbroker/pkg/codec"
	"github.com/chris-alexander-pop/msgbroker/pkg/errors"
	"github.com/chris-alexander-pop/msgbroker/pkg/hotstore"
	"github.com/chris-alexander-pop/msgbroker/pkg/keys"
	"github.com/chris-alexander-pop/msgbroker/pkg/logger"
	"github.com/chris-alexander-pop/msgbroker/pkg/warmstore"
)

// appendSeq disambiguates StrategyAppend keys written within the same
// nanosecond, which UnixNano alone cannot rule out on fast paths or
// coarse-grained clocks.
var appendSeq uint64

// UpsertStrategy selects how a warm-mirrored write is persisted.
type UpsertStrategy string

const (
	// StrategyLatest overwrites the warm row for (name, ns, tenant).
	StrategyLatest UpsertStrategy = "latest"
	// StrategyAppend inserts a new warm row, keeping prior versions.
	StrategyAppend UpsertStrategy = "append"
)

// DefaultMaxValueBytes bounds an encoded value when a caller does not set one.
const DefaultMaxValueBytes = 1 << 20 // 1 MiB

// WarmOptions configures whether and how a write is mirrored to the warm tier.
type WarmOptions struct {
	Persist        bool
	UpsertStrategy UpsertStrategy
}

// SetOptions configures a Set call.
type SetOptions struct {
	Namespace     string
	Tenant        string
	HotTTL        time.Duration
	Warm          WarmOptions
	MaxValueBytes int
}

// GetOptions configures a Get call.
type GetOptions struct {
	Namespace string
	Tenant    string
}

// DelOptions configures a Del call.
type DelOptions struct {
	Namespace string
	Tenant    string
	Tombstone bool
}

const defaultNamespace = "default"
const defaultTenant = "default"

func namespaceOf(ns string) string {
	if ns == "" {
		return defaultNamespace
	}
	return ns
}

func tenantOf(t string) string {
	if t == "" {
		return defaultTenant
	}
	return t
}

// Engine is the shared-memory component bound to a hot store, a warm store,
// and the key namer used throughout the broker.
type Engine struct {
	hot   hotstore.Store
	warm  warmstore.Store
	namer keys.Namer
}

// New creates a shared-memory engine over the given hot and warm stores.
func New(hot hotstore.Store, warm warmstore.Store, namer keys.Namer) *Engine {
	return &Engine{hot: hot, warm: warm, namer: namer}
}

// Set JSON-encodes value, enforces MaxValueBytes, writes it to the hot tier
// with HotTTL, and optionally mirrors it to the warm tier.
func (e *Engine) Set(ctx context.Context, name string, value interface{}, opts SetOptions) error {
	maxBytes := opts.MaxValueBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxValueBytes
	}
	raw, err := codec.Marshal(value, maxBytes)
	if err != nil {
		return errors.Wrap(err, "encode shared-memory value")
	}

	ns, tenant := namespaceOf(opts.Namespace), tenantOf(opts.Tenant)
	key := e.namer.SharedMemoryKey(tenant, ns, name)
	if err := e.hot.KVSet(ctx, key, raw, opts.HotTTL); err != nil {
		return errors.Wrap(err, "shared-memory hot set")
	}

	if opts.Warm.Persist {
		if err := e.mirrorWarm(ctx, name, ns, tenant, raw, opts.Warm.UpsertStrategy); err != nil {
			logger.L().ErrorContext(ctx, "shared-memory warm mirror failed", "name", name, "error", err)
			return err
		}
	}
	return nil
}

// mirrorWarm writes the warm row for name. The shared_memory collection's
// unique index is on (key, namespace, tenant), so StrategyLatest reuses
// name as the literal key and upserts in place, while StrategyAppend
// must give every write a distinct key to avoid colliding with that index;
// it does so by suffixing name with the write's nanosecond timestamp and a
// process-wide sequence number (name#nanos#seq), and records the
// logical name separately so Get can still find the most recent version.
func (e *Engine) mirrorWarm(ctx context.Context, name, ns, tenant string, raw []byte, strategy UpsertStrategy) error {
	now := time.Now().UnixMilli()
	var decoded interface{}
	_ = json.Unmarshal(raw, &decoded)
	row := warmstore.Doc{
		"name":      name,
		"namespace": ns,
		"tenant":    tenant,
		"value":     decoded,
		"_system": warmstore.System{
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	if strategy == StrategyAppend {
		row["key"] = fmt.Sprintf("%s#%d#%d", name, time.Now().UnixNano(), atomic.AddUint64(&appendSeq, 1))
		return e.warm.Insert(ctx, warmstore.CollectionSharedMemory, row)
	}
	row["key"] = name
	filter := warmstore.Doc{"key": name, "namespace": ns, "tenant": tenant}
	return e.warm.Upsert(ctx, warmstore.CollectionSharedMemory, filter, row)
}

// Get reads the hot tier first; on a miss it falls back to the warm tier's
// shared_memory collection.
func (e *Engine) Get(ctx context.Context, name string, opts GetOptions) (interface{}, error) {
	ns, tenant := namespaceOf(opts.Namespace), tenantOf(opts.Tenant)
	key := e.namer.SharedMemoryKey(tenant, ns, name)

	raw, err := e.hot.KVGet(ctx, key)
	if err != nil {
		return nil, errors.Wrap(err, "shared-memory hot get")
	}
	if raw != nil {
		var value interface{}
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, errors.Wrap(err, "unmarshal shared-memory value")
		}
		return value, nil
	}

	doc, err := e.warm.FindOne(ctx, warmstore.CollectionSharedMemory, warmstore.Doc{
		"key": name, "namespace": ns, "tenant": tenant,
	})
	if err != nil {
		return nil, errors.Wrap(err, "shared-memory warm findOne")
	}
	if doc == nil {
		// No row keyed exactly by name: it may have been written under
		// StrategyAppend, whose rows carry a versioned key and the
		// logical name in a separate field instead.
		docs, err := e.warm.Find(ctx, warmstore.CollectionSharedMemory, warmstore.Doc{
			"name": name, "namespace": ns, "tenant": tenant,
		})
		if err != nil {
			return nil, errors.Wrap(err, "shared-memory warm find")
		}
		doc = latestByCreatedAt(docs)
	}
	if doc == nil {
		return nil, nil
	}
	if tombstoned(doc) {
		return nil, nil
	}
	return doc["value"], nil
}

// latestByCreatedAt returns the doc with the highest _system.createdAt, or
// nil if docs is empty.
func latestByCreatedAt(docs []warmstore.Doc) warmstore.Doc {
	var best warmstore.Doc
	var bestCreatedAt int64 = -1
	for _, d := range docs {
		if c := createdAtOf(d); c >= bestCreatedAt {
			bestCreatedAt = c
			best = d
		}
	}
	return best
}

// createdAtOf extracts _system.createdAt regardless of which concrete
// map-like type the adapter decoded it into (see tombstoned).
func createdAtOf(doc warmstore.Doc) int64 {
	sys, ok := doc["_system"]
	if !ok {
		return 0
	}
	if s, ok := sys.(warmstore.System); ok {
		return s.CreatedAt
	}
	raw, err := json.Marshal(sys)
	if err != nil {
		return 0
	}
	var parsed struct {
		CreatedAt int64 `json:"createdAt"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return 0
	}
	return parsed.CreatedAt
}

// tombstoned reports whether a warm row's "_system" field carries
// tombstone=true, regardless of which concrete map type the adapter
// decoded it into (plain map, bson.M, or a warmstore.System value).
func tombstoned(doc warmstore.Doc) bool {
	sys, ok := doc["_system"]
	if !ok {
		return false
	}
	if s, ok := sys.(warmstore.System); ok {
		return s.Tombstone
	}
	raw, err := json.Marshal(sys)
	if err != nil {
		return false
	}
	var parsed struct {
		Tombstone bool `json:"tombstone"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return false
	}
	return parsed.Tombstone
}

// Del removes the hot-tier key and, when Tombstone is set, marks the warm
// row deleted instead of removing it outright.
func (e *Engine) Del(ctx context.Context, name string, opts DelOptions) error {
	ns, tenant := namespaceOf(opts.Namespace), tenantOf(opts.Tenant)
	key := e.namer.SharedMemoryKey(tenant, ns, name)
	if _, err := e.hot.KVDel(ctx, key); err != nil {
		return errors.Wrap(err, "shared-memory hot del")
	}
	if !opts.Tombstone {
		return nil
	}
	return e.warm.Upsert(ctx, warmstore.CollectionSharedMemory,
		warmstore.Doc{"key": name, "namespace": ns, "tenant": tenant},
		warmstore.Doc{
			"value": nil,
			"_system": warmstore.System{
				Tombstone: true,
				DeletedAt: time.Now().UnixMilli(),
			},
		},
	)
}

// Exists reports whether the hot-tier key currently exists.
func (e *Engine) Exists(ctx context.Context, name string, opts GetOptions) (bool, error) {
	ns, tenant := namespaceOf(opts.Namespace), tenantOf(opts.Tenant)
	key := e.namer.SharedMemoryKey(tenant, ns, name)
	n, err := e.hot.KVExists(ctx, key)
	if err != nil {
		return false, errors.Wrap(err, "shared-memory exists")
	}
	return n > 0, nil
}

// Expire sets a new TTL on the hot-tier key.
func (e *Engine) Expire(ctx context.Context, name string, ttl time.Duration, opts GetOptions) (bool, error) {
	ns, tenant := namespaceOf(opts.Namespace), tenantOf(opts.Tenant)
	key := e.namer.SharedMemoryKey(tenant, ns, name)
	ok, err := e.hot.KVExpire(ctx, key, ttl)
	if err != nil {
		return false, errors.Wrap(err, "shared-memory expire")
	}
	return ok, nil
}
