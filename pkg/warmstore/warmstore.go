// Package warmstore defines the durable-tier contract the broker calls
// through for dual-tier retention: four logical collections scoped by
// tenant, reached through a minimal upsert/insert/find surface. The broker
// treats the warm store as an external collaborator; this package
// specifies only the operations it calls, not a storage engine.
package warmstore

import "context"

// Doc is a loosely-typed document, the shape document-database drivers
// naturally decode into.
type Doc map[string]interface{}

// System carries the bookkeeping fields every collection's documents share
// under "_system".
type System struct {
	CreatedAt     int64 `bson:"createdAt" json:"createdAt"`
	UpdatedAt     int64 `bson:"updatedAt,omitempty" json:"updatedAt,omitempty"`
	RetentionDays int   `bson:"retentionDays,omitempty" json:"retentionDays,omitempty"`
	Tombstone     bool  `bson:"tombstone,omitempty" json:"tombstone,omitempty"`
	DeletedAt     int64 `bson:"deletedAt,omitempty" json:"deletedAt,omitempty"`
}

// Collection names.
const (
	CollectionSharedMemory = "shared_memory"
	CollectionTopics       = "topics"
	CollectionMessages     = "messages"
	CollectionDeadLetters  = "dead_letters"
)

// Store is the durable-tier capability surface the broker calls. Every
// operation is scoped to whatever filter the caller passes; uniqueness
// constraints are the implementation's responsibility to enforce (the
// mongodb and memory adapters both keep unique keys on shared_memory,
// topics, and messages).
type Store interface {
	// Insert adds a single document to collection. Duplicate-key errors
	// for the collection's unique index surface as CodeAlreadyExists.
	Insert(ctx context.Context, collection string, doc Doc) error

	// Upsert merges doc into the document matching filter, creating it
	// (filter fields included) when none matches.
	Upsert(ctx context.Context, collection string, filter Doc, doc Doc) error

	// FindOne returns the first document matching filter, or nil if none
	// match.
	FindOne(ctx context.Context, collection string, filter Doc) (Doc, error)

	// Find returns every document matching filter.
	Find(ctx context.Context, collection string, filter Doc) ([]Doc, error)

	// DeleteMany removes every document matching filter and returns the
	// count removed.
	DeleteMany(ctx context.Context, collection string, filter Doc) (int64, error)

	// Close releases resources held by the store.
	Close() error
}
