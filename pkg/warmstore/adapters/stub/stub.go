// Package stub is a no-op warm store: writes are dropped and FindOne
// always reports a miss. It exists so the broker can run (and its unit
// tests can run fast) without a real durable tier; warm-fallback behavior
// needs a persisting adapter instead.
package stub

import (
	"context"

	"github.com/chris-alexander-pop/msgbroker/pkg/warmstore"
)

// Store implements warmstore.Store with no durable effect whatsoever.
type Store struct{}

// New creates a stub warm store.
func New() *Store {
	return &Store{}
}

// Insert is a no-op.
func (s *Store) Insert(ctx context.Context, collection string, doc warmstore.Doc) error {
	return nil
}

// Upsert is a no-op.
func (s *Store) Upsert(ctx context.Context, collection string, filter, doc warmstore.Doc) error {
	return nil
}

// FindOne always reports a miss.
func (s *Store) FindOne(ctx context.Context, collection string, filter warmstore.Doc) (warmstore.Doc, error) {
	return nil, nil
}

// Find always returns an empty result.
func (s *Store) Find(ctx context.Context, collection string, filter warmstore.Doc) ([]warmstore.Doc, error) {
	return nil, nil
}

// DeleteMany always reports zero deletions.
func (s *Store) DeleteMany(ctx context.Context, collection string, filter warmstore.Doc) (int64, error) {
	return 0, nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
