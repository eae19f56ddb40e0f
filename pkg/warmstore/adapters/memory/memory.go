// Package memory is an in-process warmstore.Store used as a fast reference
// backend for tests that need real durability semantics without a live
// MongoDB instance. Unlike the stub adapter, writes persist and FindOne
// actually reads them back.
package memory

import (
	"context"
	"sync"

	"github.com/chris-alexander-pop/msgbroker/pkg/warmstore"
)

// uniqueKeys names the fields whose combination must be unique per
// collection, matching the unique indexes a real adapter builds.
var uniqueKeys = map[string][]string{
	warmstore.CollectionSharedMemory: {"key", "namespace", "tenant"},
	warmstore.CollectionTopics:       {"topic", "tenant"},
	warmstore.CollectionMessages:     {"topic", "msgId", "tenant"},
}

// Store implements warmstore.Store as in-process collections of documents.
type Store struct {
	mu          sync.Mutex
	collections map[string][]warmstore.Doc
}

// New creates an empty in-process warm store.
func New() *Store {
	return &Store{collections: make(map[string][]warmstore.Doc)}
}

func clone(d warmstore.Doc) warmstore.Doc {
	out := make(warmstore.Doc, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

func matches(doc warmstore.Doc, filter warmstore.Doc) bool {
	for k, v := range filter {
		if doc[k] != v {
			return false
		}
	}
	return true
}

// Insert implements warmstore.Store.
func (s *Store) Insert(ctx context.Context, collection string, doc warmstore.Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if keys, ok := uniqueKeys[collection]; ok {
		filter := make(warmstore.Doc, len(keys))
		for _, k := range keys {
			filter[k] = doc[k]
		}
		for _, existing := range s.collections[collection] {
			if matches(existing, filter) {
				return warmstore.ErrAlreadyExists(collection, nil)
			}
		}
	}
	s.collections[collection] = append(s.collections[collection], clone(doc))
	return nil
}

// Upsert implements warmstore.Store.
func (s *Store) Upsert(ctx context.Context, collection string, filter, doc warmstore.Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.collections[collection]
	for i, existing := range rows {
		if matches(existing, filter) {
			merged := clone(existing)
			for k, v := range doc {
				merged[k] = v
			}
			rows[i] = merged
			return nil
		}
	}
	merged := clone(filter)
	for k, v := range doc {
		merged[k] = v
	}
	s.collections[collection] = append(rows, merged)
	return nil
}

// FindOne implements warmstore.Store.
func (s *Store) FindOne(ctx context.Context, collection string, filter warmstore.Doc) (warmstore.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, doc := range s.collections[collection] {
		if matches(doc, filter) {
			return clone(doc), nil
		}
	}
	return nil, nil
}

// Find implements warmstore.Store.
func (s *Store) Find(ctx context.Context, collection string, filter warmstore.Doc) ([]warmstore.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []warmstore.Doc
	for _, doc := range s.collections[collection] {
		if matches(doc, filter) {
			out = append(out, clone(doc))
		}
	}
	return out, nil
}

// DeleteMany implements warmstore.Store.
func (s *Store) DeleteMany(ctx context.Context, collection string, filter warmstore.Doc) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.collections[collection]
	kept := rows[:0]
	var n int64
	for _, doc := range rows {
		if matches(doc, filter) {
			n++
			continue
		}
		kept = append(kept, doc)
	}
	s.collections[collection] = kept
	return n, nil
}

// Close implements warmstore.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections = make(map[string][]warmstore.Doc)
	return nil
}
