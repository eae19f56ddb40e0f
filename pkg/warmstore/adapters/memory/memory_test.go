package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/chris-alexander-pop/msgbroker/pkg/errors"
	"github.com/chris-alexander-pop/msgbroker/pkg/warmstore"
	"github.com/chris-alexander-pop/msgbroker/pkg/warmstore/adapters/memory"
)

func TestInsertEnforcesUniqueIndex(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	doc := warmstore.Doc{"topic": "orders", "tenant": "t1", "shards": 1}
	require.NoError(t, s.Insert(ctx, warmstore.CollectionTopics, doc))

	err := s.Insert(ctx, warmstore.CollectionTopics, doc)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, warmstore.CodeAlreadyExists))
}

func TestUpsertInsertsThenUpdatesInPlace(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	filter := warmstore.Doc{"key": "k1", "namespace": "ns1", "tenant": "t1"}
	require.NoError(t, s.Upsert(ctx, warmstore.CollectionSharedMemory, filter, warmstore.Doc{"value": 1}))

	got, err := s.FindOne(ctx, warmstore.CollectionSharedMemory, filter)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got["value"])

	require.NoError(t, s.Upsert(ctx, warmstore.CollectionSharedMemory, filter, warmstore.Doc{"value": 2}))

	got2, err := s.FindOne(ctx, warmstore.CollectionSharedMemory, filter)
	require.NoError(t, err)
	assert.Equal(t, 2, got2["value"])

	all, err := s.Find(ctx, warmstore.CollectionSharedMemory, filter)
	require.NoError(t, err)
	assert.Len(t, all, 1, "upsert on an existing row must not add a second document")
}

func TestFindOneMissReturnsNilNotError(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	got, err := s.FindOne(ctx, warmstore.CollectionSharedMemory, warmstore.Doc{"key": "missing"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteManyRemovesOnlyMatching(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	require.NoError(t, s.Insert(ctx, warmstore.CollectionMessages, warmstore.Doc{"topic": "orders", "msgId": "1", "tenant": "t1"}))
	require.NoError(t, s.Insert(ctx, warmstore.CollectionMessages, warmstore.Doc{"topic": "orders", "msgId": "2", "tenant": "t1"}))
	require.NoError(t, s.Insert(ctx, warmstore.CollectionMessages, warmstore.Doc{"topic": "shipping", "msgId": "3", "tenant": "t1"}))

	n, err := s.DeleteMany(ctx, warmstore.CollectionMessages, warmstore.Doc{"topic": "orders"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	remaining, err := s.Find(ctx, warmstore.CollectionMessages, warmstore.Doc{"tenant": "t1"})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "shipping", remaining[0]["topic"])
}
