package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chris-alexander-pop/msgbroker/pkg/hotstore/adapters/memory"
)

func TestKVSetGetDelExpire(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	require.NoError(t, s.KVSet(ctx, "k1", []byte("v1"), 0))
	got, err := s.KVGet(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	n, err := s.KVExists(ctx, "k1", "missing")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	require.NoError(t, s.KVSet(ctx, "k1", []byte("v1"), 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	got, err = s.KVGet(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, got, "value must be gone once its TTL elapses")

	require.NoError(t, s.KVSet(ctx, "k2", []byte("v2"), 0))
	deleted, err := s.KVDel(ctx, "k2", "never-existed")
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
}

func TestHashSetGet(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	require.NoError(t, s.HashSet(ctx, "h1", "field", "value"))
	got, err := s.HashGet(ctx, "h1", "field")
	require.NoError(t, err)
	assert.Equal(t, "value", got)

	miss, err := s.HashGet(ctx, "h1", "other")
	require.NoError(t, err)
	assert.Equal(t, "", miss)
}

func TestGroupReadAckIsOnceOnly(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	require.NoError(t, s.GroupCreate(ctx, "orders", "sub:billing", "0"))
	err := s.GroupCreate(ctx, "orders", "sub:billing", "0")
	require.Error(t, err, "creating the same group twice must fail")

	id, err := s.LogAppend(ctx, "orders", map[string]string{"payload": "a"}, 0)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	entries, err := s.GroupRead(ctx, "orders", "sub:billing", "c1", 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)

	// A second read with no new entries returns nothing: the entry is
	// pending, not redelivered to a fresh read.
	again, err := s.GroupRead(ctx, "orders", "sub:billing", "c2", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	n, err := s.GroupAck(ctx, "orders", "sub:billing", id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// Acking twice removes nothing the second time.
	n2, err := s.GroupAck(ctx, "orders", "sub:billing", id)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n2)
}

func TestGroupReclaimAfterVisibilityTimeout(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	require.NoError(t, s.GroupCreate(ctx, "orders", "sub:billing", "0"))
	id, err := s.LogAppend(ctx, "orders", map[string]string{"payload": "a"}, 0)
	require.NoError(t, err)

	_, err = s.GroupRead(ctx, "orders", "sub:billing", "consumer-1", 0, 10)
	require.NoError(t, err)

	immediate, err := s.GroupReclaim(ctx, "orders", "sub:billing", "consumer-2", 50*time.Millisecond, 10)
	require.NoError(t, err)
	assert.Empty(t, immediate, "entry is not idle yet")

	time.Sleep(60 * time.Millisecond)

	reclaimed, err := s.GroupReclaim(ctx, "orders", "sub:billing", "consumer-2", 50*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, id, reclaimed[0].ID)
}

func TestZSetRangeByScoreOrderedAndBounded(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	require.NoError(t, s.ZSetAdd(ctx, "retry", 300, "c"))
	require.NoError(t, s.ZSetAdd(ctx, "retry", 100, "a"))
	require.NoError(t, s.ZSetAdd(ctx, "retry", 200, "b"))

	members, err := s.ZSetRangeByScore(ctx, "retry", 0, 250, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, members, "results must be ascending by score and respect the max bound")

	card, err := s.ZSetCard(ctx, "retry")
	require.NoError(t, err)
	assert.EqualValues(t, 3, card)

	removed, err := s.ZSetRemove(ctx, "retry", "a")
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	card2, err := s.ZSetCard(ctx, "retry")
	require.NoError(t, err)
	assert.EqualValues(t, 2, card2)
}

func TestLogPurgeClearsEntriesAndGroups(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	require.NoError(t, s.GroupCreate(ctx, "orders", "sub:billing", "0"))
	_, err := s.LogAppend(ctx, "orders", map[string]string{"payload": "a"}, 0)
	require.NoError(t, err)

	require.NoError(t, s.LogPurge(ctx, "orders"))

	info, err := s.LogInfo(ctx, "orders")
	require.NoError(t, err)
	assert.EqualValues(t, 0, info.Length)
	assert.EqualValues(t, 0, info.Groups)

	// The log is usable again afterward.
	require.NoError(t, s.GroupCreate(ctx, "orders", "sub:billing", "0"))
	id, err := s.LogAppend(ctx, "orders", map[string]string{"payload": "b"}, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}
