package sharedmemory_test

import (
	"testing"
	"time"

	hotmem "github.com/chris-alexander-pop/msgbroker/pkg/hotstore/adapters/memory"
	"github.com/chris-alexander-pop/msgbroker/pkg/keys"
	"github.com/chris-alexander-pop/msgbroker/pkg/sharedmemory"
	"github.com/chris-alexander-pop/msgbroker/pkg/test"
	warmmem "github.com/chris-alexander-pop/msgbroker/pkg/warmstore/adapters/memory"
)

type SharedMemorySuite struct {
	test.Suite
	engine *sharedmemory.Engine
}

func (s *SharedMemorySuite) SetupTest() {
	s.Suite.SetupTest()
	s.engine = sharedmemory.New(hotmem.New(), warmmem.New(), keys.NewNamer("cw:"))
}

func TestSharedMemorySuite(t *testing.T) {
	test.Run(t, new(SharedMemorySuite))
}

func (s *SharedMemorySuite) TestSetGetRoundtrip() {
	s.Require().NoError(s.engine.Set(s.Ctx, "feature-flags", map[string]bool{"beta": true}, sharedmemory.SetOptions{HotTTL: time.Minute}))

	val, err := s.engine.Get(s.Ctx, "feature-flags", sharedmemory.GetOptions{})
	s.Require().NoError(err)
	s.Equal(map[string]interface{}{"beta": true}, val)
}

// A hot-tier expiry falls through to the warm mirror when the write was
// persisted with Warm.Persist set.
func (s *SharedMemorySuite) TestWarmFallbackOnHotExpiry() {
	opts := sharedmemory.SetOptions{
		HotTTL: time.Millisecond,
		Warm:   sharedmemory.WarmOptions{Persist: true, UpsertStrategy: sharedmemory.StrategyLatest},
	}
	s.Require().NoError(s.engine.Set(s.Ctx, "config", "v1", opts))

	time.Sleep(20 * time.Millisecond)

	val, err := s.engine.Get(s.Ctx, "config", sharedmemory.GetOptions{})
	s.Require().NoError(err)
	s.Equal("v1", val)
}

// Without warm persistence, a hot-tier expiry is a real miss.
func (s *SharedMemorySuite) TestNoWarmFallbackWithoutPersist() {
	s.Require().NoError(s.engine.Set(s.Ctx, "ephemeral", "v1", sharedmemory.SetOptions{HotTTL: time.Millisecond}))
	time.Sleep(20 * time.Millisecond)

	val, err := s.engine.Get(s.Ctx, "ephemeral", sharedmemory.GetOptions{})
	s.Require().NoError(err)
	s.Nil(val)
}

// Del with Tombstone leaves the warm row visible as deleted rather than
// resurrecting a stale warm-tier fallback read.
func (s *SharedMemorySuite) TestDelTombstoneSuppressesWarmFallback() {
	opts := sharedmemory.SetOptions{
		HotTTL: time.Minute,
		Warm:   sharedmemory.WarmOptions{Persist: true, UpsertStrategy: sharedmemory.StrategyLatest},
	}
	s.Require().NoError(s.engine.Set(s.Ctx, "session", "active", opts))
	s.Require().NoError(s.engine.Del(s.Ctx, "session", sharedmemory.DelOptions{Tombstone: true}))

	val, err := s.engine.Get(s.Ctx, "session", sharedmemory.GetOptions{})
	s.Require().NoError(err)
	s.Nil(val, "a tombstoned warm row must read back as a miss")
}

// Exists reflects only hot-tier presence.
func (s *SharedMemorySuite) TestExists() {
	ok, err := s.engine.Exists(s.Ctx, "missing", sharedmemory.GetOptions{})
	s.Require().NoError(err)
	s.False(ok)

	s.Require().NoError(s.engine.Set(s.Ctx, "present", "v", sharedmemory.SetOptions{HotTTL: time.Minute}))
	ok, err = s.engine.Exists(s.Ctx, "present", sharedmemory.GetOptions{})
	s.Require().NoError(err)
	s.True(ok)
}

// A value larger than MaxValueBytes is rejected before it ever reaches the
// hot tier.
func (s *SharedMemorySuite) TestSetRejectsOversizedValue() {
	opts := sharedmemory.SetOptions{HotTTL: time.Minute, MaxValueBytes: 4}
	err := s.engine.Set(s.Ctx, "too-big", map[string]string{"k": "a value clearly over four bytes"}, opts)
	s.Require().Error(err)
}

// StrategyAppend keeps prior warm rows instead of overwriting them.
func (s *SharedMemorySuite) TestAppendStrategyKeepsHistory() {
	opts := sharedmemory.SetOptions{
		HotTTL: time.Millisecond,
		Warm:   sharedmemory.WarmOptions{Persist: true, UpsertStrategy: sharedmemory.StrategyAppend},
	}
	s.Require().NoError(s.engine.Set(s.Ctx, "audit", "v1", opts))
	s.Require().NoError(s.engine.Set(s.Ctx, "audit", "v2", opts))

	time.Sleep(20 * time.Millisecond)
	val, err := s.engine.Get(s.Ctx, "audit", sharedmemory.GetOptions{})
	s.Require().NoError(err)
	s.NotNil(val, "at least one appended row must be findable on hot-tier miss")
}
