// Package memory is an in-process hotstore.Store used as a fast reference
// backend for unit tests. It is not one of the two production backends
// named by the broker; it exists purely so the rest of the module can be
// exercised without a real Redis or MongoDB instance.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chris-alexander-pop/msgbroker/pkg/hotstore"
)

type kvItem struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

type hashItem struct {
	fields map[string]string
}

type streamEntry struct {
	id        string
	fields    map[string]string
	timestamp int64
	sequence  int64
}

type groupState struct {
	lastID  string
	pending map[string]pendingEntry // id -> holder/deliveredAt
}

type pendingEntry struct {
	holder      string
	deliveredAt time.Time
	deliveries  int64
}

type stream struct {
	entries []streamEntry
	groups  map[string]*groupState
	seq     int64
}

type zset struct {
	scores map[string]float64
}

// Store is an in-process, mutex-guarded implementation of hotstore.Store.
type Store struct {
	mu      sync.Mutex
	kv      map[string]kvItem
	hashes  map[string]*hashItem
	streams map[string]*stream
	zsets   map[string]*zset
}

// New creates an empty in-process store.
func New() *Store {
	return &Store{
		kv:      make(map[string]kvItem),
		hashes:  make(map[string]*hashItem),
		streams: make(map[string]*stream),
		zsets:   make(map[string]*zset),
	}
}

func (s *Store) expired(item kvItem) bool {
	return !item.expiresAt.IsZero() && time.Now().After(item.expiresAt)
}

// KVSet implements hotstore.Store.
func (s *Store) KVSet(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	s.kv[key] = kvItem{value: buf, expiresAt: exp}
	return nil
}

// KVGet implements hotstore.Store.
func (s *Store) KVGet(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.kv[key]
	if !ok || s.expired(item) {
		return nil, nil
	}
	return item.value, nil
}

// KVDel implements hotstore.Store. A real streaming-log store keeps strings,
// hashes, and sorted sets in one shared keyspace, so DEL removes whichever
// shape lives under the key; this in-process store mirrors that by checking
// all three maps instead of only the plain-string one.
func (s *Store) KVDel(ctx context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, k := range keys {
		found := false
		if _, ok := s.kv[k]; ok {
			delete(s.kv, k)
			found = true
		}
		if _, ok := s.hashes[k]; ok {
			delete(s.hashes, k)
			found = true
		}
		if _, ok := s.zsets[k]; ok {
			delete(s.zsets, k)
			found = true
		}
		if found {
			n++
		}
	}
	return n, nil
}

// KVExists implements hotstore.Store.
func (s *Store) KVExists(ctx context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, k := range keys {
		if item, ok := s.kv[k]; ok && !s.expired(item) {
			n++
		}
	}
	return n, nil
}

// KVExpire implements hotstore.Store.
func (s *Store) KVExpire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.kv[key]
	if !ok || s.expired(item) {
		return false, nil
	}
	item.expiresAt = time.Now().Add(ttl)
	s.kv[key] = item
	return true, nil
}

// HashSet implements hotstore.Store.
func (s *Store) HashSet(ctx context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = &hashItem{fields: make(map[string]string)}
		s.hashes[key] = h
	}
	h.fields[field] = value
	return nil
}

// HashGet implements hotstore.Store.
func (s *Store) HashGet(ctx context.Context, key, field string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		return "", nil
	}
	return h.fields[field], nil
}

func (s *Store) getStream(log string, create bool) *stream {
	st, ok := s.streams[log]
	if !ok && create {
		st = &stream{groups: make(map[string]*groupState)}
		s.streams[log] = st
	}
	return st
}

// LogAppend implements hotstore.Store.
func (s *Store) LogAppend(ctx context.Context, log string, entry map[string]string, maxLen int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getStream(log, true)
	now := time.Now().UnixMilli()
	st.seq++
	id := fmt.Sprintf("%d-%d", now, st.seq)
	fields := make(map[string]string, len(entry))
	for k, v := range entry {
		fields[k] = v
	}
	st.entries = append(st.entries, streamEntry{id: id, fields: fields, timestamp: now, sequence: st.seq})
	if maxLen > 0 && int64(len(st.entries)) > maxLen {
		drop := int64(len(st.entries)) - maxLen
		st.entries = st.entries[drop:]
	}
	return id, nil
}

// GroupCreate implements hotstore.Store.
func (s *Store) GroupCreate(ctx context.Context, log, group, startID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getStream(log, true)
	if _, ok := st.groups[group]; ok {
		return hotstore.ErrAlreadyExists(group)
	}
	st.groups[group] = &groupState{lastID: startID, pending: make(map[string]pendingEntry)}
	return nil
}

// GroupDestroy implements hotstore.Store.
func (s *Store) GroupDestroy(ctx context.Context, log, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getStream(log, false)
	if st == nil {
		return nil
	}
	delete(st.groups, group)
	return nil
}

// entryAfter orders ids numerically by (timestamp, sequence); a plain
// string compare would mis-order ids within one millisecond once the
// sequence crosses a digit boundary ("...-9" vs "...-10").
func entryAfter(e streamEntry, lastID string) bool {
	if lastID == "" || lastID == "0" {
		return true
	}
	lastTs, lastSeq, ok := parseID(lastID)
	if !ok {
		return e.id > lastID
	}
	if e.timestamp != lastTs {
		return e.timestamp > lastTs
	}
	return e.sequence > lastSeq
}

func parseID(id string) (ts, seq int64, ok bool) {
	dash := strings.IndexByte(id, '-')
	if dash < 0 {
		return 0, 0, false
	}
	ts, err := strconv.ParseInt(id[:dash], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	seq, err = strconv.ParseInt(id[dash+1:], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return ts, seq, true
}

// GroupRead implements hotstore.Store. block is honored as a single sleep
// (capped at 1s) followed by one retry, matching the emulated-backend
// polling contract so callers behave identically against either adapter.
func (s *Store) GroupRead(ctx context.Context, log, group, consumer string, block time.Duration, count int64) ([]hotstore.Entry, error) {
	read := func() []hotstore.Entry {
		s.mu.Lock()
		defer s.mu.Unlock()
		st := s.getStream(log, false)
		if st == nil {
			return nil
		}
		g, ok := st.groups[group]
		if !ok {
			return nil
		}
		var out []hotstore.Entry
		for _, e := range st.entries {
			if !entryAfter(e, g.lastID) {
				continue
			}
			if _, pending := g.pending[e.id]; pending {
				continue
			}
			g.pending[e.id] = pendingEntry{holder: consumer, deliveredAt: time.Now(), deliveries: 1}
			g.lastID = e.id
			out = append(out, hotstore.Entry{ID: e.id, Fields: cloneFields(e.fields)})
			if int64(len(out)) >= count {
				break
			}
		}
		return out
	}

	out := read()
	if len(out) == 0 && block > 0 {
		wait := block
		if wait > time.Second {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		out = read()
	}
	return out, nil
}

// GroupAck implements hotstore.Store.
func (s *Store) GroupAck(ctx context.Context, log, group string, ids ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getStream(log, false)
	if st == nil {
		return 0, nil
	}
	g, ok := st.groups[group]
	if !ok {
		return 0, nil
	}
	var n int64
	for _, id := range ids {
		if _, ok := g.pending[id]; ok {
			delete(g.pending, id)
			n++
		}
	}
	return n, nil
}

// GroupReclaim implements hotstore.Store.
func (s *Store) GroupReclaim(ctx context.Context, log, group, consumer string, minIdle time.Duration, count int64) ([]hotstore.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getStream(log, false)
	if st == nil {
		return nil, nil
	}
	g, ok := st.groups[group]
	if !ok {
		return nil, nil
	}
	byID := make(map[string]streamEntry, len(st.entries))
	for _, e := range st.entries {
		byID[e.id] = e
	}
	var out []hotstore.Entry
	now := time.Now()
	for id, p := range g.pending {
		if now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		e, ok := byID[id]
		if !ok {
			continue
		}
		p.holder = consumer
		p.deliveredAt = now
		p.deliveries++
		g.pending[id] = p
		out = append(out, hotstore.Entry{ID: id, Fields: cloneFields(e.fields)})
		if int64(len(out)) >= count {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GroupPending implements hotstore.Store.
func (s *Store) GroupPending(ctx context.Context, log, group string, count int64) ([]hotstore.Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getStream(log, false)
	if st == nil {
		return nil, nil
	}
	g, ok := st.groups[group]
	if !ok {
		return nil, nil
	}
	var out []hotstore.Pending
	now := time.Now()
	for id, p := range g.pending {
		out = append(out, hotstore.Pending{
			ID:         id,
			Holder:     p.holder,
			IdleMs:     now.Sub(p.deliveredAt).Milliseconds(),
			Deliveries: p.deliveries,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if int64(len(out)) > count && count > 0 {
		out = out[:count]
	}
	return out, nil
}

// LogLen implements hotstore.Store.
func (s *Store) LogLen(ctx context.Context, log string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getStream(log, false)
	if st == nil {
		return 0, nil
	}
	return int64(len(st.entries)), nil
}

// LogRange implements hotstore.Store.
func (s *Store) LogRange(ctx context.Context, log, start, end string, count int64) ([]hotstore.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getStream(log, false)
	if st == nil {
		return nil, nil
	}
	var out []hotstore.Entry
	for _, e := range st.entries {
		if start != "" && start != "-" && e.id < start {
			continue
		}
		if end != "" && end != "+" && e.id > end {
			continue
		}
		out = append(out, hotstore.Entry{ID: e.id, Fields: cloneFields(e.fields)})
		if int64(len(out)) >= count && count > 0 {
			break
		}
	}
	return out, nil
}

// LogInfo implements hotstore.Store.
func (s *Store) LogInfo(ctx context.Context, log string) (hotstore.LogInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getStream(log, false)
	if st == nil {
		return hotstore.LogInfo{}, nil
	}
	return hotstore.LogInfo{Length: int64(len(st.entries)), Groups: int64(len(st.groups))}, nil
}

func (s *Store) getZSet(key string, create bool) *zset {
	z, ok := s.zsets[key]
	if !ok && create {
		z = &zset{scores: make(map[string]float64)}
		s.zsets[key] = z
	}
	return z
}

// LogPurge implements hotstore.Store.
func (s *Store) LogPurge(ctx context.Context, log string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, log)
	return nil
}

// ZSetAdd implements hotstore.Store.
func (s *Store) ZSetAdd(ctx context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := s.getZSet(key, true)
	z.scores[member] = score
	return nil
}

// ZSetRangeByScore implements hotstore.Store.
func (s *Store) ZSetRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := s.getZSet(key, false)
	if z == nil {
		return nil, nil
	}
	type sm struct {
		member string
		score  float64
	}
	var all []sm
	for m, sc := range z.scores {
		if sc >= min && sc <= max {
			all = append(all, sm{member: m, score: sc})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score == all[j].score {
			return all[i].member < all[j].member
		}
		return all[i].score < all[j].score
	})
	if limit > 0 && int64(len(all)) > limit {
		all = all[:limit]
	}
	out := make([]string, len(all))
	for i, e := range all {
		out[i] = e.member
	}
	return out, nil
}

// ZSetRemove implements hotstore.Store.
func (s *Store) ZSetRemove(ctx context.Context, key string, members ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := s.getZSet(key, false)
	if z == nil {
		return 0, nil
	}
	var n int64
	for _, m := range members {
		if _, ok := z.scores[m]; ok {
			delete(z.scores, m)
			n++
		}
	}
	return n, nil
}

// ZSetCard implements hotstore.Store.
func (s *Store) ZSetCard(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := s.getZSet(key, false)
	if z == nil {
		return 0, nil
	}
	return int64(len(z.scores)), nil
}

// Close implements hotstore.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv = make(map[string]kvItem)
	s.hashes = make(map[string]*hashItem)
	s.streams = make(map[string]*stream)
	s.zsets = make(map[string]*zset)
	return nil
}

func cloneFields(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
