// Package mongoemu is the emulated-log hot-store backend: it
// reproduces the hotstore.Store contract over a document database using
// three collections (kv, streams, groups) plus polling in place of native
// blocking reads.
package mongoemu

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/chris-alexander-pop/msgbroker/pkg/config"
	"github.com/chris-alexander-pop/msgbroker/pkg/errors"
	"github.com/chris-alexander-pop/msgbroker/pkg/hotstore"
)

// DefaultDatabase is the hot database name used when none is configured.
const DefaultDatabase = "chronow_hot"

// Config holds the connection options for the emulated backend.
type Config struct {
	URI      string `env:"MONGO_URI"`
	Database string `env:"MONGO_HOT_DATABASE" env-default:"chronow_hot"`
	TLS      bool   `env:"MONGO_TLS" env-default:"false"`
}

// NewFromEnv builds a Store from the MONGO_* environment variables.
func NewFromEnv() (*Store, error) {
	var cfg Config
	if err := config.Load(&cfg); err != nil {
		return nil, errors.Wrap(err, "load mongodb hot-store config")
	}
	return New(cfg)
}

type kvDoc struct {
	Key       string            `bson:"key"`
	Value     []byte            `bson:"value"`
	Type      string            `bson:"type"`
	Fields    map[string]string `bson:"fields,omitempty"`
	Members   []zsetMember      `bson:"members,omitempty"`
	ExpiresAt *time.Time        `bson:"expiresAt,omitempty"`
}

// zsetMember is stored as an array element rather than a map field keyed by
// the member string: a retry entry's serialised JSON routinely contains "."
// (RFC3339 timestamps, decimal payload fields), which BSON's dotted
// update-path syntax would otherwise treat as a field-path separator and
// silently corrupt.
type zsetMember struct {
	Member string  `bson:"member"`
	Score  float64 `bson:"score"`
}

type streamDoc struct {
	Stream    string                      `bson:"stream"`
	ID        string                      `bson:"id"`
	Timestamp int64                       `bson:"timestamp"`
	Sequence  int64                       `bson:"sequence"`
	Fields    map[string]string           `bson:"fields"`
	Pending   map[string]map[string]int64 `bson:"pending,omitempty"` // group -> consumer -> deliveredAtMs
}

type groupDoc struct {
	Stream    string    `bson:"stream"`
	Group     string    `bson:"group"`
	LastID    string    `bson:"lastId"`
	CreatedAt time.Time `bson:"createdAt"`
}

// Store implements hotstore.Store by polling MongoDB collections.
type Store struct {
	client  *mongo.Client
	db      *mongo.Database
	kv      *mongo.Collection
	streams *mongo.Collection
	groups  *mongo.Collection

	seq uint64
	mu  sync.Mutex // guards id synthesis (nowMs-seq)
}

// New connects to MongoDB and ensures the kv, streams, and groups
// collections and their indexes.
func New(cfg Config) (*Store, error) {
	if cfg.URI == "" {
		return nil, errors.New(errors.CodeInvalidArgument, "MONGO_URI is required", nil)
	}
	opts := options.Client().ApplyURI(cfg.URI).SetConnectTimeout(10 * time.Second)
	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to mongodb hot store")
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, errors.Wrap(err, "failed to ping mongodb hot store")
	}

	dbName := cfg.Database
	if dbName == "" {
		dbName = DefaultDatabase
	}
	db := client.Database(dbName)
	s := &Store{
		client:  client,
		db:      db,
		kv:      db.Collection("kv"),
		streams: db.Collection("streams"),
		groups:  db.Collection("groups"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	ttl := int32(0)
	if _, err := s.kv.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(ttl),
	}); err != nil {
		return errors.Wrap(err, "create kv TTL index")
	}
	if _, err := s.kv.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return errors.Wrap(err, "create kv key index")
	}
	if _, err := s.streams.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "stream", Value: 1}, {Key: "id", Value: 1}},
	}); err != nil {
		return errors.Wrap(err, "create streams compound index")
	}
	if _, err := s.groups.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "stream", Value: 1}, {Key: "group", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return errors.Wrap(err, "create groups unique index")
	}
	return nil
}

// KVSet implements hotstore.Store.
func (s *Store) KVSet(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	doc := kvDoc{Key: key, Value: value, Type: "string"}
	if ttl > 0 {
		exp := time.Now().Add(ttl)
		doc.ExpiresAt = &exp
	}
	_, err := s.kv.ReplaceOne(ctx, bson.M{"key": key}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return errors.Wrap(err, "kv set")
	}
	return nil
}

// KVGet implements hotstore.Store.
func (s *Store) KVGet(ctx context.Context, key string) ([]byte, error) {
	var doc kvDoc
	err := s.kv.FindOne(ctx, bson.M{"key": key}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "kv get")
	}
	if doc.ExpiresAt != nil && time.Now().After(*doc.ExpiresAt) {
		return nil, nil
	}
	return doc.Value, nil
}

// KVDel implements hotstore.Store.
func (s *Store) KVDel(ctx context.Context, keys ...string) (int64, error) {
	res, err := s.kv.DeleteMany(ctx, bson.M{"key": bson.M{"$in": keys}})
	if err != nil {
		return 0, errors.Wrap(err, "kv del")
	}
	return res.DeletedCount, nil
}

// KVExists implements hotstore.Store.
func (s *Store) KVExists(ctx context.Context, keys ...string) (int64, error) {
	n, err := s.kv.CountDocuments(ctx, bson.M{
		"key": bson.M{"$in": keys},
		"$or": []bson.M{
			{"expiresAt": bson.M{"$exists": false}},
			{"expiresAt": bson.M{"$gt": time.Now()}},
		},
	})
	if err != nil {
		return 0, errors.Wrap(err, "kv exists")
	}
	return n, nil
}

// KVExpire implements hotstore.Store.
func (s *Store) KVExpire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	res, err := s.kv.UpdateOne(ctx, bson.M{"key": key}, bson.M{"$set": bson.M{"expiresAt": time.Now().Add(ttl)}})
	if err != nil {
		return false, errors.Wrap(err, "kv expire")
	}
	return res.MatchedCount > 0, nil
}

// HashSet implements hotstore.Store.
func (s *Store) HashSet(ctx context.Context, key, field, value string) error {
	_, err := s.kv.UpdateOne(ctx,
		bson.M{"key": key},
		bson.M{"$set": bson.M{"type": "hash", "fields." + field: value}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return errors.Wrap(err, "hash set")
	}
	return nil
}

// HashGet implements hotstore.Store.
func (s *Store) HashGet(ctx context.Context, key, field string) (string, error) {
	var doc kvDoc
	err := s.kv.FindOne(ctx, bson.M{"key": key}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "hash get")
	}
	return doc.Fields[field], nil
}

// nextID synthesises "<nowMs>-<seq>", where seq is a store-wide counter
// that increases on every append and never resets, and returns the raw
// counter alongside it so callers can use it as a tie-breaker sort key for
// entries sharing a millisecond.
func (s *Store) nextID() (string, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UnixMilli()
	seq := atomic.AddUint64(&s.seq, 1)
	return fmt.Sprintf("%d-%d", now, seq), int64(seq)
}

// LogAppend implements hotstore.Store.
func (s *Store) LogAppend(ctx context.Context, log string, entry map[string]string, maxLen int64) (string, error) {
	id, seq := s.nextID()
	now := time.Now().UnixMilli()
	doc := streamDoc{
		Stream:    log,
		ID:        id,
		Timestamp: now,
		Sequence:  seq,
		Fields:    entry,
	}
	if _, err := s.streams.InsertOne(ctx, doc); err != nil {
		return "", errors.Wrap(err, "log append")
	}
	if maxLen > 0 {
		if err := s.softTrim(ctx, log, maxLen); err != nil {
			return "", err
		}
	}
	return id, nil
}

func (s *Store) softTrim(ctx context.Context, log string, maxLen int64) error {
	count, err := s.streams.CountDocuments(ctx, bson.M{"stream": log})
	if err != nil {
		return errors.Wrap(err, "soft trim count")
	}
	if count <= maxLen {
		return nil
	}
	excess := count - maxLen
	cur, err := s.streams.Find(ctx, bson.M{"stream": log},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "sequence", Value: 1}}).SetLimit(excess))
	if err != nil {
		return errors.Wrap(err, "soft trim scan")
	}
	defer cur.Close(ctx)
	var ids []string
	for cur.Next(ctx) {
		var d streamDoc
		if err := cur.Decode(&d); err == nil {
			ids = append(ids, d.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	_, err = s.streams.DeleteMany(ctx, bson.M{"stream": log, "id": bson.M{"$in": ids}})
	if err != nil {
		return errors.Wrap(err, "soft trim delete")
	}
	return nil
}

// GroupCreate implements hotstore.Store.
func (s *Store) GroupCreate(ctx context.Context, log, group, startID string) error {
	_, err := s.groups.InsertOne(ctx, groupDoc{Stream: log, Group: group, LastID: startID, CreatedAt: time.Now()})
	if mongo.IsDuplicateKeyError(err) {
		return hotstore.ErrAlreadyExists(group)
	}
	if err != nil {
		return errors.Wrap(err, "group create")
	}
	return nil
}

// GroupDestroy implements hotstore.Store.
func (s *Store) GroupDestroy(ctx context.Context, log, group string) error {
	if _, err := s.groups.DeleteOne(ctx, bson.M{"stream": log, "group": group}); err != nil {
		return errors.Wrap(err, "group destroy")
	}
	_, err := s.streams.UpdateMany(ctx, bson.M{"stream": log}, bson.M{"$unset": bson.M{"pending." + group: ""}})
	if err != nil {
		return errors.Wrap(err, "group destroy unset pending")
	}
	return nil
}

func (s *Store) readOnce(ctx context.Context, log, group, consumer string, count int64) ([]hotstore.Entry, error) {
	filter := bson.M{
		"stream":           log,
		"pending." + group: bson.M{"$exists": false},
	}
	cur, err := s.streams.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "sequence", Value: 1}}).SetLimit(count))
	if err != nil {
		return nil, errors.Wrap(err, "group read scan")
	}
	defer cur.Close(ctx)

	var out []hotstore.Entry
	now := time.Now().UnixMilli()
	for cur.Next(ctx) {
		var d streamDoc
		if err := cur.Decode(&d); err != nil {
			continue
		}
		res, err := s.streams.UpdateOne(ctx,
			bson.M{"stream": log, "id": d.ID, "pending." + group: bson.M{"$exists": false}},
			bson.M{"$set": bson.M{"pending." + group + "." + fieldSafe(consumer): now}},
		)
		if err != nil || res.ModifiedCount == 0 {
			continue // lost the race to another reader
		}
		out = append(out, hotstore.Entry{ID: d.ID, Fields: d.Fields})
	}
	return out, nil
}

// fieldSafe replaces dots in a consumer name so it can be used as a bson
// field key (MongoDB field names may not contain ".").
func fieldSafe(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '.' {
			out = append(out, '_')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

// GroupRead implements hotstore.Store. Blocking is emulated as one sleep up
// to 1s followed by one retry.
func (s *Store) GroupRead(ctx context.Context, log, group, consumer string, block time.Duration, count int64) ([]hotstore.Entry, error) {
	out, err := s.readOnce(ctx, log, group, consumer, count)
	if err != nil || len(out) > 0 || block <= 0 {
		return out, err
	}
	wait := block
	if wait > time.Second {
		wait = time.Second
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(wait):
	}
	return s.readOnce(ctx, log, group, consumer, count)
}

// GroupAck implements hotstore.Store. Acknowledgement replaces the holder
// map with an empty one rather than unsetting the field: readOnce selects
// on field absence, so a plain $unset would make an acked entry readable
// again. An empty holder map keeps it out of reads, reclaims, and pending
// listings alike.
func (s *Store) GroupAck(ctx context.Context, log, group string, ids ...string) (int64, error) {
	res, err := s.streams.UpdateMany(ctx,
		bson.M{"stream": log, "id": bson.M{"$in": ids}, "pending." + group: bson.M{"$exists": true}},
		bson.M{"$set": bson.M{"pending." + group: bson.M{}}},
	)
	if err != nil {
		return 0, errors.Wrap(err, "group ack")
	}
	return res.ModifiedCount, nil
}

// GroupReclaim implements hotstore.Store.
func (s *Store) GroupReclaim(ctx context.Context, log, group, consumer string, minIdle time.Duration, count int64) ([]hotstore.Entry, error) {
	cur, err := s.streams.Find(ctx, bson.M{"stream": log, "pending." + group: bson.M{"$exists": true, "$ne": bson.M{}}})
	if err != nil {
		return nil, errors.Wrap(err, "group reclaim scan")
	}
	defer cur.Close(ctx)

	now := time.Now().UnixMilli()
	var out []hotstore.Entry
	for cur.Next(ctx) {
		var d streamDoc
		if err := cur.Decode(&d); err != nil {
			continue
		}
		holders := d.Pending[group]
		var oldest int64 = -1
		for _, deliveredAt := range holders {
			if oldest == -1 || deliveredAt < oldest {
				oldest = deliveredAt
			}
		}
		if oldest == -1 || now-oldest < minIdle.Milliseconds() {
			continue
		}
		if _, err := s.streams.UpdateOne(ctx,
			bson.M{"stream": log, "id": d.ID},
			bson.M{"$set": bson.M{"pending." + group: map[string]int64{fieldSafe(consumer): now}}},
		); err != nil {
			continue
		}
		out = append(out, hotstore.Entry{ID: d.ID, Fields: d.Fields})
		if int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

// GroupPending implements hotstore.Store.
func (s *Store) GroupPending(ctx context.Context, log, group string, count int64) ([]hotstore.Pending, error) {
	cur, err := s.streams.Find(ctx, bson.M{"stream": log, "pending." + group: bson.M{"$exists": true, "$ne": bson.M{}}},
		options.Find().SetLimit(count))
	if err != nil {
		return nil, errors.Wrap(err, "group pending scan")
	}
	defer cur.Close(ctx)

	now := time.Now().UnixMilli()
	var out []hotstore.Pending
	for cur.Next(ctx) {
		var d streamDoc
		if err := cur.Decode(&d); err != nil {
			continue
		}
		for holder, deliveredAt := range d.Pending[group] {
			out = append(out, hotstore.Pending{
				ID:     d.ID,
				Holder: holder,
				IdleMs: now - deliveredAt,
			})
		}
	}
	return out, nil
}

// LogLen implements hotstore.Store.
func (s *Store) LogLen(ctx context.Context, log string) (int64, error) {
	n, err := s.streams.CountDocuments(ctx, bson.M{"stream": log})
	if err != nil {
		return 0, errors.Wrap(err, "log len")
	}
	return n, nil
}

// LogRange implements hotstore.Store.
func (s *Store) LogRange(ctx context.Context, log, start, end string, count int64) ([]hotstore.Entry, error) {
	filter := bson.M{"stream": log}
	idFilter := bson.M{}
	if start != "" && start != "-" {
		idFilter["$gte"] = start
	}
	if end != "" && end != "+" {
		idFilter["$lte"] = end
	}
	if len(idFilter) > 0 {
		filter["id"] = idFilter
	}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "sequence", Value: 1}})
	if count > 0 {
		opts.SetLimit(count)
	}
	cur, err := s.streams.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(err, "log range")
	}
	defer cur.Close(ctx)
	var out []hotstore.Entry
	for cur.Next(ctx) {
		var d streamDoc
		if err := cur.Decode(&d); err != nil {
			continue
		}
		out = append(out, hotstore.Entry{ID: d.ID, Fields: d.Fields})
	}
	return out, nil
}

// LogInfo implements hotstore.Store.
func (s *Store) LogInfo(ctx context.Context, log string) (hotstore.LogInfo, error) {
	length, err := s.LogLen(ctx, log)
	if err != nil {
		return hotstore.LogInfo{}, err
	}
	groups, err := s.groups.CountDocuments(ctx, bson.M{"stream": log})
	if err != nil {
		return hotstore.LogInfo{}, errors.Wrap(err, "log info groups")
	}
	return hotstore.LogInfo{Length: length, Groups: groups}, nil
}

// LogPurge implements hotstore.Store.
func (s *Store) LogPurge(ctx context.Context, log string) error {
	if _, err := s.streams.DeleteMany(ctx, bson.M{"stream": log}); err != nil {
		return errors.Wrap(err, "log purge streams")
	}
	if _, err := s.groups.DeleteMany(ctx, bson.M{"stream": log}); err != nil {
		return errors.Wrap(err, "log purge groups")
	}
	return nil
}

// ZSetAdd implements hotstore.Store. A prior entry for the same member is
// pulled before the new one is pushed so repeated ZSetAdd calls update the
// score in place rather than accumulating duplicate array elements.
func (s *Store) ZSetAdd(ctx context.Context, key string, score float64, member string) error {
	if _, err := s.kv.UpdateOne(ctx,
		bson.M{"key": key},
		bson.M{"$pull": bson.M{"members": bson.M{"member": member}}},
	); err != nil && err != mongo.ErrNoDocuments {
		return errors.Wrap(err, "zset add: pull stale member")
	}
	_, err := s.kv.UpdateOne(ctx,
		bson.M{"key": key},
		bson.M{
			"$set":  bson.M{"type": "zset"},
			"$push": bson.M{"members": zsetMember{Member: member, Score: score}},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return errors.Wrap(err, "zset add")
	}
	return nil
}

// ZSetRangeByScore implements hotstore.Store.
func (s *Store) ZSetRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error) {
	var doc kvDoc
	err := s.kv.FindOne(ctx, bson.M{"key": key}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "zset range")
	}
	all := make([]zsetMember, 0, len(doc.Members))
	for _, m := range doc.Members {
		if m.Score >= min && m.Score <= max {
			all = append(all, m)
		}
	}
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if all[j].Score < all[i].Score {
				all[i], all[j] = all[j], all[i]
			}
		}
	}
	if limit > 0 && int64(len(all)) > limit {
		all = all[:limit]
	}
	out := make([]string, len(all))
	for i, e := range all {
		out[i] = e.Member
	}
	return out, nil
}

// ZSetRemove implements hotstore.Store.
func (s *Store) ZSetRemove(ctx context.Context, key string, members ...string) (int64, error) {
	var doc kvDoc
	err := s.kv.FindOne(ctx, bson.M{"key": key}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "zset remove: load")
	}
	want := make(map[string]bool, len(members))
	for _, m := range members {
		want[m] = true
	}
	var n int64
	for _, m := range doc.Members {
		if want[m.Member] {
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	if _, err := s.kv.UpdateOne(ctx,
		bson.M{"key": key},
		bson.M{"$pull": bson.M{"members": bson.M{"member": bson.M{"$in": members}}}},
	); err != nil {
		return 0, errors.Wrap(err, "zset remove")
	}
	return n, nil
}

// ZSetCard implements hotstore.Store.
func (s *Store) ZSetCard(ctx context.Context, key string) (int64, error) {
	var doc kvDoc
	err := s.kv.FindOne(ctx, bson.M{"key": key}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "zset card")
	}
	return int64(len(doc.Members)), nil
}

// Close implements hotstore.Store.
func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}
