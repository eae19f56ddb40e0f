// Package redisstream is the native-log hot-store backend: a thin
// mapping onto a real streaming-log store whose built-in commands implement
// the hotstore.Store contract directly (XADD/XREADGROUP/XACK/XAUTOCLAIM for
// the log, native TTL/hash commands for KV, ZADD family for the retry set).
package redisstream

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chris-alexander-pop/msgbroker/pkg/config"
	"github.com/chris-alexander-pop/msgbroker/pkg/errors"
	"github.com/chris-alexander-pop/msgbroker/pkg/hotstore"
)

// Config holds the connection options recognised for the native backend
// (REDIS_URL plus the REDIS_* family).
type Config struct {
	URL            string        `env:"REDIS_URL"`
	TLS            bool          `env:"REDIS_TLS" env-default:"false"`
	Username       string        `env:"REDIS_USERNAME"`
	Password       string        `env:"REDIS_PASSWORD"`
	DB             int           `env:"REDIS_DB" env-default:"0"`
	KeyPrefix      string        `env:"REDIS_KEY_PREFIX" env-default:"cw:"`
	RetryMs        int           `env:"REDIS_RETRY_MS" env-default:"100"`
	CACert         string        `env:"REDIS_CA_CERT"`
	ClusterNodes   string        `env:"REDIS_CLUSTER_NODES"`
	ConnectTimeout time.Duration
}

// NewFromEnv builds a Store from the REDIS_* environment variables.
func NewFromEnv() (*Store, error) {
	var cfg Config
	if err := config.Load(&cfg); err != nil {
		return nil, errors.Wrap(err, "load redis hot-store config")
	}
	return New(cfg)
}

// Store implements hotstore.Store over a single go-redis client.
type Store struct {
	client redis.UniversalClient
}

// New dials the configured Redis endpoint and verifies connectivity within
// cfg.ConnectTimeout (10s when unset); past that, initialisation fails.
func New(cfg Config) (*Store, error) {
	if cfg.URL == "" && cfg.ClusterNodes == "" {
		return nil, errors.New(errors.CodeInvalidArgument, "REDIS_URL or REDIS_CLUSTER_NODES is required", nil)
	}

	var tlsCfg *tls.Config
	if cfg.TLS {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.CACert != "" {
			pool := x509.NewCertPool()
			pool.AppendCertsFromPEM([]byte(cfg.CACert))
			tlsCfg.RootCAs = pool
		}
	}

	var client redis.UniversalClient
	if cfg.ClusterNodes != "" {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:     strings.Split(cfg.ClusterNodes, ","),
			Username:  cfg.Username,
			Password:  cfg.Password,
			TLSConfig: tlsCfg,
		})
	} else {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, errors.Wrap(err, "parse REDIS_URL")
		}
		if cfg.Username != "" {
			opts.Username = cfg.Username
		}
		if cfg.Password != "" {
			opts.Password = cfg.Password
		}
		if cfg.DB != 0 {
			opts.DB = cfg.DB
		}
		if tlsCfg != nil {
			opts.TLSConfig = tlsCfg
		}
		client = redis.NewClient(opts)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to redis hot store")
	}

	return &Store{client: client}, nil
}

func translateErr(err error) error {
	if err == nil || err == redis.Nil {
		return nil
	}
	return errors.Wrap(err, "redis hot store error")
}

// KVSet implements hotstore.Store.
func (s *Store) KVSet(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return translateErr(s.client.Set(ctx, key, value, ttl).Err())
}

// KVGet implements hotstore.Store.
func (s *Store) KVGet(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, translateErr(err)
	}
	return val, nil
}

// KVDel implements hotstore.Store.
func (s *Store) KVDel(ctx context.Context, keys ...string) (int64, error) {
	n, err := s.client.Del(ctx, keys...).Result()
	return n, translateErr(err)
}

// KVExists implements hotstore.Store.
func (s *Store) KVExists(ctx context.Context, keys ...string) (int64, error) {
	n, err := s.client.Exists(ctx, keys...).Result()
	return n, translateErr(err)
}

// KVExpire implements hotstore.Store.
func (s *Store) KVExpire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.Expire(ctx, key, ttl).Result()
	return ok, translateErr(err)
}

// HashSet implements hotstore.Store.
func (s *Store) HashSet(ctx context.Context, key, field, value string) error {
	return translateErr(s.client.HSet(ctx, key, field, value).Err())
}

// HashGet implements hotstore.Store.
func (s *Store) HashGet(ctx context.Context, key, field string) (string, error) {
	val, err := s.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, translateErr(err)
}

// LogAppend implements hotstore.Store.
func (s *Store) LogAppend(ctx context.Context, log string, entry map[string]string, maxLen int64) (string, error) {
	values := make(map[string]interface{}, len(entry))
	for k, v := range entry {
		values[k] = v
	}
	args := &redis.XAddArgs{
		Stream: log,
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	}
	id, err := s.client.XAdd(ctx, args).Result()
	return id, translateErr(err)
}

// GroupCreate implements hotstore.Store.
func (s *Store) GroupCreate(ctx context.Context, log, group, startID string) error {
	err := s.client.XGroupCreateMkStream(ctx, log, group, startID).Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return hotstore.ErrAlreadyExists(group)
	}
	return translateErr(err)
}

// GroupDestroy implements hotstore.Store.
func (s *Store) GroupDestroy(ctx context.Context, log, group string) error {
	return translateErr(s.client.XGroupDestroy(ctx, log, group).Err())
}

// GroupRead implements hotstore.Store.
func (s *Store) GroupRead(ctx context.Context, log, group, consumer string, block time.Duration, count int64) ([]hotstore.Entry, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{log, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, translateErr(err)
	}
	var out []hotstore.Entry
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, hotstore.Entry{ID: m.ID, Fields: stringifyValues(m.Values)})
		}
	}
	return out, nil
}

// GroupAck implements hotstore.Store.
func (s *Store) GroupAck(ctx context.Context, log, group string, ids ...string) (int64, error) {
	n, err := s.client.XAck(ctx, log, group, ids...).Result()
	return n, translateErr(err)
}

// GroupReclaim implements hotstore.Store.
func (s *Store) GroupReclaim(ctx context.Context, log, group, consumer string, minIdle time.Duration, count int64) ([]hotstore.Entry, error) {
	msgs, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   log,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, translateErr(err)
	}
	out := make([]hotstore.Entry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, hotstore.Entry{ID: m.ID, Fields: stringifyValues(m.Values)})
	}
	return out, nil
}

// GroupPending implements hotstore.Store.
func (s *Store) GroupPending(ctx context.Context, log, group string, count int64) ([]hotstore.Pending, error) {
	res, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: log,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, translateErr(err)
	}
	out := make([]hotstore.Pending, 0, len(res))
	for _, p := range res {
		out = append(out, hotstore.Pending{
			ID:         p.ID,
			Holder:     p.Consumer,
			IdleMs:     p.Idle.Milliseconds(),
			Deliveries: p.RetryCount,
		})
	}
	return out, nil
}

// LogLen implements hotstore.Store.
func (s *Store) LogLen(ctx context.Context, log string) (int64, error) {
	n, err := s.client.XLen(ctx, log).Result()
	return n, translateErr(err)
}

// LogRange implements hotstore.Store.
func (s *Store) LogRange(ctx context.Context, log, start, end string, count int64) ([]hotstore.Entry, error) {
	if start == "" {
		start = "-"
	}
	if end == "" {
		end = "+"
	}
	msgs, err := s.client.XRangeN(ctx, log, start, end, count).Result()
	if err != nil {
		return nil, translateErr(err)
	}
	out := make([]hotstore.Entry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, hotstore.Entry{ID: m.ID, Fields: stringifyValues(m.Values)})
	}
	return out, nil
}

// LogInfo implements hotstore.Store.
func (s *Store) LogInfo(ctx context.Context, log string) (hotstore.LogInfo, error) {
	info, err := s.client.XInfoStream(ctx, log).Result()
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return hotstore.LogInfo{}, nil
		}
		return hotstore.LogInfo{}, translateErr(err)
	}
	groups, err := s.client.XInfoGroups(ctx, log).Result()
	if err != nil && !strings.Contains(err.Error(), "no such key") {
		return hotstore.LogInfo{}, translateErr(err)
	}
	return hotstore.LogInfo{Length: info.Length, Groups: int64(len(groups))}, nil
}

// LogPurge implements hotstore.Store.
func (s *Store) LogPurge(ctx context.Context, log string) error {
	return translateErr(s.client.Del(ctx, log).Err())
}

// ZSetAdd implements hotstore.Store.
func (s *Store) ZSetAdd(ctx context.Context, key string, score float64, member string) error {
	return translateErr(s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

// ZSetRangeByScore implements hotstore.Store.
func (s *Store) ZSetRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error) {
	opt := &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", min),
		Max: fmt.Sprintf("%f", max),
	}
	if limit > 0 {
		opt.Count = limit
	}
	members, err := s.client.ZRangeByScore(ctx, key, opt).Result()
	return members, translateErr(err)
}

// ZSetRemove implements hotstore.Store.
func (s *Store) ZSetRemove(ctx context.Context, key string, members ...string) (int64, error) {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	n, err := s.client.ZRem(ctx, key, args...).Result()
	return n, translateErr(err)
}

// ZSetCard implements hotstore.Store.
func (s *Store) ZSetCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, key).Result()
	return n, translateErr(err)
}

// Close implements hotstore.Store.
func (s *Store) Close() error {
	return s.client.Close()
}

func stringifyValues(values map[string]interface{}) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if sv, ok := v.(string); ok {
			out[k] = sv
			continue
		}
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}
