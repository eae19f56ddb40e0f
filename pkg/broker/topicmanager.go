package broker

import (
	"context"
	"time"

	"github.com/chris-alexander-pop/msgbroker/pkg/errors"
	"github.com/chris-alexander-pop/msgbroker/pkg/hotstore"
	"github.com/chris-alexander-pop/msgbroker/pkg/keys"
	"github.com/chris-alexander-pop/msgbroker/pkg/logger"
	"github.com/chris-alexander-pop/msgbroker/pkg/warmstore"
)

// Stats summarizes a topic for inspection.
type Stats struct {
	Topic  string
	Length int64
	Groups int64
}

// TopicManager owns topic/subscription lifecycle and the durable
// subscription configuration hash.
type TopicManager struct {
	hot    hotstore.Store
	warm   warmstore.Store
	namer  keys.Namer
	tenant string
	ns     string
}

// NewTopicManager creates a TopicManager scoped to one (tenant, namespace).
func NewTopicManager(hot hotstore.Store, warm warmstore.Store, namer keys.Namer, tenant, namespace string) *TopicManager {
	return &TopicManager{hot: hot, warm: warm, namer: namer, tenant: tenant, ns: namespace}
}

// EnsureTopic forces creation of the underlying log via a throwaway
// GroupCreate+GroupDestroy pair, the only portable way to materialise an
// empty log across both hot-store backends, then warm-upserts a topic row.
func (tm *TopicManager) EnsureTopic(ctx context.Context, topic string) error {
	logKey := tm.namer.TopicLog(tm.tenant, tm.ns, topic)
	bootstrapGroup := "_bootstrap"
	if err := tm.hot.GroupCreate(ctx, logKey, bootstrapGroup, "0"); err != nil {
		if !errors.Is(err, hotstore.CodeAlreadyExists) {
			return errors.Wrap(err, "ensure topic: group create")
		}
	} else if err := tm.hot.GroupDestroy(ctx, logKey, bootstrapGroup); err != nil {
		return errors.Wrap(err, "ensure topic: group destroy")
	}

	now := time.Now().UnixMilli()
	return tm.warm.Upsert(ctx, warmstore.CollectionTopics,
		warmstore.Doc{"topic": topic, "tenant": tm.tenant},
		warmstore.Doc{
			"topic":  topic,
			"tenant": tm.tenant,
			"_system": warmstore.System{
				CreatedAt: now,
				UpdatedAt: now,
			},
		},
	)
}

// EnsureSubscription ensures the topic exists, creates the consumer group
// for the subscription (swallowing already-exists), and persists the
// effective subscription configuration.
func (tm *TopicManager) EnsureSubscription(ctx context.Context, topic, subscription string, cfg SubscriptionConfig) error {
	if err := tm.EnsureTopic(ctx, topic); err != nil {
		return err
	}
	logKey := tm.namer.TopicLog(tm.tenant, tm.ns, topic)
	group := keys.ConsumerGroup(subscription)
	if err := tm.hot.GroupCreate(ctx, logKey, group, "0"); err != nil {
		if !errors.Is(err, hotstore.CodeAlreadyExists) {
			return errors.Wrap(err, "ensure subscription: group create")
		}
	}

	effective := cfg.withDefaults()
	effective.CreatedAt = time.Now().UnixMilli()
	raw, err := marshalSubscriptionConfig(effective)
	if err != nil {
		return errors.Wrap(err, "marshal subscription config")
	}
	configKey := keys.SubscriptionConfigKey(logKey, subscription)
	if err := tm.hot.HashSet(ctx, configKey, "config", raw); err != nil {
		return errors.Wrap(err, "persist subscription config")
	}
	logger.L().InfoContext(ctx, "subscription ensured", "topic", topic, "subscription", subscription)
	return nil
}

// GetSubscriptionConfig loads and parses the persisted configuration,
// returning ErrSubscriptionNotFound if the subscription was never created.
func (tm *TopicManager) GetSubscriptionConfig(ctx context.Context, topic, subscription string) (SubscriptionConfig, error) {
	logKey := tm.namer.TopicLog(tm.tenant, tm.ns, topic)
	configKey := keys.SubscriptionConfigKey(logKey, subscription)
	raw, err := tm.hot.HashGet(ctx, configKey, "config")
	if err != nil {
		return SubscriptionConfig{}, errors.Wrap(err, "get subscription config")
	}
	if raw == "" {
		return SubscriptionConfig{}, ErrSubscriptionNotFound(subscription, nil)
	}
	cfg, err := unmarshalSubscriptionConfig(raw)
	if err != nil {
		return SubscriptionConfig{}, errors.Wrap(err, "parse subscription config")
	}
	return cfg, nil
}

// DeleteSubscription destroys the consumer group and removes the
// persisted configuration.
func (tm *TopicManager) DeleteSubscription(ctx context.Context, topic, subscription string) error {
	logKey := tm.namer.TopicLog(tm.tenant, tm.ns, topic)
	group := keys.ConsumerGroup(subscription)
	if err := tm.hot.GroupDestroy(ctx, logKey, group); err != nil {
		return errors.Wrap(err, "delete subscription: group destroy")
	}
	configKey := keys.SubscriptionConfigKey(logKey, subscription)
	if _, err := tm.hot.KVDel(ctx, configKey); err != nil {
		return errors.Wrap(err, "delete subscription: config")
	}
	return nil
}

// PurgeTopic deletes the log key and re-ensures an empty topic: stats drop
// to zero and the topic remains usable for subsequent publishes.
func (tm *TopicManager) PurgeTopic(ctx context.Context, topic string) error {
	logKey := tm.namer.TopicLog(tm.tenant, tm.ns, topic)
	if err := tm.hot.LogPurge(ctx, logKey); err != nil {
		return errors.Wrap(err, "purge topic")
	}
	return tm.EnsureTopic(ctx, topic)
}

// GetStats reports the topic's current length and group count.
func (tm *TopicManager) GetStats(ctx context.Context, topic string) (Stats, error) {
	logKey := tm.namer.TopicLog(tm.tenant, tm.ns, topic)
	info, err := tm.hot.LogInfo(ctx, logKey)
	if err != nil {
		return Stats{}, errors.Wrap(err, "get stats")
	}
	return Stats{Topic: topic, Length: info.Length, Groups: info.Groups}, nil
}
