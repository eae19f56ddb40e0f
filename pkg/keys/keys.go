// Package keys composes the deterministic, collision-free hot-store key
// layout the broker uses for every namespace it owns.
//
// Every key has the shape <prefix><tenant>:<namespace>:<kind>:<name>, with
// kind drawn from a fixed, small set so that two different components can
// never collide under the same tenant/namespace pair.
package keys

import "strings"

// Kind identifies which logical store a key belongs to.
type Kind string

const (
	KindSharedMemory Kind = "sm"
	KindTopic        Kind = "topic"
	KindSub          Kind = "sub"
	KindRetry        Kind = "retry"
	KindDLQ          Kind = "dlq"
)

// Namer composes keys under a fixed prefix.
type Namer struct {
	Prefix string
}

// NewNamer creates a Namer with the given key prefix (e.g. "cw:").
func NewNamer(prefix string) Namer {
	return Namer{Prefix: prefix}
}

// Key composes <prefix><tenant>:<namespace>:<kind>:<name>.
func (n Namer) Key(tenant, namespace string, kind Kind, name string) string {
	var b strings.Builder
	b.WriteString(n.Prefix)
	b.WriteString(tenant)
	b.WriteByte(':')
	b.WriteString(namespace)
	b.WriteByte(':')
	b.WriteString(string(kind))
	b.WriteByte(':')
	b.WriteString(name)
	return b.String()
}

// TopicLog returns the log key for a topic.
func (n Namer) TopicLog(tenant, namespace, topic string) string {
	return n.Key(tenant, namespace, KindTopic, topic)
}

// RetryKey returns the sorted-set key holding retry entries for a subscription.
func (n Namer) RetryKey(tenant, namespace, topic, subscription string) string {
	return n.Key(tenant, namespace, KindRetry, topic+":"+subscription)
}

// DLQKey returns the dead-letter log key for a topic.
func (n Namer) DLQKey(tenant, namespace, topic string) string {
	return n.Key(tenant, namespace, KindDLQ, topic)
}

// SharedMemoryKey returns the KV key for a shared-memory value.
func (n Namer) SharedMemoryKey(tenant, namespace, name string) string {
	return n.Key(tenant, namespace, KindSharedMemory, name)
}

// ConsumerGroup returns the hot-store consumer-group name for a subscription.
func ConsumerGroup(subscription string) string {
	return "sub:" + subscription
}

// SubscriptionConfigKey returns the hash key holding a subscription's
// persisted configuration, derived from its topic's log key.
func SubscriptionConfigKey(topicLogKey, subscription string) string {
	return topicLogKey + ":sub:" + subscription + ":config"
}
