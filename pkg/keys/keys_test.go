package keys_test

import (
	"testing"

	"github.com/chris-alexander-pop/msgbroker/pkg/keys"
)

// Two distinct (tenant, namespace) pairs never compose to the same key for
// the same kind/name, and two distinct kinds never collide under the same
// tenant/namespace.
func TestKeyNoCollisionAcrossTenantsAndKinds(t *testing.T) {
	n := keys.NewNamer("cw:")

	seen := map[string]bool{}
	add := func(k string) {
		if seen[k] {
			t.Fatalf("key collision: %q", k)
		}
		seen[k] = true
	}

	add(n.Key("t1", "ns1", keys.KindTopic, "orders"))
	add(n.Key("t2", "ns1", keys.KindTopic, "orders"))
	add(n.Key("t1", "ns2", keys.KindTopic, "orders"))
	add(n.Key("t1", "ns1", keys.KindSub, "orders"))
	add(n.Key("t1", "ns1", keys.KindRetry, "orders"))
	add(n.Key("t1", "ns1", keys.KindDLQ, "orders"))
	add(n.Key("t1", "ns1", keys.KindSharedMemory, "orders"))
}

func TestKeyLayout(t *testing.T) {
	n := keys.NewNamer("cw:")
	got := n.Key("t1", "ns1", keys.KindTopic, "orders")
	want := "cw:t1:ns1:topic:orders"
	if got != want {
		t.Fatalf("Key() = %q, want %q", got, want)
	}
}

func TestTopicLogRetryAndDLQKeys(t *testing.T) {
	n := keys.NewNamer("cw:")

	if got, want := n.TopicLog("t1", "ns1", "orders"), "cw:t1:ns1:topic:orders"; got != want {
		t.Fatalf("TopicLog() = %q, want %q", got, want)
	}
	if got, want := n.RetryKey("t1", "ns1", "orders", "fraud"), "cw:t1:ns1:retry:orders:fraud"; got != want {
		t.Fatalf("RetryKey() = %q, want %q", got, want)
	}
	if got, want := n.DLQKey("t1", "ns1", "orders"), "cw:t1:ns1:dlq:orders"; got != want {
		t.Fatalf("DLQKey() = %q, want %q", got, want)
	}
}

func TestConsumerGroupAndSubscriptionConfigKey(t *testing.T) {
	if got, want := keys.ConsumerGroup("billing"), "sub:billing"; got != want {
		t.Fatalf("ConsumerGroup() = %q, want %q", got, want)
	}

	topicKey := "cw:t1:ns1:topic:orders"
	if got, want := keys.SubscriptionConfigKey(topicKey, "billing"), "cw:t1:ns1:topic:orders:sub:billing:config"; got != want {
		t.Fatalf("SubscriptionConfigKey() = %q, want %q", got, want)
	}
}
