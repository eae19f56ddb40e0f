package broker

import (
	"encoding/json"
	"time"
)

// SubscriptionConfig is the durable, per-subscription configuration the
// Topic Manager persists. Zero or negative numeric fields and an empty
// RetryBackoffMs are replaced with DefaultSubscriptionConfig's fields by
// EnsureSubscription; DeadLetterEnabled is kept exactly as given.
type SubscriptionConfig struct {
	VisibilityTimeoutMs int64   `json:"visibilityTimeoutMs"`
	MaxDeliveries       int     `json:"maxDeliveries"`
	RetryBackoffMs      []int64 `json:"retryBackoffMs"`
	DeadLetterEnabled   bool    `json:"deadLetterEnabled"`
	ShardCount          int     `json:"shardCount"`
	BlockMs             int64   `json:"blockMs"`
	CountPerRead        int64   `json:"countPerRead"`
	CreatedAt           int64   `json:"createdAt"`
}

// DefaultSubscriptionConfig returns the stock subscription defaults:
// visibility timeout 30s, soft-trim 100000 unused here (that's the topic's
// MaxStreamLen, not a subscription field), and a conservative backoff ramp.
func DefaultSubscriptionConfig() SubscriptionConfig {
	return SubscriptionConfig{
		VisibilityTimeoutMs: 30000,
		MaxDeliveries:       5,
		RetryBackoffMs:      []int64{1000, 5000, 15000, 30000},
		DeadLetterEnabled:   true,
		ShardCount:          1,
		BlockMs:             5000,
		CountPerRead:        10,
	}
}

func (c SubscriptionConfig) withDefaults() SubscriptionConfig {
	d := DefaultSubscriptionConfig()
	if c.VisibilityTimeoutMs <= 0 {
		c.VisibilityTimeoutMs = d.VisibilityTimeoutMs
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = d.MaxDeliveries
	}
	if len(c.RetryBackoffMs) == 0 {
		c.RetryBackoffMs = d.RetryBackoffMs
	}
	if c.ShardCount <= 0 {
		c.ShardCount = d.ShardCount
	}
	if c.BlockMs <= 0 {
		c.BlockMs = d.BlockMs
	}
	if c.CountPerRead <= 0 {
		c.CountPerRead = d.CountPerRead
	}
	return c
}

// backoffFor returns backoff[min(attempt, len-1)]: attempts past the end of
// the ramp reuse its last delay.
func (c SubscriptionConfig) backoffFor(attempt int) time.Duration {
	if len(c.RetryBackoffMs) == 0 {
		return 0
	}
	idx := attempt
	if idx >= len(c.RetryBackoffMs) {
		idx = len(c.RetryBackoffMs) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return time.Duration(c.RetryBackoffMs[idx]) * time.Millisecond
}

func marshalSubscriptionConfig(c SubscriptionConfig) (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func unmarshalSubscriptionConfig(raw string) (SubscriptionConfig, error) {
	var c SubscriptionConfig
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return SubscriptionConfig{}, err
	}
	return c, nil
}
