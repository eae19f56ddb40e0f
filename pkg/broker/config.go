package broker

import "github.com/chris-alexander-pop/msgbroker/pkg/config"

// Config holds the recognized environment variables that are not specific
// to either hot-store adapter: the producer/consumer defaults every topic
// and subscription falls back to unless overridden.
//
// REDIS_URL and the REDIS_* connection family, and MONGO_URI, are read by
// the hot/warm-store adapter Configs directly (pkg/hotstore/adapters/*,
// pkg/warmstore/adapters/mongodb) rather than here, since they are
// adapter-specific, not broker-specific. CHRONOW_MONGO_ONLY is read here,
// into MongoOnly.
type Config struct {
	KeyPrefix           string `env:"REDIS_KEY_PREFIX" env-default:"cw:"`
	VisibilityTimeoutMs int64  `env:"REDIS_VISIBILITY_TIMEOUT_MS" env-default:"30000"`
	MaxStreamLen        int64  `env:"REDIS_MAX_STREAM_LEN" env-default:"100000"`
	MaxPayloadBytes     int    `env:"REDIS_MAX_PAYLOAD_BYTES" env-default:"262144"`
	MongoOnly           bool   `env:"CHRONOW_MONGO_ONLY" env-default:"false"`

	// Resilience governs the circuit-breaker/retry wrapper New installs
	// around the publish path. A zero value disables both.
	Resilience ResilientProducerConfig
}

// LoadConfig reads Config from the environment (and a .env file, when one
// is present).
func LoadConfig() (Config, error) {
	var cfg Config
	if err := config.Load(&cfg); err != nil {
		return Config{}, ErrConfigInvalid("load environment", err)
	}
	return cfg, nil
}

// DefaultConfig returns the stock defaults without reading the
// environment.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:           "cw:",
		VisibilityTimeoutMs: 30000,
		MaxStreamLen:        100000,
		MaxPayloadBytes:     262144,
		Resilience:          DefaultResilientProducerConfig(),
	}
}
