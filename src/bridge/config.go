package bridge

import "github.com/Netflix/go-env"

// RedisConfig holds connection settings for the Redis pub/sub bridge.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR,default=localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB,default=0"`
	Prefix   string `env:"REDIS_WS_PREFIX,default=realtime:ws:"`
}

// DefaultRedisConfig returns a RedisConfig with sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:   "localhost:6379",
		Prefix: "realtime:ws:",
	}
}

// RedisConfigFromEnv loads Redis configuration from environment variables,
// falling back to defaults for any missing values.
func RedisConfigFromEnv() (*RedisConfig, error) {
	cfg := &RedisConfig{}
	if _, err := env.UnmarshalFromEnviron(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
