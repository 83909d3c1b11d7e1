// Package config loads client and relay settings from the environment and
// the feature table from YAML.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

var validate = validator.New()

// Config holds realtime client configuration.
type Config struct {
	Endpoint          string        `env:"REALTIME_ENDPOINT,default=ws://localhost:8080/ws" validate:"required,url"`
	Codec             string        `env:"REALTIME_CODEC,default=json" validate:"oneof=json msgpack"`
	Reconnect         bool          `env:"REALTIME_RECONNECT,default=true"`
	ReconnectAttempts int           `env:"REALTIME_RECONNECT_ATTEMPTS,default=5" validate:"gte=0"`
	ReconnectDelay    time.Duration `env:"REALTIME_RECONNECT_DELAY,default=1s" validate:"gt=0"`
	ReconnectDelayMax time.Duration `env:"REALTIME_RECONNECT_DELAY_MAX,default=5s" validate:"gtefield=ReconnectDelay"`
	ConnectTimeout    time.Duration `env:"REALTIME_CONNECT_TIMEOUT,default=10s" validate:"gt=0"`
	HealthInterval    time.Duration `env:"REALTIME_HEALTH_INTERVAL,default=30s" validate:"gt=0"`
	HealthTimeout     time.Duration `env:"REALTIME_HEALTH_TIMEOUT,default=5s" validate:"gt=0"`
	DedupCapacity     int           `env:"REALTIME_DEDUP_CAPACITY,default=100" validate:"gt=0"`
	DedupEvict        int           `env:"REALTIME_DEDUP_EVICT,default=20" validate:"gt=0,ltefield=DedupCapacity"`
	// FeatureTable is a YAML file replacing the embedded table.
	FeatureTable string `env:"REALTIME_FEATURE_TABLE"`
	LogLevel     string `env:"LOG_LEVEL,default=info" validate:"oneof=trace debug info warn error"`
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *Config {
	return &Config{
		Endpoint:          "ws://localhost:8080/ws",
		Codec:             "json",
		Reconnect:         true,
		ReconnectAttempts: 5,
		ReconnectDelay:    time.Second,
		ReconnectDelayMax: 5 * time.Second,
		ConnectTimeout:    10 * time.Second,
		HealthInterval:    30 * time.Second,
		HealthTimeout:     5 * time.Second,
		DedupCapacity:     100,
		DedupEvict:        20,
		LogLevel:          "info",
	}
}

// Load reads Config from the environment, seeded from dotenv files when
// given. Missing dotenv files are ignored.
func Load(files ...string) (*Config, error) {
	cfg := &Config{}
	if err := load(cfg, files); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cfg against its constraints.
func Validate(cfg any) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func load(cfg any, files []string) error {
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load dotenv: %w", err)
		}
	}
	if _, err := env.UnmarshalFromEnviron(cfg); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	return Validate(cfg)
}
