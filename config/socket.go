package config

import "time"

// RelayConfig holds relay server configuration.
type RelayConfig struct {
	Addr            string        `env:"RELAY_ADDR,default=:8080" validate:"required"`
	Path            string        `env:"RELAY_PATH,default=/ws" validate:"required,startswith=/"`
	MaxConnections  int           `env:"RELAY_MAX_CONNECTIONS,default=1000" validate:"gte=0"`
	PingInterval    time.Duration `env:"RELAY_PING_INTERVAL,default=30s"`
	WriteTimeout    time.Duration `env:"RELAY_WRITE_TIMEOUT,default=10s" validate:"gt=0"`
	ReadBufferSize  int           `env:"RELAY_READ_BUFFER_SIZE,default=1024" validate:"gt=0"`
	WriteBufferSize int           `env:"RELAY_WRITE_BUFFER_SIZE,default=1024" validate:"gt=0"`
	// AdminRoles are the role handshake values auto-joined to admin_room.
	AdminRoles []string `env:"RELAY_ADMIN_ROLES,default=admin|superadmin" validate:"dive,required"`
	Redis      bool     `env:"RELAY_REDIS_BRIDGE,default=false"`
	LogLevel   string   `env:"LOG_LEVEL,default=info" validate:"oneof=trace debug info warn error"`
}

// DefaultRelayConfig returns the default relay configuration.
func DefaultRelayConfig() *RelayConfig {
	return &RelayConfig{
		Addr:            ":8080",
		Path:            "/ws",
		MaxConnections:  1000,
		PingInterval:    30 * time.Second,
		WriteTimeout:    10 * time.Second,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		AdminRoles:      []string{"admin", "superadmin"},
		LogLevel:        "info",
	}
}

// LoadRelay reads RelayConfig from the environment, seeded from dotenv
// files when given.
func LoadRelay(files ...string) (*RelayConfig, error) {
	cfg := &RelayConfig{}
	if err := load(cfg, files); err != nil {
		return nil, err
	}
	return cfg, nil
}
