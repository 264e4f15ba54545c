// Package config loads the hub's runtime configuration from environment
// variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Event source kinds accepted by EVENT_SOURCE.
const (
	EventSourceNATS  = "nats"
	EventSourceLocal = "local"
)

// Config holds every tunable of the wsserver process.
type Config struct {
	ListenAddr     string        `env:"LISTEN_ADDR" envDefault:":8080"`
	WorkerPoolSize int           `env:"WORKER_POOL_SIZE" envDefault:"256"`
	MaxConnections int           `env:"MAX_CONNECTIONS" envDefault:"100000"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`

	// MaxConnectionsPerProject bounds one (user, project) bucket.
	MaxConnectionsPerProject int `env:"MAX_CONNECTIONS_PER_PROJECT" envDefault:"100"`
	// SendTimeout bounds a single channel send inside a broadcast.
	SendTimeout time.Duration `env:"SEND_TIMEOUT" envDefault:"5s"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"10s"`

	NATSURL     string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	RedisAddr   string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	DatabaseURL string `env:"DATABASE_URL"` // empty disables the audit log
	ServerName  string `env:"SERVER_NAME"`
	EventSource string `env:"EVENT_SOURCE" envDefault:"nats"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogEnv   string `env:"LOG_ENV" envDefault:"production"`
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the hub cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.WorkerPoolSize <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_POOL_SIZE must be positive, got %d", c.WorkerPoolSize))
	}
	if c.MaxConnections <= 0 {
		errs = append(errs, fmt.Errorf("MAX_CONNECTIONS must be positive, got %d", c.MaxConnections))
	}
	if c.MaxConnectionsPerProject <= 0 {
		errs = append(errs, fmt.Errorf("MAX_CONNECTIONS_PER_PROJECT must be positive, got %d", c.MaxConnectionsPerProject))
	}
	if c.SendTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SEND_TIMEOUT must be positive, got %s", c.SendTimeout))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("HEARTBEAT_INTERVAL must be positive, got %s", c.HeartbeatInterval))
	}
	switch c.EventSource {
	case EventSourceNATS, EventSourceLocal:
	default:
		errs = append(errs, fmt.Errorf("EVENT_SOURCE must be %q or %q, got %q", EventSourceNATS, EventSourceLocal, c.EventSource))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
