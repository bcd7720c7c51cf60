// Package config loads gateway configuration from the environment and
// from the optional YAML bootstrap file.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all environment-driven settings.
type Config struct {
	// HTTP listener.
	Port int    `env:"BACKEND_PORT" envDefault:"3002"`
	Host string `env:"BACKEND_HOST" envDefault:"0.0.0.0"`

	// Logging.
	LogLevel             string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty            string `env:"LOG_PRETTY" envDefault:"auto"`
	LogResponseMaxLength int    `env:"LOG_RESPONSE_MAX_LENGTH" envDefault:"300"`

	// Auth.
	JWTSecret string `env:"JWT_SECRET"`

	// Storage.
	DatabasePath string `env:"DATABASE_PATH" envDefault:"petamcp.db"`

	// Bootstrap file with server definitions and whitelist seed.
	ServersConfig string `env:"SERVERS_CONFIG"`

	// Per-user requests-per-minute default when the user record carries none.
	RateLimitDefault int `env:"RATE_LIMIT_DEFAULT" envDefault:"120"`

	// Reverse request timeouts, in milliseconds.
	SamplingTimeoutMS    int `env:"REVERSE_REQUEST_TIMEOUT_SAMPLING" envDefault:"60000"`
	ElicitationTimeoutMS int `env:"REVERSE_REQUEST_TIMEOUT_ELICITATION" envDefault:"300000"`
	RootsTimeoutMS       int `env:"REVERSE_REQUEST_TIMEOUT_ROOTS" envDefault:"10000"`

	// Event store bounds.
	EventStoreMaxCacheSize      int  `env:"EVENT_STORE_MAX_CACHE_SIZE" envDefault:"10000"`
	EventStoreMaxStreamEvents   int  `env:"EVENT_STORE_MAX_STREAM_EVENTS" envDefault:"1000"`
	EventStoreRetentionDays     int  `env:"EVENT_STORE_RETENTION_DAYS" envDefault:"7"`
	EventStoreCleanupIntervalHr int  `env:"EVENT_STORE_CLEANUP_INTERVAL_HOURS" envDefault:"24"`
	EventStoreBatchSize         int  `env:"EVENT_STORE_BATCH_SIZE" envDefault:"50"`
	EventStoreCompression       bool `env:"EVENT_STORE_ENABLE_COMPRESSION" envDefault:"false"`
	// Accepted for env compatibility; the durable tier is a single
	// indexed table, so partitioning has no effect.
	EventStorePartitioning bool `env:"EVENT_STORE_ENABLE_PARTITIONING" envDefault:"false"`

	// Idle sessions past this age are closed by the sweeper.
	SessionIdleTimeout time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"60m"`

	// Tracing endpoint (opt-in, disabled when empty).
	OTELEndpoint string `env:"OTEL_ENDPOINT"`

	// gRPC health listener, e.g. ":9090" (disabled when empty).
	GRPCHealthAddr string `env:"GRPC_HEALTH_ADDR"`

	// Public base URL used in well-known metadata documents.
	PublicURL string `env:"PUBLIC_URL" envDefault:"http://localhost:3002"`
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid BACKEND_PORT %d", c.Port)
	}
	if c.EventStoreMaxStreamEvents <= 0 || c.EventStoreMaxCacheSize <= 0 {
		return fmt.Errorf("event store bounds must be positive")
	}
	if c.EventStoreMaxStreamEvents > c.EventStoreMaxCacheSize {
		return fmt.Errorf("per-stream cap %d exceeds cache cap %d", c.EventStoreMaxStreamEvents, c.EventStoreMaxCacheSize)
	}
	if c.RateLimitDefault < 0 {
		return fmt.Errorf("RATE_LIMIT_DEFAULT must not be negative")
	}
	return nil
}

// SamplingTimeout returns the sampling reverse-request deadline.
func (c *Config) SamplingTimeout() time.Duration {
	return time.Duration(c.SamplingTimeoutMS) * time.Millisecond
}

// ElicitationTimeout returns the elicitation reverse-request deadline.
func (c *Config) ElicitationTimeout() time.Duration {
	return time.Duration(c.ElicitationTimeoutMS) * time.Millisecond
}

// RootsTimeout returns the roots/list reverse-request deadline.
func (c *Config) RootsTimeout() time.Duration {
	return time.Duration(c.RootsTimeoutMS) * time.Millisecond
}

// EventStoreTTL returns the durable event retention window.
func (c *Config) EventStoreTTL() time.Duration {
	return time.Duration(c.EventStoreRetentionDays) * 24 * time.Hour
}

// EventStoreCleanupInterval returns the GC cadence.
func (c *Config) EventStoreCleanupInterval() time.Duration {
	return time.Duration(c.EventStoreCleanupIntervalHr) * time.Hour
}

// Addr returns the host:port string for the HTTP listener.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
