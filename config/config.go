// Package config provides the unified configuration surface: defaults,
// YAML file loading, and environment variable overrides.
//
// Precedence: defaults -> YAML file -> environment variables.
package config

import (
	"time"

	"github.com/BaSui01/agentrun/cache"
	"github.com/BaSui01/agentrun/client"
	"github.com/BaSui01/agentrun/ratelimit"
	"github.com/BaSui01/agentrun/retry"
	"github.com/BaSui01/agentrun/store"
	"github.com/BaSui01/agentrun/stream"
	"github.com/BaSui01/agentrun/waiter"
)

// Config is the complete configuration tree.
type Config struct {
	// Client configures the remote service connection
	Client client.Config `yaml:"client" env:"CLIENT"`

	// RateLimit configures the outbound token bucket
	RateLimit ratelimit.Config `yaml:"rate_limit" env:"RATE_LIMIT"`

	// Retry configures the retry policy
	Retry RetryConfig `yaml:"retry" env:"RETRY"`

	// Cache configures the response cache
	Cache cache.Config `yaml:"cache" env:"CACHE"`

	// Store configures run state persistence
	Store store.Config `yaml:"store" env:"STORE"`

	// Waiter configures completion polling
	Waiter waiter.Config `yaml:"waiter" env:"WAITER"`

	// Stream configures log streaming
	Stream stream.Config `yaml:"stream" env:"STREAM"`

	// Server configures the service binary
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Log configures logging
	Log LogConfig `yaml:"log" env:"LOG"`
}

// RetryConfig mirrors retry.Policy with yaml tags; the policy itself
// carries a callback that has no configuration representation.
type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries" env:"MAX_RETRIES"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	Multiplier   float64       `yaml:"multiplier" env:"MULTIPLIER"`
	Jitter       bool          `yaml:"jitter" env:"JITTER"`
}

// Policy converts the configuration into a retry policy.
func (r RetryConfig) Policy() *retry.Policy {
	return &retry.Policy{
		MaxRetries:   r.MaxRetries,
		InitialDelay: r.InitialDelay,
		MaxDelay:     r.MaxDelay,
		Multiplier:   r.Multiplier,
		Jitter:       r.Jitter,
	}
}

// ServerConfig configures the agentrun service binary.
type ServerConfig struct {
	// Addr is the listen address for /healthz and /metrics
	Addr string `yaml:"addr" env:"ADDR"`

	// ReadTimeout and WriteTimeout bound request handling
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`

	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`

	// Format is json or console
	Format string `yaml:"format" env:"FORMAT"`
}

// Default returns the full default configuration.
func Default() *Config {
	def := retry.DefaultPolicy()
	return &Config{
		Client:    client.DefaultConfig(),
		RateLimit: ratelimit.DefaultConfig(),
		Retry: RetryConfig{
			MaxRetries:   def.MaxRetries,
			InitialDelay: def.InitialDelay,
			MaxDelay:     def.MaxDelay,
			Multiplier:   def.Multiplier,
			Jitter:       def.Jitter,
		},
		Cache:  cache.DefaultConfig(),
		Store:  store.DefaultConfig(),
		Waiter: waiter.DefaultConfig(),
		Stream: stream.DefaultConfig(),
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
