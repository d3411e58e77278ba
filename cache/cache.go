// Package cache provides the short-TTL response cache consulted by read
// operations against the remote run service. Run status changes quickly,
// so TTLs are measured in seconds; mutating calls invalidate matching
// read keys through Invalidate.
//
// Backends:
//   - Memory: default, single-process
//   - Redis: multi-process deployments sharing one cache
package cache

import (
	"context"
	"time"
)

// Backend selects the cache implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
)

// Config controls cache behavior.
type Config struct {
	// Backend selects the implementation (default: memory)
	Backend Backend `json:"backend" yaml:"backend"`

	// DefaultTTL applies when Put receives a zero ttl (default: 5s)
	DefaultTTL time.Duration `json:"default_ttl" yaml:"default_ttl"`

	// Capacity bounds the number of live entries; the memory backend
	// evicts the oldest-expiring entries when over capacity (default: 1024)
	Capacity int `json:"capacity" yaml:"capacity"`

	// SweepInterval is how often expired entries are purged (default: 30s)
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`

	// Redis holds backend-specific settings, used when Backend is "redis"
	Redis RedisConfig `json:"redis" yaml:"redis"`
}

// RedisConfig contains Redis-specific settings.
type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		Backend:       BackendMemory,
		DefaultTTL:    5 * time.Second,
		Capacity:      1024,
		SweepInterval: 30 * time.Second,
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "agentrun:cache:",
		},
	}
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
}

// ResponseCache stores raw response bodies keyed by request signature.
// An entry is never served past its expiry.
type ResponseCache interface {
	// Get returns the cached value for key, or false on miss or expiry.
	Get(ctx context.Context, key string) ([]byte, bool)

	// Put stores value under key for ttl (DefaultTTL when ttl is zero).
	Put(ctx context.Context, key string, value []byte, ttl time.Duration)

	// Invalidate drops every entry whose key matches the predicate and
	// returns the number of entries removed.
	Invalidate(ctx context.Context, match func(key string) bool) int

	// Stats returns cache activity counters.
	Stats() Stats

	// Close releases background resources.
	Close() error
}
