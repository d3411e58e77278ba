package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is the default in-process ResponseCache. Expiry is lazy on
// read plus a periodic sweep; a capacity bound acts as a safety valve,
// evicting the oldest-expiring entries first. Given TTLs of a few
// seconds, no LRU bookkeeping is needed.
type MemoryCache struct {
	config  Config
	logger  *zap.Logger
	entries map[string]memoryEntry
	mu      sync.RWMutex

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	stopSweep chan struct{}
	closeOnce sync.Once
}

// NewMemoryCache creates a MemoryCache and starts its sweep loop.
func NewMemoryCache(config Config, logger *zap.Logger) *MemoryCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = def.DefaultTTL
	}
	if config.Capacity <= 0 {
		config.Capacity = def.Capacity
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = def.SweepInterval
	}

	c := &MemoryCache{
		config:    config,
		logger:    logger.With(zap.String("component", "response_cache")),
		entries:   make(map[string]memoryEntry),
		stopSweep: make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Get returns the cached value for key if present and unexpired.
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	if time.Now().After(entry.expiresAt) {
		// Lazy expiry: drop the stale entry on read.
		c.mu.Lock()
		if cur, still := c.entries[key]; still && cur.expiresAt.Equal(entry.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return entry.value, true
}

// Put stores value under key. A zero ttl uses the configured default.
func (c *MemoryCache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = memoryEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}

	for len(c.entries) > c.config.Capacity {
		c.evictOldestLocked()
	}
}

// evictOldestLocked removes the entry expiring soonest. Callers hold mu.
func (c *MemoryCache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.expiresAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = entry.expiresAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.evictions.Add(1)
	}
}

// Invalidate drops every entry whose key matches the predicate.
func (c *MemoryCache) Invalidate(ctx context.Context, match func(key string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if match(key) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Stats returns cache activity counters.
func (c *MemoryCache) Stats() Stats {
	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()

	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      size,
	}
}

// Close stops the sweep loop.
func (c *MemoryCache) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopSweep)
	})
	return nil
}

// sweepLoop periodically purges expired entries to bound memory between
// reads.
func (c *MemoryCache) sweepLoop() {
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *MemoryCache) sweep() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}

var _ ResponseCache = (*MemoryCache)(nil)
