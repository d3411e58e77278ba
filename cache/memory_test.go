package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestMemoryCache(t *testing.T, cfg Config) *MemoryCache {
	t.Helper()
	c := NewMemoryCache(cfg, zap.NewNop())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestMemoryPutGet(t *testing.T) {
	c := newTestMemoryCache(t, Config{DefaultTTL: time.Minute})
	ctx := context.Background()

	c.Put(ctx, "getRun|run-1", []byte(`{"id":"run-1"}`), 0)

	value, ok := c.Get(ctx, "getRun|run-1")
	require.True(t, ok)
	assert.Equal(t, `{"id":"run-1"}`, string(value))

	_, ok = c.Get(ctx, "getRun|run-2")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestMemoryLazyExpiry(t *testing.T) {
	c := newTestMemoryCache(t, Config{SweepInterval: time.Hour})
	ctx := context.Background()

	c.Put(ctx, "k", []byte("v"), 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok, "expired entry must never be served")
	assert.Equal(t, 0, c.Stats().Size, "lazy expiry should drop the entry")
}

func TestMemorySweep(t *testing.T) {
	c := newTestMemoryCache(t, Config{SweepInterval: 20 * time.Millisecond})
	ctx := context.Background()

	c.Put(ctx, "short", []byte("v"), 5*time.Millisecond)
	c.Put(ctx, "long", []byte("v"), time.Minute)

	assert.Eventually(t, func() bool {
		return c.Stats().Size == 1
	}, time.Second, 10*time.Millisecond, "sweep should purge the expired entry")
}

func TestMemoryCapacityEvictsOldestExpiring(t *testing.T) {
	c := newTestMemoryCache(t, Config{Capacity: 2, SweepInterval: time.Hour})
	ctx := context.Background()

	c.Put(ctx, "a", []byte("v"), 10*time.Second)
	c.Put(ctx, "b", []byte("v"), time.Minute)
	c.Put(ctx, "c", []byte("v"), time.Hour)

	_, ok := c.Get(ctx, "a")
	assert.False(t, ok, "oldest-expiring entry should be evicted first")

	_, ok = c.Get(ctx, "b")
	assert.True(t, ok)
	_, ok = c.Get(ctx, "c")
	assert.True(t, ok)
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestMemoryInvalidatePredicate(t *testing.T) {
	c := newTestMemoryCache(t, Config{})
	ctx := context.Background()

	c.Put(ctx, "getRun|run-1", []byte("v"), time.Minute)
	c.Put(ctx, "getLogs|run-1|0|50", []byte("v"), time.Minute)
	c.Put(ctx, "getRun|run-2", []byte("v"), time.Minute)

	removed := c.Invalidate(ctx, func(key string) bool {
		return strings.Contains(key, "run-1")
	})
	assert.Equal(t, 2, removed)

	_, ok := c.Get(ctx, "getRun|run-2")
	assert.True(t, ok, "unrelated entries must survive invalidation")
}

func TestMemoryConcurrentAccess(t *testing.T) {
	c := newTestMemoryCache(t, Config{Capacity: 128})
	ctx := context.Background()

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			key := "k" + strings.Repeat("x", n)
			for j := 0; j < 200; j++ {
				c.Put(ctx, key, []byte("v"), time.Second)
				c.Get(ctx, key)
			}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
