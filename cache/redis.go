package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisCache is a ResponseCache backed by Redis, for deployments where
// several client processes share one cache. Expiry is delegated to Redis
// TTLs, so no sweep loop or capacity bound is needed here.
type RedisCache struct {
	client *redis.Client
	config Config
	logger *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedisCache creates a RedisCache and verifies connectivity.
func NewRedisCache(config Config, logger *zap.Logger) (*RedisCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = def.DefaultTTL
	}
	if config.Redis.KeyPrefix == "" {
		config.Redis.KeyPrefix = def.Redis.KeyPrefix
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCache{
		client: client,
		config: config,
		logger: logger.With(zap.String("component", "response_cache_redis")),
	}, nil
}

func (c *RedisCache) redisKey(key string) string {
	return c.config.Redis.KeyPrefix + key
}

// Get returns the cached value for key if present and unexpired.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	value, err := c.client.Get(ctx, c.redisKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		}
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return value, true
}

// Put stores value under key. A zero ttl uses the configured default.
func (c *RedisCache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	if err := c.client.Set(ctx, c.redisKey(key), value, ttl).Err(); err != nil {
		c.logger.Warn("cache put failed", zap.String("key", key), zap.Error(err))
	}
}

// Invalidate drops every entry whose key matches the predicate. Keys are
// enumerated with SCAN under the configured prefix.
func (c *RedisCache) Invalidate(ctx context.Context, match func(key string) bool) int {
	prefix := c.config.Redis.KeyPrefix
	iter := c.client.Scan(ctx, 0, prefix+"*", 0).Iterator()

	removed := 0
	for iter.Next(ctx) {
		full := iter.Val()
		key := full[len(prefix):]
		if match(key) {
			if err := c.client.Del(ctx, full).Err(); err != nil {
				c.logger.Warn("cache invalidate failed", zap.String("key", key), zap.Error(err))
				continue
			}
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn("cache scan failed", zap.Error(err))
	}
	return removed
}

// Stats returns cache activity counters. Size is the number of live keys
// under the prefix.
func (c *RedisCache) Stats() Stats {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	size := 0
	iter := c.client.Scan(ctx, 0, c.config.Redis.KeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		size++
	}

	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   size,
	}
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

var _ ResponseCache = (*RedisCache)(nil)

// New creates a ResponseCache for the configured backend.
func New(config Config, logger *zap.Logger) (ResponseCache, error) {
	switch config.Backend {
	case BackendRedis:
		return NewRedisCache(config, logger)
	case BackendMemory, "":
		return NewMemoryCache(config, logger), nil
	default:
		return nil, errors.New("unsupported cache backend: " + string(config.Backend))
	}
}
