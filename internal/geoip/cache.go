// internal/geoip/cache.go
package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/valpere/ProxyHarvester/pkg/types"
)

// Cache stores geo lookups keyed by IP. A miss returns ok=false with a
// nil error; errors are reserved for backend failures.
type Cache interface {
	Get(ctx context.Context, ip string) (*types.GeoInfo, bool, error)
	Set(ctx context.Context, ip string, info *types.GeoInfo, ttl time.Duration) error
}

type memoryEntry struct {
	info      *types.GeoInfo
	expiresAt time.Time
}

// MemoryCache is the default in-process TTL cache. Expired entries are
// evicted lazily on read.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache builds an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, ip string) (*types.GeoInfo, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[ip]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, ip)
		c.mu.Unlock()
		return nil, false, nil
	}
	return entry.info, true, nil
}

func (c *MemoryCache) Set(_ context.Context, ip string, info *types.GeoInfo, ttl time.Duration) error {
	c.mu.Lock()
	c.entries[ip] = memoryEntry{info: info, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Len reports the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// RedisCache stores lookups in Redis so multiple processes share them.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an existing client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// NewRedisCacheFromURL connects using a redis:// URL.
func NewRedisCacheFromURL(url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func redisKey(ip string) string { return "geoip:" + ip }

func (c *RedisCache) Get(ctx context.Context, ip string) (*types.GeoInfo, bool, error) {
	payload, err := c.client.Get(ctx, redisKey(ip)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}
	var info types.GeoInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		return nil, false, fmt.Errorf("corrupt geo cache entry for %s: %w", ip, err)
	}
	return &info, true, nil
}

func (c *RedisCache) Set(ctx context.Context, ip string, info *types.GeoInfo, ttl time.Duration) error {
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode geo entry: %w", err)
	}
	if err := c.client.Set(ctx, redisKey(ip), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Ping verifies the Redis connection, used by health checks.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *RedisCache) Close() error { return c.client.Close() }
