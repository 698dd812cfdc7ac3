package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/wip-weather/wip-gateway/internal/core/ports"
)

// lruEntry pairs a cached value with its own expiry, since golang-lru/v2
// has no TTL concept of its own.
type lruEntry struct {
	value     []byte
	expiresAt time.Time
}

// LRUCache is a size-bounded cache with per-entry TTL, used for the Weather
// Server's coordinate cache (§3.3): capacity bounds memory use, while the
// stamped expiry enforces staleness the LRU eviction alone wouldn't catch.
type LRUCache struct {
	mu     sync.Mutex
	cache  *lru.Cache[string, lruEntry]
	logger *zap.Logger
}

// NewLRUCache creates a capacity-bounded cache. capacity must be positive.
func NewLRUCache(capacity int, logger *zap.Logger) (ports.CacheService, error) {
	c, err := lru.New[string, lruEntry](capacity)
	if err != nil {
		return nil, err
	}
	return &LRUCache{cache: c, logger: logger}, nil
}

// Get retrieves a value, treating an entry past its stamped expiry as a
// miss and evicting it.
func (c *LRUCache) Get(ctx context.Context, key string) ([]byte, error) {
	tracer := otel.Tracer("cache")
	_, span := tracer.Start(ctx, "LRUCache.Get")
	defer span.End()
	span.SetAttributes(attribute.String("cache.key", key))

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, found := c.cache.Get(key)
	if !found {
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ports.ErrCacheMiss
	}
	if time.Now().After(entry.expiresAt) {
		c.cache.Remove(key)
		span.SetAttributes(attribute.Bool("cache.hit", false), attribute.Bool("cache.expired", true))
		c.logger.Debug("lru cache entry expired", zap.String("key", key))
		return nil, ports.ErrCacheMiss
	}

	span.SetAttributes(attribute.Bool("cache.hit", true))
	return entry.value, nil
}

// Set stores a value, stamping its expiry ttl from now. A zero or negative
// ttl makes the entry immediately expired on the next Get.
func (c *LRUCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	tracer := otel.Tracer("cache")
	_, span := tracer.Start(ctx, "LRUCache.Set")
	defer span.End()
	span.SetAttributes(
		attribute.String("cache.key", key),
		attribute.Int("cache.value_size", len(value)),
		attribute.String("cache.ttl", ttl.String()),
	)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(key, lruEntry{value: value, expiresAt: time.Now().Add(ttl)})
	c.logger.Debug("lru cache set", zap.String("key", key))
	return nil
}

// Delete removes a key.
func (c *LRUCache) Delete(ctx context.Context, key string) error {
	tracer := otel.Tracer("cache")
	_, span := tracer.Start(ctx, "LRUCache.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("cache.key", key))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(key)
	return nil
}

// Clear empties the cache.
func (c *LRUCache) Clear(ctx context.Context) error {
	tracer := otel.Tracer("cache")
	_, span := tracer.Start(ctx, "LRUCache.Clear")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
	c.logger.Info("lru cache cleared")
	return nil
}
