package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/semantrix/aigateway/internal/observability"
	"go.uber.org/zap"
)

// CacheClient defines the interface for caching operations.
type CacheClient interface {
	// Get retrieves a value from the cache.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value in the cache. A zero ttl uses the configured default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from the cache.
	Delete(ctx context.Context, key string) error

	// Clear removes all values from the cache.
	Clear(ctx context.Context) error

	// Close closes the cache client and releases resources.
	Close() error
}

// CacheConfig holds configuration for the cache.
type CacheConfig struct {
	Type    string        `mapstructure:"type"` // memory or redis
	TTL     time.Duration `mapstructure:"ttl"`
	MaxSize int           `mapstructure:"max_size"`
	Prefix  string        `mapstructure:"prefix"`
}

const (
	defaultTTL     = 10 * time.Second
	defaultMaxSize = 1000
	defaultPrefix  = "aigateway:cache:"
)

func (c *CacheConfig) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.MaxSize <= 0 {
		c.MaxSize = defaultMaxSize
	}
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
}

// New creates the cache selected by config. rdb is required for the redis type.
func New(config CacheConfig, rdb redis.UniversalClient, name string, metrics *observability.Metrics, logger *zap.Logger) (CacheClient, error) {
	switch config.Type {
	case "", "memory":
		return NewMemoryCache(config, name, metrics), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis cache requires a redis client")
		}
		return NewRedisCache(config, rdb, name, metrics, logger), nil
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", config.Type)
	}
}

// GetJSON reads a JSON-encoded value.
func GetJSON[T any](ctx context.Context, c CacheClient, key string) (T, bool, error) {
	var v T
	data, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return v, false, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false, fmt.Errorf("failed to decode cached value: %w", err)
	}
	return v, true, nil
}

// SetJSON stores v JSON-encoded.
func SetJSON(ctx context.Context, c CacheClient, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}
	return c.Set(ctx, key, data, ttl)
}

// MemoryCache implements an in-memory cache client.
type MemoryCache struct {
	config  CacheConfig
	name    string
	metrics *observability.Metrics
	now     func() time.Time

	mu   sync.Mutex
	data map[string]*cacheItem
}

// cacheItem represents a cached item with metadata.
type cacheItem struct {
	Value     []byte
	ExpiresAt time.Time
}

// NewMemoryCache creates a new in-memory cache instance. name labels its metrics.
func NewMemoryCache(config CacheConfig, name string, metrics *observability.Metrics) *MemoryCache {
	config.applyDefaults()
	return &MemoryCache{
		config:  config,
		name:    name,
		metrics: metrics,
		now:     time.Now,
		data:    make(map[string]*cacheItem),
	}
}

// Get retrieves a value from the memory cache.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, exists := c.data[key]
	if exists && c.now().After(item.ExpiresAt) {
		delete(c.data, key)
		exists = false
	}
	if !exists {
		c.metrics.RecordCacheMiss(c.name)
		return nil, false, nil
	}
	c.metrics.RecordCacheHit(c.name)
	return item.Value, true, nil
}

// Set stores a value in the memory cache.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.config.TTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = &cacheItem{Value: value, ExpiresAt: c.now().Add(ttl)}
	if len(c.data) > c.config.MaxSize {
		c.cleanup()
	}
	c.metrics.RecordCacheSize(c.name, len(c.data))
	return nil
}

// Delete removes a value from the memory cache.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	c.metrics.RecordCacheSize(c.name, len(c.data))
	return nil
}

// Clear removes all values from the memory cache.
func (c *MemoryCache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string]*cacheItem)
	c.metrics.RecordCacheSize(c.name, 0)
	return nil
}

// Close closes the memory cache.
func (c *MemoryCache) Close() error {
	return c.Clear(context.Background())
}

// Len returns the number of stored items, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// cleanup removes expired items, then the soonest to expire until the cache
// is within MaxSize. Callers hold c.mu.
func (c *MemoryCache) cleanup() {
	now := c.now()
	for key, item := range c.data {
		if now.After(item.ExpiresAt) {
			delete(c.data, key)
		}
	}
	for len(c.data) > c.config.MaxSize {
		var (
			oldestKey string
			oldest    time.Time
		)
		for key, item := range c.data {
			if oldestKey == "" || item.ExpiresAt.Before(oldest) {
				oldestKey, oldest = key, item.ExpiresAt
			}
		}
		delete(c.data, oldestKey)
	}
}

// RedisCache stores values in Redis under a key prefix so several gateway
// instances share results.
type RedisCache struct {
	config  CacheConfig
	client  redis.UniversalClient
	name    string
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewRedisCache creates a cache on client.
func NewRedisCache(config CacheConfig, client redis.UniversalClient, name string, metrics *observability.Metrics, logger *zap.Logger) *RedisCache {
	config.applyDefaults()
	return &RedisCache{config: config, client: client, name: name, metrics: metrics, logger: logger}
}

func (c *RedisCache) key(key string) string {
	return c.config.Prefix + c.name + ":" + key
}

// Get retrieves a value from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		c.metrics.RecordCacheMiss(c.name)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache: %w", err)
	}
	c.metrics.RecordCacheHit(c.name)
	return data, true, nil
}

// Set stores a value in Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.config.TTL
	}
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}
	return nil
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete cache key: %w", err)
	}
	return nil
}

// Clear removes every key of this cache.
func (c *RedisCache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.key("*"), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cache keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	c.logger.Debug("Cache cleared", zap.String("cache", c.name), zap.Int("keys", len(keys)))
	return nil
}

// Close leaves the shared client open; its owner closes it.
func (c *RedisCache) Close() error {
	return nil
}
