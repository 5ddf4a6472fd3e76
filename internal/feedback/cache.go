package feedback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores rendered audio by key.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, audio []byte) error
}

// CacheKey identifies one rendering of text.
func CacheKey(voice, format, text string) string {
	return voice + "/" + format + "/" + text
}

// MemoryCache is a bounded in-process cache. When full, the oldest entry is
// evicted.
type MemoryCache struct {
	mu      sync.Mutex
	limit   int
	entries map[string][]byte
	order   []string
}

// NewMemoryCache returns a cache holding at most limit entries. A limit of
// zero or less means unbounded.
func NewMemoryCache(limit int) *MemoryCache {
	return &MemoryCache{
		limit:   limit,
		entries: make(map[string][]byte),
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	audio, ok := c.entries[key]
	return audio, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, audio []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		c.order = append(c.order, key)
	}
	c.entries[key] = audio
	for c.limit > 0 && len(c.order) > c.limit {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	return nil
}

// Len returns the number of cached renderings.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RedisCache shares rendered audio between commander instances.
type RedisCache struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisCache stores entries under prefix with the given expiry. A zero ttl
// keeps entries forever.
func NewRedisCache(client redis.Cmdable, prefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	audio, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return audio, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, audio []byte) error {
	if err := c.client.Set(ctx, c.prefix+key, audio, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
