package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	summaryKeyPrefix = "pawnmind:summary:"
	summaryTTL       = 7 * 24 * time.Hour
)

// SharedCache is a second-level summary cache shared across processes. It is
// only consulted from background workers, never from the host loop.
type SharedCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Close() error
}

// summaryCache is the in-process, write-once fingerprint cache.
type summaryCache struct {
	mu    sync.Mutex
	items map[string]string
}

func newSummaryCache() *summaryCache {
	return &summaryCache{items: make(map[string]string)}
}

func (c *summaryCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	return v, ok
}

// put stores value unless key is already cached and reports whether it did.
func (c *summaryCache) put(key, value string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[key]; ok {
		return false
	}
	c.items[key] = value
	return true
}

func (c *summaryCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// RedisCache keeps finished summaries in Redis so restarts and sibling
// processes skip the provider for batches already summarized.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(ctx context.Context, redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse cache url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect cache: %w", err)
	}
	return &RedisCache{client: client, ttl: summaryTTL}, nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, ttl: summaryTTL}
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, summaryKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get summary: %w", err)
	}
	return v, true, nil
}

// Set writes value only if the key is absent, keeping summaries write-once.
func (r *RedisCache) Set(ctx context.Context, key, value string) error {
	if err := r.client.SetNX(ctx, summaryKeyPrefix+key, value, r.ttl).Err(); err != nil {
		return fmt.Errorf("set summary: %w", err)
	}
	return nil
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}
