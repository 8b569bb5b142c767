package mpesa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenCache stores OAuth bearer tokens between calls.
type TokenCache interface {
	Get(ctx context.Context, key string) (token string, ok bool, err error)
	Set(ctx context.Context, key, token string, ttl time.Duration) error
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// MemoryTokenCache is a process-local TokenCache.
type MemoryTokenCache struct {
	mu     sync.Mutex
	now    func() time.Time
	tokens map[string]cachedToken
}

// NewMemoryTokenCache creates an empty MemoryTokenCache. now may be nil.
func NewMemoryTokenCache(now func() time.Time) *MemoryTokenCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryTokenCache{now: now, tokens: make(map[string]cachedToken)}
}

func (c *MemoryTokenCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tokens[key]
	if !ok || !c.now().Before(t.expiresAt) {
		delete(c.tokens, key)
		return "", false, nil
	}
	return t.token, true, nil
}

func (c *MemoryTokenCache) Set(_ context.Context, key, token string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[key] = cachedToken{token: token, expiresAt: c.now().Add(ttl)}
	return nil
}

// RedisTokenCache shares tokens across instances through Redis, so every
// replica does not fetch its own.
type RedisTokenCache struct {
	client redis.Cmdable
	prefix string
}

// NewRedisTokenCache creates a RedisTokenCache. Keys are prefixed with
// prefix.
func NewRedisTokenCache(client redis.Cmdable, prefix string) *RedisTokenCache {
	return &RedisTokenCache{client: client, prefix: prefix}
}

func (c *RedisTokenCache) Get(ctx context.Context, key string) (string, bool, error) {
	token, err := c.client.Get(ctx, c.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("[mpesa] failed to read token from redis: %w", err)
	}
	return token, true, nil
}

func (c *RedisTokenCache) Set(ctx context.Context, key, token string, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.prefix+key, token, ttl).Err(); err != nil {
		return fmt.Errorf("[mpesa] failed to store token in redis: %w", err)
	}
	return nil
}
