package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	rediskeys "github.com/feltledger/submission-gateway/pkgs/redis"
)

// NonceCache remembers signature nonces for the replay window
type NonceCache interface {
	// Seen marks nonce as used and reports whether it had already been used
	Seen(ctx context.Context, nonce string) (bool, error)
}

// MemoryNonceCache is a process-local nonce cache. Entries expire after ttl;
// when more than size nonces are live the oldest are evicted first.
type MemoryNonceCache struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, struct{}]
}

// NewMemoryNonceCache creates a local nonce cache
func NewMemoryNonceCache(size int, ttl time.Duration) *MemoryNonceCache {
	if size <= 0 {
		size = 100000
	}
	return &MemoryNonceCache{
		cache: expirable.NewLRU[string, struct{}](size, nil, ttl),
	}
}

// Seen implements NonceCache
func (c *MemoryNonceCache) Seen(_ context.Context, nonce string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cache.Contains(nonce) {
		return true, nil
	}
	c.cache.Add(nonce, struct{}{})
	return false, nil
}

// NonceClient is the subset of *redis.Client the nonce cache uses
type NonceClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisNonceCache shares the nonce window across gateway replicas
type RedisNonceCache struct {
	client NonceClient
	keys   *rediskeys.KeyBuilder
	ttl    time.Duration
}

// NewRedisNonceCache creates a Redis-backed nonce cache
func NewRedisNonceCache(client NonceClient, keys *rediskeys.KeyBuilder, ttl time.Duration) *RedisNonceCache {
	return &RedisNonceCache{client: client, keys: keys, ttl: ttl}
}

// Seen implements NonceCache with an atomic SETNX
func (c *RedisNonceCache) Seen(ctx context.Context, nonce string) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.keys.Nonce(nonce), time.Now().Unix(), c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SetNX failed: %w", err)
	}
	return !ok, nil
}
