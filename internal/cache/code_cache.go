package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// CodeCache holds the latest pairing code per tenant so duplicate starts can replay it.
type CodeCache interface {
	Set(ctx context.Context, tenantID, code string) error
	// Get returns the cached code and whether one was present.
	Get(ctx context.Context, tenantID string) (string, bool, error)
	Delete(ctx context.Context, tenantID string) error
}

type codeEntry struct {
	code    string
	expires time.Time
}

// MemoryCodeCache is a process-local CodeCache with per-entry TTL.
type MemoryCodeCache struct {
	mu      sync.Mutex
	entries map[string]codeEntry
	ttl     time.Duration
	now     func() time.Time
}

var _ CodeCache = (*MemoryCodeCache)(nil)

// NewMemoryCodeCache creates a MemoryCodeCache. A zero ttl keeps codes until deleted.
func NewMemoryCodeCache(ttl time.Duration) *MemoryCodeCache {
	return &MemoryCodeCache{entries: make(map[string]codeEntry), ttl: ttl, now: time.Now}
}

func (c *MemoryCodeCache) Set(_ context.Context, tenantID, code string) error {
	e := codeEntry{code: code}
	if c.ttl > 0 {
		e.expires = c.now().Add(c.ttl)
	}
	c.mu.Lock()
	c.entries[tenantID] = e
	c.mu.Unlock()
	return nil
}

func (c *MemoryCodeCache) Get(_ context.Context, tenantID string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[tenantID]
	if !ok {
		return "", false, nil
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		delete(c.entries, tenantID)
		return "", false, nil
	}
	return e.code, true, nil
}

func (c *MemoryCodeCache) Delete(_ context.Context, tenantID string) error {
	c.mu.Lock()
	delete(c.entries, tenantID)
	c.mu.Unlock()
	return nil
}

// RedisCodeCache shares pairing codes between orchestrator replicas.
type RedisCodeCache struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ CodeCache = (*RedisCodeCache)(nil)

// NewRedisCodeCache creates a RedisCodeCache storing keys as <prefix>:<tenant>.
func NewRedisCodeCache(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisCodeCache {
	if prefix == "" {
		prefix = "wa:pairing-code"
	}
	return &RedisCodeCache{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (c *RedisCodeCache) key(tenantID string) string {
	return c.prefix + ":" + tenantID
}

func (c *RedisCodeCache) Set(ctx context.Context, tenantID, code string) error {
	if err := c.rdb.Set(ctx, c.key(tenantID), code, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache pairing code: %w", err)
	}
	return nil
}

func (c *RedisCodeCache) Get(ctx context.Context, tenantID string) (string, bool, error) {
	code, err := c.rdb.Get(ctx, c.key(tenantID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read pairing code: %w", err)
	}
	return code, true, nil
}

func (c *RedisCodeCache) Delete(ctx context.Context, tenantID string) error {
	if err := c.rdb.Del(ctx, c.key(tenantID)).Err(); err != nil {
		return fmt.Errorf("clear pairing code: %w", err)
	}
	return nil
}
