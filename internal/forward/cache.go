package forward

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache remembers destinations that failed to connect, so a single
// forwarding pass does not retry the same down host for every message
// addressed to it. Entries expire on their own (TTL-backed), rather than
// requiring an explicit reset between passes.
type Cache interface {
	// Unreachable reports whether key was marked unreachable and hasn't
	// expired yet.
	Unreachable(ctx context.Context, key string) (bool, error)
	// MarkUnreachable remembers key as unreachable for ttl.
	MarkUnreachable(ctx context.Context, key string, ttl time.Duration) error
}

// memCache is an in-process Cache backed by a mutex-guarded map, used when no
// Redis address is configured. Grounded on the factory-by-name registry
// pattern's guarded-map style, generalized to a guarded expiry map.
type memCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// NewMemCache returns a Cache usable when forwarding runs as a single
// process with no need to share state across hosts.
func NewMemCache() Cache {
	return &memCache{entries: make(map[string]time.Time)}
}

func (c *memCache) Unreachable(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	expiry, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	if time.Now().After(expiry) {
		delete(c.entries, key)
		return false, nil
	}
	return true, nil
}

func (c *memCache) MarkUnreachable(_ context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = time.Now().Add(ttl)
	return nil
}

// redisCache is a Cache backed by Redis, so that multiple relayd processes
// sharing one spool (e.g. several hosts load-balanced in front of a
// common NFS-mounted directory) learn about a down destination from
// whichever process discovers it first, instead of each rediscovering it
// independently on every pass.
type redisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache returns a Cache backed by an existing redis client.
func NewRedisCache(client *redis.Client, prefix string) Cache {
	if prefix == "" {
		prefix = "relay:forward:unreachable:"
	}
	return &redisCache{client: client, prefix: prefix}
}

func (c *redisCache) Unreachable(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, c.prefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *redisCache) MarkUnreachable(ctx context.Context, key string, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+key, "1", ttl).Err()
}
