package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// JSON stores JSON-encoded values in Redis under a namespace. Keys are
// expected to embed whatever version makes them immutable, so entries are
// only ever expired, never invalidated.
type JSON struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
}

// NewJSON constructs a JSON cache. A nil client yields a cache that always
// misses.
func NewJSON(client *redis.Client, namespace string, ttl time.Duration) *JSON {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &JSON{client: client, namespace: namespace, ttl: ttl}
}

func (c *JSON) key(key string) string {
	if c.namespace == "" {
		return key
	}
	return c.namespace + ":" + key
}

// Get decodes the cached value into dest and reports whether it was found.
func (c *JSON) Get(ctx context.Context, key string, dest any) (bool, error) {
	if c == nil || c.client == nil {
		return false, nil
	}
	payload, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("platform/cache: get %s: %w", key, err)
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return false, fmt.Errorf("platform/cache: decode %s: %w", key, err)
	}
	return true, nil
}

// Set encodes value and stores it with the cache TTL.
func (c *JSON) Set(ctx context.Context, key string, value any) error {
	if c == nil || c.client == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("platform/cache: encode %s: %w", key, err)
	}
	if err := c.client.Set(ctx, c.key(key), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("platform/cache: set %s: %w", key, err)
	}
	return nil
}
