package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

var errNotInitialized = errors.New("Redis client is not initialized")

// Cache is a thin key-value wrapper over Redis with per-key expiry.
type Cache struct {
	client *redis.Client
}

// NewCache creates a new Cache instance, ensuring that the client is not nil.
func NewCache(client *redis.Client) (*Cache, error) {
	if client == nil {
		return nil, errNotInitialized
	}
	return &Cache{client: client}, nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if c.client == nil {
		return errNotInitialized
	}
	return c.client.Del(ctx, key).Err()
}

func (c *Cache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if c.client == nil {
		return errNotInitialized
	}
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get returns "" with a nil error when the key does not exist.
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	if c.client == nil {
		return "", errNotInitialized
	}
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (c *Cache) DeleteBatch(ctx context.Context, keys ...string) error {
	if c.client == nil {
		return errNotInitialized
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
