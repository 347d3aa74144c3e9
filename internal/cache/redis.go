package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hostedid/mfacore/internal/database"
)

// Redis is a Cache backed by Redis; keys are namespaced with a prefix
type Redis struct {
	rdb    *database.Redis
	prefix string
}

// NewRedis creates a Redis-backed Cache
func NewRedis(rdb *database.Redis, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix}
}

func (c *Redis) key(k string) string {
	return c.prefix + k
}

func (c *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.GetString(ctx, c.key(key))
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	return v, err
}

func (c *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.SetWithTTL(ctx, c.key(key), value, ttl)
}

func (c *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.rdb.SetIfAbsent(ctx, c.key(key), value, ttl)
}

func (c *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = c.key(k)
	}
	return c.rdb.Delete(ctx, prefixed...)
}

func (c *Redis) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return c.rdb.IncrWithTTL(ctx, c.key(key), ttl)
}

func (c *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.rdb.RemainingTTL(ctx, c.key(key))
	if err != nil {
		return 0, err
	}
	// -2: key does not exist, -1: key has no expiry
	if ttl == -2 || ttl == -2*time.Second {
		return 0, ErrMiss
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

var _ Cache = (*Redis)(nil)
