package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Client on top of a Redis connection.
type Redis struct{ rdb *redis.Client }

// NewRedis constructs a Redis-backed cache client.
func NewRedis(rdb *redis.Client) *Redis { return &Redis{rdb: rdb} }

// Get returns the cached value and whether the key was present.
func (r *Redis) Get(ctx context.Context, key string) (int64, bool, error) {
	v, err := r.rdb.Get(ctx, key).Int64()
	switch {
	case err == nil:
		return v, true, nil
	case errors.Is(err, redis.Nil):
		return 0, false, nil
	default:
		return 0, false, err
	}
}

// Set stores a value that expires after ttl.
func (r *Redis) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

// Delete removes a key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}
