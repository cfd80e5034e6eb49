package oauth

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLock implements SingleFlightLock with Redis `SET key val NX PX ttl`.
type RedisLock struct {
	rdb *redis.Client
}

// NewRedisLock builds a RedisLock over an existing client.
func NewRedisLock(rdb *redis.Client) *RedisLock {
	return &RedisLock{rdb: rdb}
}

// TryAcquire attempts SET NX PX; on any Redis error it degrades to "not
// acquired" rather than blocking the refresh — a duplicate refresh is
// tolerated by design.
func (l *RedisLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}

// Release deletes the lock key. Errors are not fatal — the TTL will expire
// it regardless.
func (l *RedisLock) Release(ctx context.Context, key string) error {
	return l.rdb.Del(ctx, key).Err()
}
