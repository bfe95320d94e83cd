package cachestore

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV is the Redis exact-index backend. Redis failures degrade the
// cache, never the request: Get reports a miss, writes log and move on.
type RedisKV struct {
	rdb *redis.Client
	log *slog.Logger
}

// NewRedisKV wraps an existing Redis client. The caller owns the client
// lifecycle.
func NewRedisKV(rdb *redis.Client, log *slog.Logger) *RedisKV {
	if log == nil {
		log = slog.Default()
	}
	return &RedisKV{rdb: rdb, log: log}
}

// Get fetches key. Any Redis error is logged and reported as a miss.
func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := r.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.WarnContext(ctx, "redis_get_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}
	return val, true
}

// SetNX writes key only when absent.
func (r *RedisKV) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Incr increments key, applying ttl on first increment when ttl > 0.
func (r *RedisKV) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 && ttl > 0 {
		// Best-effort: an unexpired counter key without TTL is harmless.
		r.rdb.Expire(ctx, key, ttl)
	}
	return n, nil
}

// Delete removes key.
func (r *RedisKV) Delete(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}
