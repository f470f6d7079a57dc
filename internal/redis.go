package internal

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is the shared L1 for multi-replica deployments. It also backs
// stampede locks, so only one replica fetches a missing key at a time.
//
// Redis being down never fails a search: reads miss, writes are dropped, and
// locks are granted. State changes are logged once, not per operation.
type RedisCache struct {
	rdb      *redis.Client
	degraded atomic.Bool
}

var (
	_ cache[[]byte] = (*RedisCache)(nil)
	_ locker        = (*RedisCache)(nil)
)

// NewRedisCache connects to the URL (redis:// or rediss://). A non-empty
// password overrides the one embedded in the URL.
func NewRedisCache(ctx context.Context, url, password string) (*RedisCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing l1 url: %w", err)
	}
	if password != "" {
		opt.Password = password
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("pinging l1: %w", err)
	}

	return &RedisCache{rdb: rdb}, nil
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	v, _, ok := r.GetWithTTL(ctx, key)
	return v, ok
}

func (r *RedisCache) GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, bool) {
	pipe := r.rdb.Pipeline()
	get := pipe.Get(ctx, key)
	pttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		if errors.Is(err, redis.Nil) {
			r.recovered(ctx)
			return nil, 0, false
		}
		r.note(ctx, "get", err)
		return nil, 0, false
	}
	r.recovered(ctx)

	ttl := pttl.Val()
	if ttl < 0 {
		// Persisted key. We always set expirations so this shouldn't
		// happen, but don't serve it forever if it does.
		ttl = time.Minute
	}
	return []byte(get.Val()), ttl, true
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := r.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		r.note(ctx, "set", err)
		return
	}
	r.recovered(ctx)
}

func (r *RedisCache) Expire(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

// TryLock is SET NX with a lease. Errors grant the lock; an extra upstream
// fetch beats wedging every caller behind a dead Redis.
func (r *RedisCache) TryLock(ctx context.Context, key string, lease time.Duration) bool {
	ok, err := r.rdb.SetNX(ctx, key, "1", lease).Result()
	if err != nil {
		r.note(ctx, "lock", err)
		return true
	}
	r.recovered(ctx)
	return ok
}

func (r *RedisCache) Unlock(ctx context.Context, key string) {
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		r.note(ctx, "unlock", err)
	}
}

func (r *RedisCache) Close() error { return r.rdb.Close() }

func (r *RedisCache) note(ctx context.Context, op string, err error) {
	if r.degraded.CompareAndSwap(false, true) {
		Log(ctx).Warn("l1 cache degraded, continuing without it", "op", op, "err", err)
	}
}

func (r *RedisCache) recovered(ctx context.Context) {
	if r.degraded.CompareAndSwap(true, false) {
		Log(ctx).Info("l1 cache recovered")
	}
}
