package internal

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRedisCache(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()

	mr := miniredis.RunT(t)
	rc, err := NewRedisCache(context.Background(), "redis://"+mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })
	return mr, rc
}

func TestRedisCacheRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, rc := testRedisCache(t)

	_, ok := rc.Get(ctx, "nope")
	assert.False(t, ok)

	rc.Set(ctx, "k", []byte("v"), time.Minute)

	v, ttl, ok := rc.GetWithTTL(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)

	v, ok = rc.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}

func TestRedisCacheExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mr, rc := testRedisCache(t)

	rc.Set(ctx, "k", []byte("v"), time.Minute)
	mr.FastForward(time.Minute + time.Second)

	_, ok := rc.Get(ctx, "k")
	assert.False(t, ok)
}

func TestRedisCachePersistedKeyGetsFallbackTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mr, rc := testRedisCache(t)

	// A key something else wrote without an expiry still gets served, just
	// not forever.
	require.NoError(t, mr.Set("k", "v"))

	v, ttl, ok := rc.GetWithTTL(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)
	assert.Equal(t, time.Minute, ttl)
}

func TestRedisCacheExpire(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, rc := testRedisCache(t)

	rc.Set(ctx, "k", []byte("v"), time.Minute)
	require.NoError(t, rc.Expire(ctx, "k"))

	_, ok := rc.Get(ctx, "k")
	assert.False(t, ok)
}

func TestRedisCacheLock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mr, rc := testRedisCache(t)

	assert.True(t, rc.TryLock(ctx, "lock", time.Minute))
	assert.False(t, rc.TryLock(ctx, "lock", time.Minute))

	rc.Unlock(ctx, "lock")
	assert.True(t, rc.TryLock(ctx, "lock", time.Minute))

	// An abandoned lock frees itself once the lease lapses.
	mr.FastForward(2 * time.Minute)
	assert.True(t, rc.TryLock(ctx, "lock", time.Minute))
}

func TestRedisCacheFailsOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mr, rc := testRedisCache(t)
	rc.Set(ctx, "k", []byte("v"), time.Minute)
	mr.Close()

	// Reads miss, writes drop, locks grant. Searches keep working.
	_, ok := rc.Get(ctx, "k")
	assert.False(t, ok)

	_, _, ok = rc.GetWithTTL(ctx, "k")
	assert.False(t, ok)

	rc.Set(ctx, "k2", []byte("v2"), time.Minute)
	assert.True(t, rc.TryLock(ctx, "lock", time.Minute))
	rc.Unlock(ctx, "lock")

	assert.Error(t, rc.Expire(ctx, "k"))
}

func TestNewRedisCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, err := NewRedisCache(ctx, "not a url", "")
	assert.Error(t, err)

	// Unreachable server fails fast instead of at first use.
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err = NewRedisCache(ctx, "redis://"+addr, "")
	assert.Error(t, err)
}

func TestNewRedisCachePassword(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	mr.RequireAuth("hunter2")

	_, err := NewRedisCache(ctx, "redis://"+mr.Addr(), "")
	assert.Error(t, err)

	// An explicit password wins over whatever the URL carries.
	rc, err := NewRedisCache(ctx, "redis://:wrong@"+mr.Addr(), "hunter2")
	require.NoError(t, err)
	defer rc.Close()

	rc.Set(ctx, "k", []byte("v"), time.Minute)
	v, ok := rc.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}
