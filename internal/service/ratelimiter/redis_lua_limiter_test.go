package ratelimiter

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisLuaLimiter(t *testing.T, cfg BucketConfig) (*RedisLuaLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLuaLimiter(rdb, cfg), mr
}

func TestNewBucketConfigFromPerMinute(t *testing.T) {
	assert.False(t, NewBucketConfigFromPerMinute(0).Enabled())
	cfg := NewBucketConfigFromPerMinute(30)
	assert.True(t, cfg.Enabled())
	assert.Equal(t, int64(30), cfg.Capacity)
	assert.InDelta(t, 0.5, cfg.RefillRate, 1e-9)
}

func TestAllow_NilLimiter_FailOpen(t *testing.T) {
	var limiter *RedisLuaLimiter
	allowed, retryAfter, err := limiter.Allow(context.Background(), "any", 1)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Zero(t, retryAfter)
	assert.Nil(t, NewRedisLuaLimiter(nil, NewBucketConfigFromPerMinute(1)))
}

func TestAllow_DisabledBucket(t *testing.T) {
	limiter, _ := newTestRedisLuaLimiter(t, BucketConfig{})
	for i := 0; i < 5; i++ {
		allowed, _, err := limiter.Allow(context.Background(), "u1", 1)
		require.NoError(t, err)
		assert.True(t, allowed)
	}
}

func TestAllow_WithBucket_RespectsCapacityAndRetryAfter(t *testing.T) {
	ctx := context.Background()
	limiter, mr := newTestRedisLuaLimiter(t, BucketConfig{Capacity: 3, RefillRate: 0.01})

	for i := 0; i < 3; i++ {
		allowed, retryAfter, err := limiter.Allow(ctx, "u1", 1)
		require.NoError(t, err, "call %d", i)
		assert.True(t, allowed, "call %d", i)
		assert.Zero(t, retryAfter)
	}

	allowed, retryAfter, err := limiter.Allow(ctx, "u1", 1)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))

	// Buckets are per key.
	allowed, _, err = limiter.Allow(ctx, "u2", 1)
	require.NoError(t, err)
	assert.True(t, allowed)

	assert.True(t, mr.Exists("rate:u1"))
	assert.Greater(t, mr.TTL("rate:u1"), time.Duration(0))
}

func TestAllow_RedisDown_FailsOpen(t *testing.T) {
	limiter, mr := newTestRedisLuaLimiter(t, NewBucketConfigFromPerMinute(1))
	mr.Close()
	allowed, _, err := limiter.Allow(context.Background(), "u1", 1)
	require.Error(t, err)
	assert.True(t, allowed)
}

func TestLocalLimiter(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLimiter(BucketConfig{Capacity: 2, RefillRate: 0.01})

	for i := 0; i < 2; i++ {
		allowed, _, err := l.Allow(ctx, "u1", 1)
		require.NoError(t, err)
		assert.True(t, allowed)
	}
	allowed, retryAfter, err := l.Allow(ctx, "u1", 1)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))

	allowed, _, _ = l.Allow(ctx, "u2", 1)
	assert.True(t, allowed)

	var disabled *LocalLimiter
	allowed, _, _ = disabled.Allow(ctx, "u1", 1)
	assert.True(t, allowed)
}
