package ratelimiter_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/factline/internal/service/ratelimiter"
)

func newTestLimiter(t *testing.T, buckets map[string]ratelimiter.BucketConfig) *ratelimiter.RedisLuaLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return ratelimiter.NewRedisLuaLimiter(rdb, buckets)
}

func TestAllowSpendsAndDenies(t *testing.T) {
	l := newTestLimiter(t, map[string]ratelimiter.BucketConfig{
		"search:brave": {Capacity: 2, RefillRate: 0.1},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := l.Allow(ctx, "search:brave", 1)
		require.NoError(t, err)
		assert.True(t, allowed, "call %d should fit the budget", i+1)
	}

	allowed, retryAfter, err := l.Allow(ctx, "search:brave", 1)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestAllowRefillsOverTime(t *testing.T) {
	// 100 tokens/s so a short real sleep refills the bucket.
	l := newTestLimiter(t, map[string]ratelimiter.BucketConfig{
		"search:brave": {Capacity: 1, RefillRate: 100},
	})
	ctx := context.Background()

	allowed, _, err := l.Allow(ctx, "search:brave", 1)
	require.NoError(t, err)
	require.True(t, allowed)

	time.Sleep(50 * time.Millisecond)
	allowed, _, err = l.Allow(ctx, "search:brave", 1)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestAllowUnconfiguredBucketPasses(t *testing.T) {
	l := newTestLimiter(t, nil)
	allowed, _, err := l.Allow(context.Background(), "unknown", 1)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestNilLimiterAllowsAll(t *testing.T) {
	var l *ratelimiter.RedisLuaLimiter
	allowed, _, err := l.Allow(context.Background(), "search:brave", 1)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestSetBucketConfigTakesEffect(t *testing.T) {
	l := newTestLimiter(t, nil)
	ctx := context.Background()

	// Unconfigured bucket passes everything.
	allowed, _, err := l.Allow(ctx, "search:brave", 10)
	require.NoError(t, err)
	require.True(t, allowed)

	l.SetBucketConfig("search:brave", ratelimiter.NewBucketConfigFromPerMinute(60))
	allowed, _, err = l.Allow(ctx, "search:brave", 61)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestNewBucketConfigFromPerMinute(t *testing.T) {
	cfg := ratelimiter.NewBucketConfigFromPerMinute(120)
	assert.Equal(t, int64(120), cfg.Capacity)
	assert.InDelta(t, 2.0, cfg.RefillRate, 1e-9)
	assert.Zero(t, ratelimiter.NewBucketConfigFromPerMinute(0))
}
