package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowCountsWithinWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	l := NewLimiter(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test", "salt")
	cfg := LimitConfig{Rate: 2, Window: time.Minute}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, "k", cfg)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, err := l.Allow(ctx, "k", cfg)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	other, err := l.Allow(ctx, "other", cfg)
	require.NoError(t, err)
	assert.True(t, other.Allowed)

	mr.FastForward(time.Minute)
	d, err = l.Allow(ctx, "k", cfg)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestAllowRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	l := NewLimiter(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test", "")
	mr.Close()

	_, err := l.Allow(context.Background(), "k", LimitConfig{Rate: 1, Window: time.Second})
	assert.ErrorIs(t, err, ErrRedisUnavailable)
}

func TestHashIP(t *testing.T) {
	l := NewLimiter(nil, "test", "salt")
	assert.Equal(t, l.HashIP("10.0.0.1"), l.HashIP("10.0.0.1"))
	assert.NotEqual(t, l.HashIP("10.0.0.1"), l.HashIP("10.0.0.2"))
	assert.Len(t, l.HashIP("10.0.0.1"), 64)
}
