package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, capacity, refill, time.Minute)
	clock := time.Unix(1_700_000_000, 0)
	bucket.now = func() time.Time { return clock }
	return bucket, mr, &clock
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, mr, _ := newBucket(t, 2, 1)

	d, err := bucket.Allow(ctx, "U1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.InDelta(t, 1.0, d.Remaining, 0.001)

	d, _ = bucket.Allow(ctx, "U1")
	assert.True(t, d.Allowed)

	d, _ = bucket.Allow(ctx, "U1")
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	assert.True(t, mr.Exists("rl:U1"))
}

func TestTokenBucketRefillsWithClock(t *testing.T) {
	ctx := context.Background()
	bucket, _, clock := newBucket(t, 1, 0.5)

	d, _ := bucket.Allow(ctx, "U1")
	require.True(t, d.Allowed)
	d, _ = bucket.Allow(ctx, "U1")
	require.False(t, d.Allowed)

	*clock = clock.Add(time.Second)
	d, _ = bucket.Allow(ctx, "U1")
	assert.False(t, d.Allowed, "half a token is not enough")

	*clock = clock.Add(time.Second)
	d, _ = bucket.Allow(ctx, "U1")
	assert.True(t, d.Allowed)
}

func TestTokenBucketIsolatesUsers(t *testing.T) {
	ctx := context.Background()
	bucket, _, _ := newBucket(t, 1, 0)

	d, _ := bucket.Allow(ctx, "U1")
	assert.True(t, d.Allowed)
	d, _ = bucket.Allow(ctx, "U1")
	assert.False(t, d.Allowed)
	assert.Zero(t, d.RetryAfter)

	d, _ = bucket.Allow(ctx, "U2")
	assert.True(t, d.Allowed)
}
