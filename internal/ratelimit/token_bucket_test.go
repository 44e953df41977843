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

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, "test", capacity, refill, time.Minute), mr
}

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	bucket, mr := newBucket(t, 2, 1)
	clock := time.UnixMilli(1_700_000_000_000)
	bucket.now = func() time.Time { return clock }

	allowed, left, err := bucket.Allow(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, float64(1), left)

	allowed, _, err = bucket.Allow(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _, err = bucket.Allow(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, allowed, "third write within the same instant is throttled")

	// Tenants have separate buckets.
	allowed, _, err = bucket.Allow(ctx, "globex")
	require.NoError(t, err)
	assert.True(t, allowed)

	assert.True(t, mr.Exists("test:rl:acme"))
}

func TestTokenBucketRefills(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 1, 2)
	clock := time.UnixMilli(1_700_000_000_000)
	bucket.now = func() time.Time { return clock }

	allowed, _, err := bucket.Allow(ctx, "acme")
	require.NoError(t, err)
	require.True(t, allowed)
	allowed, _, _ = bucket.Allow(ctx, "acme")
	require.False(t, allowed)

	// Two tokens per second: half a second buys one more write.
	clock = clock.Add(500 * time.Millisecond)
	allowed, _, err = bucket.Allow(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestTokenBucketRedisDown(t *testing.T) {
	bucket, mr := newBucket(t, 1, 1)
	mr.Close()
	_, _, err := bucket.Allow(context.Background(), "acme")
	assert.Error(t, err)
}
