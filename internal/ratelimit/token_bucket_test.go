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

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	bucket := NewTokenBucket(client, "rl:host", capacity, refill, time.Minute)
	bucket.now = func() time.Time { return now }
	return bucket, &now
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2, 1)

	d, err := bucket.Allow(ctx, "remote.example")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.InDelta(t, 1, d.Remaining, 1e-9)

	d, err = bucket.Allow(ctx, "remote.example")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = bucket.Allow(ctx, "remote.example")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	d, err = bucket.Allow(ctx, "other.example")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "buckets are per key")
}

func TestTokenBucketRefill(t *testing.T) {
	ctx := context.Background()
	bucket, now := newBucket(t, 1, 2)

	d, err := bucket.Allow(ctx, "tenant")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	*now = now.Add(250 * time.Millisecond)
	d, err = bucket.Allow(ctx, "tenant")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.InDelta(t, 0.5, d.Remaining, 1e-9)
	assert.Equal(t, 250*time.Millisecond, d.RetryAfter)

	*now = now.Add(250 * time.Millisecond)
	d, err = bucket.Allow(ctx, "tenant")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "half a second refills one token")
}

func TestUnlimited(t *testing.T) {
	d, err := Unlimited{}.Allow(context.Background(), "anything")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
