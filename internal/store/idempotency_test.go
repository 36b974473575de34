package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisIdempotencyClaimsOnce(t *testing.T) {
	mr, client := newRedis(t)
	repo := NewRedisIdempotency(client)
	ctx := context.Background()
	key := DeliveryKey("msg-1", "mqtt-out")

	first, err := repo.Claim(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := repo.Claim(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, second)

	n, err := repo.Count(ctx, "delivered:")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	mr.FastForward(2 * time.Minute)
	again, err := repo.Claim(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, again)
}

func TestRedisIdempotencyForget(t *testing.T) {
	_, client := newRedis(t)
	repo := NewRedisIdempotency(client)
	ctx := context.Background()

	ok, err := repo.Claim(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, repo.Forget(ctx, "k"))

	ok, err = repo.Claim(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryIdempotencyExpiry(t *testing.T) {
	repo := NewMemoryIdempotency()
	now := time.Now()
	repo.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := repo.Claim(ctx, "k", time.Second)
	assert.True(t, ok)
	ok, _ = repo.Claim(ctx, "k", time.Second)
	assert.False(t, ok)

	now = now.Add(2 * time.Second)
	ok, _ = repo.Claim(ctx, "k", time.Second)
	assert.True(t, ok)
}
