package partition

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulecore/internal/logger"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisDiscoveryMembersExpire(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()

	a := NewRedisDiscovery(client, "node-a", 10*time.Second)
	b := NewRedisDiscovery(client, "node-b", 10*time.Second)
	require.NoError(t, a.Heartbeat(ctx))
	require.NoError(t, b.Heartbeat(ctx))

	got, err := a.Members(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "node-a", got[0].ID)
	assert.Equal(t, "node-b", got[1].ID)

	mr.FastForward(11 * time.Second)
	require.NoError(t, a.Heartbeat(ctx))

	got, err = a.Members(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "node-a", got[0].ID)

	require.NoError(t, a.Leave(ctx))
	got, err = a.Members(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWatcherRecalculatesOnMembershipChange(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()

	svc := NewService("node-a", logger.NopLogger())
	key := RuleEngineKey("Main")
	require.NoError(t, svc.RegisterQueue(key, 8))

	w := NewWatcher(NewRedisDiscovery(client, "node-a", time.Minute), svc, time.Second, logger.NopLogger())
	require.NoError(t, w.Refresh(ctx))
	assert.Len(t, svc.OwnedBy("node-a")[key], 8)

	version := svc.Snapshot().Version()
	require.NoError(t, w.Refresh(ctx))
	assert.Equal(t, version, svc.Snapshot().Version(), "unchanged membership must not republish")

	require.NoError(t, NewRedisDiscovery(client, "node-b", time.Minute).Heartbeat(ctx))
	require.NoError(t, w.Refresh(ctx))
	assert.Equal(t, []string{"node-a", "node-b"}, svc.Snapshot().Members())
	assert.Less(t, len(svc.OwnedBy("node-a")[key]), 8+1)
}

func TestStaticDiscovery(t *testing.T) {
	got, err := NewStaticDiscovery([]string{"x", "y"}).Members(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
