package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulecore/internal/constants"
	"rulecore/internal/partition"
	"rulecore/pkg/models"
)

func envelopeFor(device string) models.Envelope {
	return models.NewEnvelopeBuilder().
		WithTenant("t1").
		WithOriginator("DEVICE", device).
		WithType("POST_TELEMETRY_REQUEST").
		Set("temperature", models.LongValue(20)).
		Build()
}

func TestPartitionForIsStableAndInRange(t *testing.T) {
	for _, key := range []string{"dev-1", "dev-2", "", "a-very-long-device-identifier"} {
		p := PartitionFor(key, 7)
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, 7)
		assert.Equal(t, p, PartitionFor(key, 7))
	}
	assert.Equal(t, 0, PartitionFor("x", 1))
}

func TestMemoryBrokerCommitAndRelease(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	key := partition.RuleEngineKey("Main")
	require.NoError(t, b.EnsureQueue(ctx, key, 1))

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Send(ctx, key, envelopeFor("dev-1"), nil))
	}
	require.NoError(t, b.Assign(ctx, key, 0))

	recs, err := b.Poll(ctx, key, 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []int64{0, 1, 2}, []int64{recs[0].Offset, recs[1].Offset, recs[2].Offset})
	assert.Equal(t, "t1", recs[0].Headers[constants.HeaderTenantID])

	require.NoError(t, b.Commit(ctx, recs[0]))
	require.NoError(t, b.Release(ctx, recs[1]))

	again, err := b.Poll(ctx, key, 0, 10)
	require.NoError(t, err)
	require.Len(t, again, 2)
	assert.Equal(t, int64(1), again[0].Offset)

	assert.Equal(t, int64(1), b.Committed(key, 0))
}

func TestMemoryBrokerAssignResumesFromCommitted(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	key := partition.RuleEngineKey("Main")
	require.NoError(t, b.EnsureQueue(ctx, key, 1))
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Send(ctx, key, envelopeFor("dev-1"), nil))
	}

	require.NoError(t, b.Assign(ctx, key, 0))
	recs, err := b.Poll(ctx, key, 0, 4)
	require.NoError(t, err)
	require.NoError(t, b.Commit(ctx, recs[1]))

	// a new owner starts after the last commit, redelivering 2 and 3
	require.NoError(t, b.Assign(ctx, key, 0))
	recs, err = b.Poll(ctx, key, 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(2), recs[0].Offset)
}

func TestDecodeRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	key := partition.RuleEngineKey("Main")
	require.NoError(t, b.EnsureQueue(ctx, key, 4))

	env := envelopeFor("dev-9")
	require.NoError(t, b.Send(ctx, key, env, map[string]string{"x": "y"}))

	p := PartitionFor("dev-9", 4)
	require.NoError(t, b.Assign(ctx, key, p))
	recs, err := b.Poll(ctx, key, p, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "y", recs[0].Headers["x"])

	decoded, err := DecodeRecord(recs[0])
	require.NoError(t, err)
	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, "Main", decoded.QueueName)
	assert.Equal(t, env.Payload, decoded.Payload)
}

func TestMemoryBrokerUnknownQueue(t *testing.T) {
	b := NewMemoryBroker()
	err := b.Send(context.Background(), partition.RuleEngineKey("Nope"), envelopeFor("d"), nil)
	assert.Error(t, err)
}
