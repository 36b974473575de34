package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulecore/internal/logger"
	"rulecore/internal/partition"
	"rulecore/internal/queue"
	apperrors "rulecore/pkg/errors"
	"rulecore/pkg/models"
	"rulecore/pkg/retry"
)

func telemetry(tenant, device string) models.Envelope {
	return models.NewEnvelopeBuilder().
		WithTenant(tenant).
		WithOriginator("DEVICE", device).
		WithType("POST_TELEMETRY_REQUEST").
		Set("temperature", models.DoubleValue(20)).
		Build()
}

func setup(t *testing.T, members ...string) (*Ingestor, *partition.Service, *queue.MemoryBroker) {
	t.Helper()
	svc := partition.NewService("node-1", logger.NopLogger())
	var ms []partition.Member
	for _, m := range members {
		ms = append(ms, partition.Member{ID: m})
	}
	svc.Recalculate(ms)

	broker := queue.NewMemoryBroker()
	key := partition.RuleEngineKey("Main")
	require.NoError(t, broker.EnsureQueue(context.Background(), key, 4))
	require.NoError(t, svc.RegisterQueue(key, 4))

	policy := retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	return New(broker, svc, policy, "", logger.NopLogger()), svc, broker
}

func TestSubmitRoutesByOriginator(t *testing.T) {
	ing, _, broker := setup(t, "node-1")
	key := partition.RuleEngineKey("Main")

	for i := 0; i < 3; i++ {
		got, err := ing.Submit(context.Background(), telemetry("t1", "dev-7"))
		require.NoError(t, err)
		assert.Equal(t, key, got)
	}
	assert.Equal(t, 3, broker.Len(key, queue.PartitionFor("dev-7", 4)))
}

func TestSubmitIsolatedTenantNeedsOwnQueue(t *testing.T) {
	ing, svc, _ := setup(t, "node-1")
	svc.SetIsolatedTenants([]string{"t9"})

	_, err := ing.Submit(context.Background(), telemetry("t9", "dev-1"))
	assert.True(t, apperrors.IsNotFound(err))
}

func TestSubmitWithoutOwnerIsUnavailable(t *testing.T) {
	ing, _, broker := setup(t)

	_, err := ing.Submit(context.Background(), telemetry("t1", "dev-1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrUnavailable))
	assert.Equal(t, 0, broker.Len(partition.RuleEngineKey("Main"), queue.PartitionFor("dev-1", 4)))
}

func TestSubmitRejectsInvalidEnvelope(t *testing.T) {
	ing, _, _ := setup(t, "node-1")
	env := telemetry("t1", "dev-1")
	env.Type = ""

	_, err := ing.Submit(context.Background(), env)
	assert.True(t, apperrors.IsValidation(err))
}
