package action

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"rulecore/internal/engine"
	"rulecore/internal/engine/enginetest"
	"rulecore/internal/logger"
	"rulecore/pkg/logging"
	"rulecore/pkg/models"
)

func observed(level zapcore.Level) (logger.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return &logger.SugaredLogger{SugaredLogger: zap.New(core).Sugar()}, logs
}

func TestLogNodeWritesEntryAndPassesOn(t *testing.T) {
	log, logs := observed(zapcore.DebugLevel)
	n := NewLog()()
	require.NoError(t, n.Init(engine.InitContext{NodeID: "log-1", Logger: log},
		json.RawMessage(`{"message":"temperature seen","level":"warn","payload":true}`)))

	ctx := enginetest.NewContext("t1", "log-1")
	ctx.Ctx = logging.WithTenantID(context.Background(), "t1")
	env := models.NewEnvelope("t1", models.EntityID{Type: "DEVICE", ID: "d1"}, "POST_TELEMETRY_REQUEST",
		models.Payload{}.Set("temperature", models.LongValue(30)), nil)

	require.NoError(t, n.Process(ctx, env))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "temperature seen", entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "t1", fields["tenant_id"])
	assert.Equal(t, "DEVICE:d1", fields["originator"])
	assert.Contains(t, fields, "payload")

	next := ctx.Of(enginetest.KindNext)
	require.Len(t, next, 1)
	assert.Equal(t, env.ID, next[0].Env.ID)
	assert.Equal(t, env.Ctx, next[0].Env.Ctx)
}

func TestLogNodeDefaults(t *testing.T) {
	log, logs := observed(zapcore.InfoLevel)
	n := NewLog()()
	require.NoError(t, n.Init(engine.InitContext{Logger: log}, nil))

	require.NoError(t, n.Process(enginetest.NewContext("t1", "log-1"), models.NewEnvelope("t1", models.EntityID{Type: "DEVICE", ID: "d1"}, "X", nil, nil)))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, zapcore.InfoLevel, logs.All()[0].Level)
	assert.NotContains(t, logs.All()[0].ContextMap(), "payload")
}

func TestLogNodeRejectsUnknownLevel(t *testing.T) {
	n := NewLog()()
	assert.Error(t, n.Init(engine.InitContext{Logger: logger.NopLogger()}, json.RawMessage(`{"level":"loud"}`)))
}
