package transform

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulecore/internal/engine"
	"rulecore/internal/engine/enginetest"
	"rulecore/internal/logger"
	apperrors "rulecore/pkg/errors"
	"rulecore/pkg/models"
)

func initNode(t *testing.T, ctor engine.Constructor, raw string) engine.Node {
	t.Helper()
	n := ctor()
	require.NoError(t, n.Init(engine.InitContext{TenantID: "t1", NodeID: "tr1", Logger: logger.NopLogger()}, json.RawMessage(raw)))
	return n
}

func single(t *testing.T, ctx *enginetest.Context) models.Envelope {
	t.Helper()
	next := ctx.Of(enginetest.KindNext)
	require.Len(t, next, 1)
	assert.Equal(t, []string{"Success"}, next[0].Labels)
	return next[0].Env
}

func TestRenamePayloadKeys(t *testing.T) {
	n := initNode(t, NewRenameKeys(), `{"mapping":{"temp":"temperature","hum":"humidity"}}`)
	env := models.NewEnvelope("t1", models.EntityID{Type: "DEVICE", ID: "d1"}, "T",
		models.Payload{}.Set("temp", models.DoubleValue(21)).Set("status", models.StringValue("ok")), nil)

	ctx := enginetest.NewContext("t1", "tr1")
	require.NoError(t, n.Process(ctx, env))
	out := single(t, ctx)

	assert.Equal(t, []string{"status", "temperature"}, out.Payload.Keys())
	v, ok := out.Payload.Get("temperature")
	require.True(t, ok)
	assert.Equal(t, 21.0, v.Double)
	assert.Equal(t, env.ID, out.ID)
	assert.Equal(t, env.Ctx+1, out.Ctx)
	_, stillThere := env.Payload.Get("temp")
	assert.True(t, stillThere)
}

func TestRenameMetadataKeys(t *testing.T) {
	n := initNode(t, NewRenameKeys(), `{"mapping":{"sn":"serial"},"from_metadata":true}`)
	env := models.NewEnvelope("t1", models.EntityID{Type: "DEVICE", ID: "d1"}, "T", nil,
		models.Metadata{}.Set("sn", "A-1"))

	ctx := enginetest.NewContext("t1", "tr1")
	require.NoError(t, n.Process(ctx, env))
	out := single(t, ctx)

	assert.Equal(t, "A-1", out.Metadata.Value("serial"))
	_, ok := out.Metadata.Get("sn")
	assert.False(t, ok)
}

func TestRenameConfigValidation(t *testing.T) {
	for _, raw := range []string{`{}`, `{"mapping":{"":"x"}}`, `{"mapping":`} {
		n := NewRenameKeys()()
		assert.Error(t, n.Init(engine.InitContext{}, json.RawMessage(raw)), raw)
	}
}

func document() models.Envelope {
	return models.NewEnvelope("t1", models.EntityID{Type: "DEVICE", ID: "d1"}, "T",
		models.Payload{}.Set("body", models.JSONValue([]byte(`{"sensor":{"temp":21.5,"count":3,"ok":true,"tags":["a","b"],"name":"x"}}`))), nil)
}

func TestJSONPathExtractsTypedValues(t *testing.T) {
	n := initNode(t, NewJSONPath(), `{"source":"body","extract":{
		"temperature":"sensor.temp","count":"sensor.count","ok":"sensor.ok","tags":"sensor.tags","name":"sensor.name","missing":"sensor.nope"}}`)

	ctx := enginetest.NewContext("t1", "tr1")
	require.NoError(t, n.Process(ctx, document()))
	out := single(t, ctx)

	temp, _ := out.Payload.Get("temperature")
	assert.Equal(t, models.DoubleValue(21.5), temp)
	count, _ := out.Payload.Get("count")
	assert.Equal(t, models.LongValue(3), count)
	ok, _ := out.Payload.Get("ok")
	assert.Equal(t, models.BoolValue(true), ok)
	name, _ := out.Payload.Get("name")
	assert.Equal(t, models.StringValue("x"), name)
	tags, _ := out.Payload.Get("tags")
	assert.Equal(t, models.ValueJSON, tags.Type)
	assert.JSONEq(t, `["a","b"]`, string(tags.JSON))
	_, found := out.Payload.Get("missing")
	assert.False(t, found)
}

func TestJSONPathTargetDocument(t *testing.T) {
	n := initNode(t, NewJSONPath(), `{"source":"body","target":"summary","extract":{"t":"sensor.temp","n":"sensor.name"}}`)

	ctx := enginetest.NewContext("t1", "tr1")
	require.NoError(t, n.Process(ctx, document()))
	out := single(t, ctx)

	summary, ok := out.Payload.Get("summary")
	require.True(t, ok)
	assert.JSONEq(t, `{"n":"x","t":21.5}`, string(summary.JSON))
}

func TestJSONPathWholePayload(t *testing.T) {
	n := initNode(t, NewJSONPath(), `{"extract":{"inner":"body.sensor.count"}}`)

	ctx := enginetest.NewContext("t1", "tr1")
	require.NoError(t, n.Process(ctx, document()))
	out := single(t, ctx)

	v, _ := out.Payload.Get("inner")
	assert.Equal(t, models.LongValue(3), v)
}

func TestJSONPathFailures(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "required path missing", raw: `{"source":"body","required":true,"extract":{"x":"sensor.nope"}}`},
		{name: "source missing", raw: `{"source":"other","extract":{"x":"a"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := initNode(t, NewJSONPath(), tt.raw)
			ctx := enginetest.NewContext("t1", "tr1")
			require.NoError(t, n.Process(ctx, document()))

			failures := ctx.Of(enginetest.KindFailure)
			require.Len(t, failures, 1)
			assert.True(t, errors.Is(failures[0].Err, apperrors.ErrValidation))
		})
	}
}
