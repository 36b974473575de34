package external

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulecore/internal/config"
	"rulecore/internal/engine"
	"rulecore/internal/engine/enginetest"
	"rulecore/internal/logger"
	"rulecore/internal/store"
	"rulecore/pkg/circuitbreaker"
	apperrors "rulecore/pkg/errors"
	"rulecore/pkg/models"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	sent  []Delivery
	err   error
	calls int
}

func (f *fakeDispatcher) Transport() string { return "fake" }
func (f *fakeDispatcher) Close() error      { return nil }

func (f *fakeDispatcher) Dispatch(_ context.Context, d Delivery) (Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return Outcome{}, f.err
	}
	f.sent = append(f.sent, d)
	return delivered, nil
}

func (f *fakeDispatcher) Sent() []Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Delivery(nil), f.sent...)
}

func newExternalNode(t *testing.T, d Dispatcher, audit store.DeliveryLog, raw string) engine.Node {
	t.Helper()
	n := New(d, audit, nil)()
	require.NoError(t, n.Init(engine.InitContext{TenantID: "t1", NodeID: "ext-1", Logger: logger.NopLogger()}, json.RawMessage(raw)))
	return n
}

func telemetry() models.Envelope {
	return models.NewEnvelope("t1", models.EntityID{Type: "DEVICE", ID: "dev-1"}, "POST_TELEMETRY_REQUEST",
		models.Payload{}.Set("temperature", models.DoubleValue(21.5)),
		models.Metadata{}.Set("serial", "SN-7"))
}

func TestExternalNodeDispatchesAndTellsSuccess(t *testing.T) {
	d := &fakeDispatcher{}
	audit := store.NewMemoryAudit(10)
	n := newExternalNode(t, d, audit, `{"destination":"alerts","key_metadata":"serial"}`)
	ctx := enginetest.NewContext("t1", "ext-1")

	env := telemetry()
	require.NoError(t, n.Process(ctx, env))

	sent := d.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "alerts", sent[0].Destination)
	assert.Equal(t, []byte("SN-7"), sent[0].Key)
	assert.Equal(t, env.ID.String(), sent[0].Headers["msg-id"])
	assert.Equal(t, "t1", sent[0].Headers["tenant-id"])
	assert.JSONEq(t, `{"temperature":21.5}`, string(sent[0].Payload))

	next := ctx.Of(enginetest.KindNext)
	require.Len(t, next, 1)
	status, _ := next[0].Env.Metadata.Get("delivery_status")
	assert.Equal(t, models.DeliveryDelivered, status)
	assert.Empty(t, ctx.Of(enginetest.KindAck))

	recs := audit.Deliveries()
	require.Len(t, recs, 1)
	assert.Equal(t, models.DeliveryDelivered, recs[0].Status)
	assert.Equal(t, "ext-1", recs[0].NodeID)
}

func TestExternalNodeFailureWithoutForceAck(t *testing.T) {
	d := &fakeDispatcher{err: errors.New("broker unreachable")}
	audit := store.NewMemoryAudit(10)
	n := newExternalNode(t, d, audit, `{"destination":"alerts"}`)
	ctx := enginetest.NewContext("t1", "ext-1")

	require.NoError(t, n.Process(ctx, telemetry()))

	failures := ctx.Of(enginetest.KindFailure)
	require.Len(t, failures, 1)
	assert.True(t, errors.Is(failures[0].Err, apperrors.ErrDispatch))
	assert.Empty(t, ctx.Of(enginetest.KindNext))

	recs := audit.Deliveries()
	require.Len(t, recs, 1)
	assert.Equal(t, models.DeliveryFailed, recs[0].Status)
	assert.Contains(t, recs[0].Detail, "broker unreachable")
}

func TestExternalNodeForceAck(t *testing.T) {
	t.Run("success continues as new message", func(t *testing.T) {
		n := newExternalNode(t, &fakeDispatcher{}, nil, `{"destination":"alerts"}`)
		ctx := enginetest.NewContext("t1", "ext-1")
		ctx.Force = true

		env := telemetry()
		require.NoError(t, n.Process(ctx, env))

		signals := ctx.Signals()
		require.Len(t, signals, 2)
		assert.Equal(t, enginetest.KindAck, signals[0].Kind)
		assert.Equal(t, enginetest.KindEnqueueNext, signals[1].Kind)
		assert.Equal(t, env.Ctx+1, signals[1].Env.Ctx)
		assert.Equal(t, []string{"Success"}, signals[1].Labels)
	})

	t.Run("failure continues as new message", func(t *testing.T) {
		n := newExternalNode(t, &fakeDispatcher{err: errors.New("timeout")}, nil, `{"destination":"alerts"}`)
		ctx := enginetest.NewContext("t1", "ext-1")
		ctx.Force = true

		require.NoError(t, n.Process(ctx, telemetry()))

		signals := ctx.Signals()
		require.Len(t, signals, 2)
		assert.Equal(t, enginetest.KindAck, signals[0].Kind)
		assert.Equal(t, enginetest.KindEnqueueFailure, signals[1].Kind)
		assert.True(t, errors.Is(signals[1].Err, apperrors.ErrDispatch))
		assert.Empty(t, ctx.Of(enginetest.KindFailure))
	})
}

// blockingDispatcher holds every dispatch until release is closed.
type blockingDispatcher struct {
	fakeDispatcher
	started chan struct{}
	release chan struct{}
}

func (b *blockingDispatcher) Dispatch(ctx context.Context, d Delivery) (Outcome, error) {
	b.started <- struct{}{}
	<-b.release
	return b.fakeDispatcher.Dispatch(ctx, d)
}

func TestExternalNodeForceAckDispatchesOnPool(t *testing.T) {
	pool, err := NewPool(2, logger.NopLogger())
	require.NoError(t, err)
	t.Cleanup(pool.Release)

	d := &blockingDispatcher{started: make(chan struct{}, 1), release: make(chan struct{})}
	n := New(d, nil, pool)()
	require.NoError(t, n.Init(engine.InitContext{TenantID: "t1", NodeID: "ext-1", Logger: logger.NopLogger()}, json.RawMessage(`{"destination":"alerts"}`)))
	ctx := enginetest.NewContext("t1", "ext-1")
	ctx.Force = true

	require.NoError(t, n.Process(ctx, telemetry()))
	<-d.started

	assert.Len(t, ctx.Of(enginetest.KindAck), 1)
	assert.Empty(t, ctx.Of(enginetest.KindEnqueueNext))
	assert.Equal(t, 1, pool.Running())

	close(d.release)
	next := ctx.WaitFor(enginetest.KindEnqueueNext, 1, time.Second)
	require.Len(t, next, 1)
	assert.Len(t, d.Sent(), 1)
}

func TestExternalNodeEnvelopeBody(t *testing.T) {
	d := &fakeDispatcher{}
	n := newExternalNode(t, d, nil, `{"destination":"raw","body":"envelope"}`)
	env := telemetry()
	require.NoError(t, n.Process(enginetest.NewContext("t1", "ext-1"), env))

	sent := d.Sent()
	require.Len(t, sent, 1)
	decoded, err := models.DecodeEnvelope(sent[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, "POST_TELEMETRY_REQUEST", decoded.Type)
}

func TestExternalNodeConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "missing destination", raw: `{}`},
		{name: "unknown body", raw: `{"destination":"x","body":"xml"}`},
		{name: "bad timeout", raw: `{"destination":"x","timeout":"soon"}`},
		{name: "malformed", raw: `{"destination":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := New(&fakeDispatcher{}, nil, nil)()
			assert.Error(t, n.Init(engine.InitContext{NodeID: "e", Logger: logger.NopLogger()}, json.RawMessage(tt.raw)))
		})
	}
}

func TestIdempotentDispatcherSuppressesRedelivery(t *testing.T) {
	inner := &fakeDispatcher{}
	d := Wrap(inner, store.NewMemoryIdempotency(), 0, config.CircuitBreakerConfig{})
	del := Delivery{MessageID: "m1", NodeID: "ext-1", Destination: "alerts"}

	out, err := d.Dispatch(context.Background(), del)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryDelivered, out.Status)

	out, err = d.Dispatch(context.Background(), del)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryDuplicate, out.Status)
	assert.Len(t, inner.Sent(), 1)

	other := del
	other.NodeID = "ext-2"
	_, err = d.Dispatch(context.Background(), other)
	require.NoError(t, err)
	assert.Len(t, inner.Sent(), 2)
}

func TestIdempotentDispatcherReleasesClaimOnFailure(t *testing.T) {
	inner := &fakeDispatcher{err: errors.New("down")}
	d := NewIdempotentDispatcher(inner, store.NewMemoryIdempotency(), 0)
	del := Delivery{MessageID: "m1", NodeID: "ext-1"}

	_, err := d.Dispatch(context.Background(), del)
	require.Error(t, err)

	inner.mu.Lock()
	inner.err = nil
	inner.mu.Unlock()

	out, err := d.Dispatch(context.Background(), del)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryDelivered, out.Status)
}

func TestCircuitBreakerDispatcherOpens(t *testing.T) {
	inner := &fakeDispatcher{err: errors.New("down")}
	cfg := config.CircuitBreakerConfig{Enabled: true, Settings: circuitbreaker.Settings{MinRequests: 2, FailureThreshold: 0.5}}
	d := NewCircuitBreakerDispatcher(inner, cfg)

	for i := 0; i < 2; i++ {
		_, err := d.Dispatch(context.Background(), Delivery{MessageID: "m"})
		require.Error(t, err)
	}
	_, err := d.Dispatch(context.Background(), Delivery{MessageID: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker is open")
	assert.Equal(t, 2, inner.calls)
}

func TestCircuitBreakerDispatcherDisabled(t *testing.T) {
	inner := &fakeDispatcher{}
	assert.Same(t, inner, NewCircuitBreakerDispatcher(inner, config.CircuitBreakerConfig{}).(*fakeDispatcher))
}
