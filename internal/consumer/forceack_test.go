package consumer

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulecore/internal/config"
	"rulecore/internal/engine"
	"rulecore/internal/logger"
	"rulecore/internal/nodes/external"
)

// heldDispatcher blocks every dispatch until release is closed.
type heldDispatcher struct {
	started chan struct{}
	release chan struct{}
	sent    atomic.Int32
}

func (d *heldDispatcher) Transport() string { return "held" }
func (d *heldDispatcher) Close() error      { return nil }

func (d *heldDispatcher) Dispatch(ctx context.Context, _ external.Delivery) (external.Outcome, error) {
	select {
	case d.started <- struct{}{}:
	default:
	}
	select {
	case <-d.release:
	case <-ctx.Done():
		return external.Outcome{}, ctx.Err()
	}
	d.sent.Add(1)
	return external.Outcome{Status: "DELIVERED"}, nil
}

func newForceAckRouter(t *testing.T, d external.Dispatcher) *engine.Router {
	t.Helper()
	log := logger.NopLogger()

	pool, err := external.NewPool(4, log)
	require.NoError(t, err)
	t.Cleanup(pool.Release)

	factory := engine.NewNodeFactory()
	factory.Register(external.TypePrefix+d.Transport(), external.New(d, nil, pool))
	registry := engine.NewRegistry(log)
	router, err := engine.NewRouter(engine.Config{ForceAck: true, NodeTimeout: time.Second}, registry, nil, log)
	require.NoError(t, err)
	factory.SetEmitterSource(router)

	chain, err := engine.Load(engine.ChainDef{
		ID:          "chain-t1",
		TenantID:    "t1",
		EntryNodeID: "out",
		Nodes: []engine.NodeDef{{
			ID:     "out",
			Type:   external.TypePrefix + d.Transport(),
			Config: json.RawMessage(`{"destination":"alerts","timeout":"5s"}`),
		}},
		Version: 1,
	}, factory, log)
	require.NoError(t, err)
	registry.Publish(chain)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = router.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		router.Close()
	})
	return router
}

func TestForceAckCommitsWhileDispatchIsPending(t *testing.T) {
	for _, mode := range []string{config.ModeSequential, config.ModePipelined} {
		t.Run(mode, func(t *testing.T) {
			d := &heldDispatcher{started: make(chan struct{}, 1), release: make(chan struct{})}
			router := newForceAckRouter(t, d)
			h := startWith(t, config.ConsumerConfig{Mode: mode, MaxInFlight: 4, Retry: fastRetry(config.StrategyRetryFailed, 3)}, router)

			h.send(t, 2)

			select {
			case <-d.started:
			case <-time.After(2 * time.Second):
				t.Fatal("dispatch did not start")
			}
			assert.Eventually(t, func() bool { return h.committed() == 2 }, 2*time.Second, 5*time.Millisecond)
			assert.Zero(t, d.sent.Load())

			close(d.release)
			assert.Eventually(t, func() bool { return d.sent.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
		})
	}
}
