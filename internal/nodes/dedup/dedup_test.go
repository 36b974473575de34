package dedup

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
	apperrors "rulecore/pkg/errors"
	"rulecore/pkg/models"
)

const testInterval = 50 * time.Millisecond

func newNode(t *testing.T, cfg Config, st store.NodeStateStore) *Node {
	t.Helper()
	return newNodeWith(t, cfg, st, testInterval, nil)
}

func newNodeWith(t *testing.T, cfg Config, st store.NodeStateStore, interval time.Duration, emitter engine.Emitter) *Node {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)

	n := New(st, config.DeduplicationConfig{})().(*Node)
	n.interval = interval
	require.NoError(t, n.Init(engine.InitContext{TenantID: "t1", NodeID: "dedup-1", Logger: logger.NopLogger(), Emitter: emitter}, raw))
	t.Cleanup(n.Destroy)
	return n
}

func message(device string, temp float64) models.Envelope {
	return models.NewEnvelope("t1", models.EntityID{Type: "DEVICE", ID: device}, "POST_TELEMETRY_REQUEST",
		models.Payload{}.Set("temperature", models.DoubleValue(temp)), nil)
}

func send(t *testing.T, n *Node, ctx *enginetest.Context, envs ...models.Envelope) {
	t.Helper()
	for _, env := range envs {
		require.NoError(t, n.Process(ctx, env))
	}
}

func TestDedupStrategies(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		wantIdx  []int
		wantType string
	}{
		{name: "first", cfg: Config{Strategy: StrategyFirst}, wantIdx: []int{0}, wantType: "POST_TELEMETRY_REQUEST"},
		{name: "last", cfg: Config{Strategy: StrategyLast}, wantIdx: []int{4}, wantType: "POST_TELEMETRY_REQUEST"},
		{name: "all", cfg: Config{Strategy: StrategyAll, OutMsgType: "TELEMETRY_BATCH"}, wantIdx: []int{0, 1, 2, 3, 4}, wantType: "TELEMETRY_BATCH"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newNode(t, tt.cfg, store.NewMemoryNodeStateStore())
			ctx := enginetest.NewContext("t1", "dedup-1")
			var msgs []models.Envelope
			for i := 0; i < 5; i++ {
				msgs = append(msgs, message("dev-1", float64(20+i)))
			}

			send(t, n, ctx, msgs...)
			assert.Len(t, ctx.Of(enginetest.KindAck), 5)
			assert.Empty(t, ctx.Of(enginetest.KindEnqueueNext))

			out := ctx.WaitFor(enginetest.KindEnqueueNext, len(tt.wantIdx), time.Second)
			require.Len(t, out, len(tt.wantIdx))
			for i, idx := range tt.wantIdx {
				assert.Equal(t, msgs[idx].ID, out[i].Env.ID)
				assert.Equal(t, msgs[idx].Ctx+1, out[i].Env.Ctx)
				assert.Equal(t, tt.wantType, out[i].Env.Type)
				assert.Equal(t, []string{"Success"}, out[i].Labels)
			}
			assert.Equal(t, 0, n.Pending("DEVICE:dev-1"))
		})
	}
}

func TestDedupOriginatorsAreIndependent(t *testing.T) {
	n := newNode(t, Config{Strategy: StrategyFirst}, store.NewMemoryNodeStateStore())
	ctx := enginetest.NewContext("t1", "dedup-1")

	a, b := message("dev-a", 1), message("dev-b", 2)
	send(t, n, ctx, a, message("dev-a", 3), b)

	out := ctx.WaitFor(enginetest.KindEnqueueNext, 2, time.Second)
	require.Len(t, out, 2)
	ids := []string{out[0].Env.ID.String(), out[1].Env.ID.String()}
	assert.ElementsMatch(t, []string{a.ID.String(), b.ID.String()}, ids)
}

func TestDedupOverflowDropsOldest(t *testing.T) {
	n := newNode(t, Config{Strategy: StrategyAll, OutMsgType: "BATCH", MaxPendingMsgs: 3}, store.NewMemoryNodeStateStore())
	ctx := enginetest.NewContext("t1", "dedup-1")

	var msgs []models.Envelope
	for i := 0; i < 5; i++ {
		msgs = append(msgs, message("dev-1", float64(i)))
	}
	send(t, n, ctx, msgs...)

	dropped := ctx.Of(enginetest.KindEnqueueFailure)
	require.Len(t, dropped, 2)
	assert.Equal(t, msgs[0].ID, dropped[0].Env.ID)
	assert.Equal(t, msgs[1].ID, dropped[1].Env.ID)
	assert.True(t, errors.Is(dropped[0].Err, apperrors.ErrOverflow))
	assert.Len(t, ctx.Of(enginetest.KindAck), 5)

	out := ctx.WaitFor(enginetest.KindEnqueueNext, 3, time.Second)
	require.Len(t, out, 3)
	for i, sig := range out {
		assert.Equal(t, msgs[i+2].ID, sig.Env.ID)
	}
}

func TestDedupOverflowRejectNew(t *testing.T) {
	n := newNode(t, Config{MaxPendingMsgs: 2, OverflowPolicy: OverflowRejectNew}, store.NewMemoryNodeStateStore())
	ctx := enginetest.NewContext("t1", "dedup-1")

	msgs := []models.Envelope{message("dev-1", 1), message("dev-1", 2), message("dev-1", 3)}
	send(t, n, ctx, msgs...)

	failures := ctx.Of(enginetest.KindFailure)
	require.Len(t, failures, 1)
	assert.Equal(t, msgs[2].ID, failures[0].Env.ID)
	assert.True(t, errors.Is(failures[0].Err, apperrors.ErrOverflow))
	assert.Len(t, ctx.Of(enginetest.KindAck), 2)
	assert.Equal(t, 2, n.Pending("DEVICE:dev-1"))
}

type brokenStore struct {
	store.NodeStateStore
}

func (brokenStore) Save(context.Context, string, string, []byte) error {
	return errors.New("redis down")
}

func TestDedupPersistFailureSignalsFailure(t *testing.T) {
	n := newNode(t, Config{MaxRetries: 1}, brokenStore{NodeStateStore: store.NewMemoryNodeStateStore()})
	ctx := enginetest.NewContext("t1", "dedup-1")

	send(t, n, ctx, message("dev-1", 1))

	failures := ctx.Of(enginetest.KindFailure)
	require.Len(t, failures, 1)
	assert.True(t, errors.Is(failures[0].Err, apperrors.ErrPersistence))
	assert.Empty(t, ctx.Of(enginetest.KindAck))
	assert.Equal(t, 0, n.Pending("DEVICE:dev-1"))
}

func TestDedupRecoversPersistedWindow(t *testing.T) {
	st := store.NewMemoryNodeStateStore()

	first := newNodeWith(t, Config{Strategy: StrategyFirst}, st, time.Hour, nil)
	ctx := enginetest.NewContext("t1", "dedup-1")
	original := message("dev-1", 1)
	send(t, first, ctx, original)
	first.Destroy()
	assert.Equal(t, 1, st.Len())

	second := newNode(t, Config{Strategy: StrategyFirst}, st)
	ctx2 := enginetest.NewContext("t1", "dedup-1")
	send(t, second, ctx2, message("dev-1", 2))

	out := ctx2.WaitFor(enginetest.KindEnqueueNext, 1, time.Second)
	require.Len(t, out, 1)
	assert.Equal(t, original.ID, out[0].Env.ID)
	assert.Eventually(t, func() bool { return st.Len() == 0 }, time.Second, 10*time.Millisecond)
}

type flakyStateStore struct {
	*store.MemoryNodeStateStore
	mu        sync.Mutex
	saves     int
	failAfter int
}

func (s *flakyStateStore) Save(ctx context.Context, nodeID, key string, blob []byte) error {
	s.mu.Lock()
	s.saves++
	fail := s.saves > s.failAfter
	s.mu.Unlock()
	if fail {
		return errors.New("redis down")
	}
	return s.MemoryNodeStateStore.Save(ctx, nodeID, key, blob)
}

func TestDedupOverflowKeepsBufferWhenPersistFails(t *testing.T) {
	st := &flakyStateStore{MemoryNodeStateStore: store.NewMemoryNodeStateStore(), failAfter: 3}
	n := newNodeWith(t, Config{Strategy: StrategyAll, OutMsgType: "BATCH", MaxPendingMsgs: 3, MaxRetries: 1}, st, time.Hour, nil)
	ctx := enginetest.NewContext("t1", "dedup-1")

	msgs := []models.Envelope{message("dev-1", 1), message("dev-1", 2), message("dev-1", 3), message("dev-1", 4)}
	send(t, n, ctx, msgs...)

	failures := ctx.Of(enginetest.KindFailure)
	require.Len(t, failures, 1)
	assert.Equal(t, msgs[3].ID, failures[0].Env.ID)
	assert.True(t, errors.Is(failures[0].Err, apperrors.ErrPersistence))
	assert.Empty(t, ctx.Of(enginetest.KindEnqueueFailure))
	assert.Len(t, ctx.Of(enginetest.KindAck), 3)
	assert.Equal(t, 3, n.Pending("DEVICE:dev-1"))

	blob, found, err := st.Load(context.Background(), "dedup-1", "DEVICE:dev-1")
	require.NoError(t, err)
	require.True(t, found)
	var p persistedWindow
	require.NoError(t, json.Unmarshal(blob, &p))
	require.Len(t, p.Entries, 3)
	assert.Equal(t, msgs[0].ID, p.Entries[0].ID)
}

// slowDeleteStore holds every Delete until release is closed.
type slowDeleteStore struct {
	*store.MemoryNodeStateStore
	deleting chan struct{}
	release  chan struct{}
}

func (s *slowDeleteStore) Delete(ctx context.Context, nodeID, key string) error {
	select {
	case s.deleting <- struct{}{}:
	default:
	}
	<-s.release
	return s.MemoryNodeStateStore.Delete(ctx, nodeID, key)
}

func TestDedupArrivalDuringFlushStartsFreshWindow(t *testing.T) {
	st := &slowDeleteStore{
		MemoryNodeStateStore: store.NewMemoryNodeStateStore(),
		deleting:             make(chan struct{}, 4),
		release:              make(chan struct{}),
	}
	n := newNode(t, Config{Strategy: StrategyFirst}, st)
	ctx := enginetest.NewContext("t1", "dedup-1")

	a := message("dev-1", 1)
	send(t, n, ctx, a)

	select {
	case <-st.deleting:
	case <-time.After(time.Second):
		t.Fatal("window was not flushed")
	}

	b := message("dev-1", 2)
	sent := make(chan error, 1)
	go func() { sent <- n.Process(ctx, b) }()
	time.Sleep(2 * testInterval)
	close(st.release)
	require.NoError(t, <-sent)

	out := ctx.WaitFor(enginetest.KindEnqueueNext, 2, time.Second)
	require.Len(t, out, 2)
	assert.Equal(t, a.ID, out[0].Env.ID)
	assert.Equal(t, b.ID, out[1].Env.ID)

	time.Sleep(3 * testInterval)
	assert.Len(t, ctx.Of(enginetest.KindEnqueueNext), 2)
	assert.Equal(t, 0, st.Len())
}

type failingDeleteStore struct {
	*store.MemoryNodeStateStore
}

func (failingDeleteStore) Delete(context.Context, string, string) error {
	return errors.New("redis down")
}

func TestDedupUndeletedStateIsNotEmittedTwice(t *testing.T) {
	n := newNode(t, Config{Strategy: StrategyFirst, MaxRetries: 1}, failingDeleteStore{store.NewMemoryNodeStateStore()})
	ctx := enginetest.NewContext("t1", "dedup-1")

	a := message("dev-1", 1)
	send(t, n, ctx, a)
	require.Len(t, ctx.WaitFor(enginetest.KindEnqueueNext, 1, time.Second), 1)

	b := message("dev-1", 2)
	send(t, n, ctx, b)
	out := ctx.WaitFor(enginetest.KindEnqueueNext, 2, 2*time.Second)
	require.Len(t, out, 2)
	assert.Equal(t, a.ID, out[0].Env.ID)
	assert.Equal(t, b.ID, out[1].Env.ID)
}

func TestDedupInitResumesPersistedWindows(t *testing.T) {
	st := store.NewMemoryNodeStateStore()
	first := newNodeWith(t, Config{Strategy: StrategyFirst}, st, time.Hour, nil)
	original := message("dev-1", 1)
	send(t, first, enginetest.NewContext("t1", "dedup-1"), original)
	first.Destroy()
	require.Equal(t, 1, st.Len())

	emitter := enginetest.NewContext("t1", "dedup-1")
	newNodeWith(t, Config{Strategy: StrategyFirst}, st, testInterval, emitter)

	out := emitter.WaitFor(enginetest.KindEnqueueNext, 1, time.Second)
	require.Len(t, out, 1)
	assert.Equal(t, original.ID, out[0].Env.ID)
	assert.Eventually(t, func() bool { return st.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestDedupResumedWindowMergesWithArrival(t *testing.T) {
	st := store.NewMemoryNodeStateStore()
	first := newNodeWith(t, Config{Strategy: StrategyAll, OutMsgType: "BATCH"}, st, time.Hour, nil)
	a := message("dev-1", 1)
	send(t, first, enginetest.NewContext("t1", "dedup-1"), a)
	first.Destroy()

	ctx := enginetest.NewContext("t1", "dedup-1")
	second := newNodeWith(t, Config{Strategy: StrategyAll, OutMsgType: "BATCH"}, st, testInterval, ctx)
	b := message("dev-1", 2)
	send(t, second, ctx, b)

	out := ctx.WaitFor(enginetest.KindEnqueueNext, 2, time.Second)
	require.Len(t, out, 2)
	assert.Equal(t, a.ID, out[0].Env.ID)
	assert.Equal(t, b.ID, out[1].Env.ID)

	time.Sleep(3 * testInterval)
	assert.Len(t, ctx.Of(enginetest.KindEnqueueNext), 2)
}

func TestDedupDestroyStopsTimers(t *testing.T) {
	n := newNode(t, Config{}, store.NewMemoryNodeStateStore())
	ctx := enginetest.NewContext("t1", "dedup-1")

	send(t, n, ctx, message("dev-1", 1))
	n.Destroy()

	time.Sleep(3 * testInterval)
	assert.Empty(t, ctx.Of(enginetest.KindEnqueueNext))
}

func TestDedupArrivalAfterFlushStartsNewWindow(t *testing.T) {
	n := newNode(t, Config{Strategy: StrategyFirst}, store.NewMemoryNodeStateStore())
	ctx := enginetest.NewContext("t1", "dedup-1")

	a := message("dev-1", 1)
	send(t, n, ctx, a)
	require.Len(t, ctx.WaitFor(enginetest.KindEnqueueNext, 1, time.Second), 1)

	b := message("dev-1", 2)
	send(t, n, ctx, b)
	out := ctx.WaitFor(enginetest.KindEnqueueNext, 2, time.Second)
	require.Len(t, out, 2)
	assert.Equal(t, b.ID, out[1].Env.ID)
}

func TestDedupConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "all without out type", raw: `{"strategy":"ALL"}`},
		{name: "unknown strategy", raw: `{"strategy":"MIDDLE"}`},
		{name: "unknown overflow policy", raw: `{"overflow_policy":"drop_newest"}`},
		{name: "malformed", raw: `{"interval":"soon"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := New(store.NewMemoryNodeStateStore(), config.DeduplicationConfig{})()
			err := n.Init(engine.InitContext{NodeID: "d", Logger: logger.NopLogger()}, json.RawMessage(tt.raw))
			assert.Error(t, err)
		})
	}
}

func TestDedupConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults(config.DeduplicationConfig{})
	assert.Equal(t, 60, cfg.Interval)
	assert.Equal(t, StrategyFirst, cfg.Strategy)
	assert.Equal(t, 100, cfg.MaxPendingMsgs)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, OverflowDropOldest, cfg.OverflowPolicy)

	cfg = Config{}.withDefaults(config.DeduplicationConfig{IntervalSeconds: 10, MaxPendingMsgs: 5})
	assert.Equal(t, 10, cfg.Interval)
	assert.Equal(t, 5, cfg.MaxPendingMsgs)
}
