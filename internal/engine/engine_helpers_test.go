package engine

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rulecore/internal/constants"
	"rulecore/internal/logger"
	"rulecore/pkg/models"
)

// visits records which nodes saw a message.
type visits struct {
	mu  sync.Mutex
	ids []string
}

func (v *visits) add(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ids = append(v.ids, id)
}

func (v *visits) list() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.ids...)
}

type testNodeConfig struct {
	Label string        `json:"label"`
	Delay time.Duration `json:"delay"`
}

// testNode behaves according to its type name.
type testNode struct {
	kind      string
	id        string
	cfg       testNodeConfig
	seen      *visits
	destroyed *atomic.Int32
	emitters  *sync.Map
}

func (n *testNode) Init(ictx InitContext, config json.RawMessage) error {
	n.id = ictx.NodeID
	if ictx.Emitter != nil {
		n.emitters.Store(ictx.NodeID, ictx.Emitter)
	}
	if n.kind == "broken" {
		return errors.New("broken node")
	}
	if len(config) > 0 {
		return json.Unmarshal(config, &n.cfg)
	}
	return nil
}

func (n *testNode) Process(ctx Context, env models.Envelope) error {
	n.seen.add(n.id)
	if n.cfg.Delay > 0 {
		time.Sleep(n.cfg.Delay)
	}
	switch n.kind {
	case "pass":
		ctx.TellSuccess(env)
	case "label":
		ctx.TellNext(env, n.cfg.Label)
	case "fail":
		ctx.TellFailure(env, errors.New("node said no"))
	case "error":
		return errors.New("returned error")
	case "panic":
		panic("boom")
	case "silent":
	case "ack":
		ctx.Ack(env)
	case "defer":
		ctx.EnqueueForTellNext(env.CopyWithNewCtx(), constants.RelationSuccess)
		ctx.Ack(env)
	}
	return nil
}

func (n *testNode) Destroy() {
	n.destroyed.Add(1)
}

type testEnv struct {
	factory   *NodeFactory
	seen      *visits
	destroyed *atomic.Int32
	emitters  *sync.Map
}

func newTestEnv() *testEnv {
	te := &testEnv{factory: NewNodeFactory(), seen: &visits{}, destroyed: &atomic.Int32{}, emitters: &sync.Map{}}
	for _, kind := range []string{"pass", "label", "fail", "error", "panic", "silent", "ack", "defer", "broken"} {
		kind := kind
		te.factory.Register(kind, func() Node {
			return &testNode{kind: kind, seen: te.seen, destroyed: te.destroyed, emitters: te.emitters}
		})
	}
	return te
}

func (te *testEnv) load(t *testing.T, def ChainDef) *Chain {
	t.Helper()
	chain, err := Load(def, te.factory, logger.NopLogger())
	require.NoError(t, err)
	return chain
}

func node(id, kind string) NodeDef {
	return NodeDef{ID: id, Type: kind}
}

func edge(from, to, label string) EdgeDef {
	return EdgeDef{From: from, To: to, Label: label}
}

func chainDef(tenant, entry string, nodes []NodeDef, edges ...EdgeDef) ChainDef {
	return ChainDef{ID: "chain-" + tenant, TenantID: tenant, EntryNodeID: entry, Nodes: nodes, Edges: edges, Version: 1}
}

// result captures the record callback.
type result struct {
	done chan error
	once sync.Once
	hits atomic.Int32
}

func newResult() *result {
	return &result{done: make(chan error, 1)}
}

func (r *result) OnSuccess() {
	r.hits.Add(1)
	r.once.Do(func() { r.done <- nil })
}

func (r *result) OnFailure(err error) {
	r.hits.Add(1)
	r.once.Do(func() { r.done <- err })
}

func (r *result) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not resolved")
		return nil
	}
}

func testEnvelope(tenant string) models.Envelope {
	return models.NewEnvelope(tenant, models.EntityID{Type: "DEVICE", ID: "dev-1"}, "POST_TELEMETRY_REQUEST",
		models.Payload{}.Set("temperature", models.DoubleValue(21.5)), nil)
}
