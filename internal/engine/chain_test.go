package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulecore/internal/logger"
	apperrors "rulecore/pkg/errors"
)

func TestLoadRejectsInvalidChains(t *testing.T) {
	tests := []struct {
		name string
		def  ChainDef
	}{
		{
			name: "cycle reachable from entry",
			def: chainDef("t1", "a",
				[]NodeDef{node("a", "pass"), node("b", "pass"), node("c", "pass")},
				edge("a", "b", "Success"), edge("b", "c", "Success"), edge("c", "a", "Success")),
		},
		{
			name: "self loop",
			def:  chainDef("t1", "a", []NodeDef{node("a", "pass")}, edge("a", "a", "Success")),
		},
		{
			name: "unknown node type",
			def:  chainDef("t1", "a", []NodeDef{node("a", "no-such-type")}),
		},
		{
			name: "missing entry",
			def:  chainDef("t1", "x", []NodeDef{node("a", "pass")}),
		},
		{
			name: "unreachable node",
			def:  chainDef("t1", "a", []NodeDef{node("a", "pass"), node("b", "pass")}),
		},
		{
			name: "empty relation label",
			def: chainDef("t1", "a", []NodeDef{node("a", "pass"), node("b", "pass")},
				edge("a", "b", "")),
		},
		{
			name: "edge to a node of another chain",
			def:  chainDef("t1", "a", []NodeDef{node("a", "pass")}, edge("a", "elsewhere", "Success")),
		},
		{
			name: "duplicate node id",
			def:  chainDef("t1", "a", []NodeDef{node("a", "pass"), node("a", "fail")}),
		},
		{
			name: "no tenant",
			def:  chainDef("", "a", []NodeDef{node("a", "pass")}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := newTestEnv()
			_, err := Load(tt.def, te.factory, logger.NopLogger())
			require.Error(t, err)
			assert.True(t, apperrors.IsConfiguration(err))
		})
	}
}

func TestLoadDestroysInitialisedNodesOnInitFailure(t *testing.T) {
	te := newTestEnv()
	def := chainDef("t1", "a",
		[]NodeDef{node("a", "pass"), node("b", "pass"), node("c", "broken")},
		edge("a", "b", "Success"), edge("b", "c", "Success"))

	_, err := Load(def, te.factory, logger.NopLogger())

	require.Error(t, err)
	assert.True(t, apperrors.IsConfiguration(err))
	assert.Equal(t, int32(2), te.destroyed.Load())
}

func TestLoadAcceptsDiamond(t *testing.T) {
	te := newTestEnv()
	chain := te.load(t, chainDef("t1", "a",
		[]NodeDef{node("a", "pass"), node("b", "pass"), node("c", "pass"), node("d", "pass")},
		edge("a", "b", "Success"), edge("a", "c", "Success"),
		edge("b", "d", "Success"), edge("c", "d", "Success")))

	assert.Equal(t, "a", chain.EntryNodeID())
	slot, ok := chain.node("a")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"b", "c"}, slot.targets("Success"))
	assert.Empty(t, slot.targets("success"))
}

func TestRegistryKeepsPreviousChainWhenUpdateIsRejected(t *testing.T) {
	te := newTestEnv()
	reg := NewRegistry(logger.NopLogger())

	good := te.load(t, chainDef("t1", "a", []NodeDef{node("a", "pass"), node("b", "pass")},
		edge("a", "b", "Success")))
	reg.Publish(good)

	cyclic := chainDef("t1", "a", []NodeDef{node("a", "pass"), node("b", "pass")},
		edge("a", "b", "Success"), edge("b", "a", "Success"))
	cyclic.Version = 2
	_, err := Load(cyclic, te.factory, logger.NopLogger())
	require.Error(t, err)

	active, ok := reg.Get("t1")
	require.True(t, ok)
	assert.Same(t, good, active)
	assert.Equal(t, int64(1), active.Version())
}

func TestRegistryPublishDestroysReplacedChain(t *testing.T) {
	te := newTestEnv()
	reg := NewRegistry(logger.NopLogger())

	first := te.load(t, chainDef("t1", "a", []NodeDef{node("a", "pass")}))
	reg.Publish(first)
	second := te.load(t, chainDef("t1", "a", []NodeDef{node("a", "pass")}))
	reg.Publish(second)

	assert.Equal(t, int32(1), te.destroyed.Load())
	assert.False(t, first.acquire())

	reg.Remove("t1")
	_, ok := reg.Get("t1")
	assert.False(t, ok)
	assert.Equal(t, int32(2), te.destroyed.Load())
}

func TestRetiredChainWaitsForInFlightRoutings(t *testing.T) {
	te := newTestEnv()
	chain := te.load(t, chainDef("t1", "a", []NodeDef{node("a", "pass")}))

	require.True(t, chain.acquire())
	chain.retire()
	assert.Equal(t, int32(0), te.destroyed.Load())

	chain.release()
	assert.Equal(t, int32(1), te.destroyed.Load())
}
