package engine

import (
	"encoding/json"
	"sort"
	"sync"

	"rulecore/internal/logger"
	"rulecore/pkg/models"
)

// Node is one step of a rule chain. Process signals its outcome through ctx;
// a returned error is routed as a failure unless an outcome was already
// signalled.
type Node interface {
	Init(ictx InitContext, config json.RawMessage) error
	Process(ctx Context, env models.Envelope) error
	Destroy()
}

// InitContext carries the identity of a node being initialised.
type InitContext struct {
	TenantID string
	ChainID  string
	NodeID   string
	NodeName string
	Logger   logger.Logger
	// Emitter is nil when the factory has no EmitterSource.
	Emitter Emitter
}

// Emitter routes messages a node produces on its own, outside of any
// invocation. Emissions are continuations of the node's current chain.
type Emitter interface {
	EnqueueForTellNext(env models.Envelope, labels ...string)
	EnqueueForTellFailure(env models.Envelope, err error)
}

// EmitterSource hands out the Emitter of one node.
type EmitterSource interface {
	Emitter(tenantID, nodeID string) Emitter
}

type Constructor func() Node

// NodeFactory maps node type names to constructors. Constructors close over
// whatever shared dependencies their nodes need.
type NodeFactory struct {
	mu       sync.RWMutex
	ctors    map[string]Constructor
	emitters EmitterSource
}

func NewNodeFactory() *NodeFactory {
	return &NodeFactory{ctors: make(map[string]Constructor)}
}

func (f *NodeFactory) Register(nodeType string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctors[nodeType] = ctor
}

// SetEmitterSource makes nodes loaded afterwards receive an Emitter.
func (f *NodeFactory) SetEmitterSource(src EmitterSource) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitters = src
}

func (f *NodeFactory) emitter(tenantID, nodeID string) Emitter {
	f.mu.RLock()
	src := f.emitters
	f.mu.RUnlock()
	if src == nil {
		return nil
	}
	return src.Emitter(tenantID, nodeID)
}

func (f *NodeFactory) Create(nodeType string) (Node, bool) {
	f.mu.RLock()
	ctor, ok := f.ctors[nodeType]
	f.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return ctor(), true
}

func (f *NodeFactory) Known(nodeType string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.ctors[nodeType]
	return ok
}

func (f *NodeFactory) Types() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	types := make([]string, 0, len(f.ctors))
	for t := range f.ctors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
