package engine

import (
	"encoding/json"
	"fmt"
	"sync"

	"rulecore/internal/logger"
	apperrors "rulecore/pkg/errors"
)

// ChainDef is the stored form of a tenant's rule chain.
type ChainDef struct {
	ID          string    `json:"id" bson:"_id"`
	TenantID    string    `json:"tenant_id" bson:"tenant_id"`
	Name        string    `json:"name" bson:"name"`
	EntryNodeID string    `json:"entry_node_id" bson:"entry_node_id"`
	Nodes       []NodeDef `json:"nodes" bson:"nodes"`
	Edges       []EdgeDef `json:"edges" bson:"edges"`
	Version     int64     `json:"version" bson:"version"`
}

type NodeDef struct {
	ID     string          `json:"id" bson:"id"`
	Type   string          `json:"type" bson:"type"`
	Name   string          `json:"name,omitempty" bson:"name,omitempty"`
	Config json.RawMessage `json:"config,omitempty" bson:"config,omitempty"`
	Debug  bool            `json:"debug,omitempty" bson:"debug,omitempty"`
}

type EdgeDef struct {
	From  string `json:"from" bson:"from"`
	To    string `json:"to" bson:"to"`
	Label string `json:"label" bson:"label"`
}

type nodeSlot struct {
	def   NodeDef
	node  Node
	edges map[string][]string
}

func (s *nodeSlot) targets(label string) []string {
	return s.edges[label]
}

// Chain is a loaded, validated and initialised rule chain. It never changes
// after Load; updates publish a new Chain.
type Chain struct {
	def   ChainDef
	entry string
	nodes map[string]*nodeSlot

	mu        sync.Mutex
	refs      int
	retired   bool
	destroyed bool
}

func (c *Chain) ID() string          { return c.def.ID }
func (c *Chain) TenantID() string    { return c.def.TenantID }
func (c *Chain) Version() int64      { return c.def.Version }
func (c *Chain) EntryNodeID() string { return c.entry }
func (c *Chain) Def() ChainDef       { return c.def }

func (c *Chain) node(id string) (*nodeSlot, bool) {
	s, ok := c.nodes[id]
	return s, ok
}

// acquire pins the chain for one routing; it fails once the chain is gone.
func (c *Chain) acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return false
	}
	c.refs++
	return true
}

func (c *Chain) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs--
	if c.refs == 0 && c.retired {
		c.destroyLocked()
	}
}

// retire destroys the chain's nodes once no routing holds it.
func (c *Chain) retire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retired = true
	if c.refs == 0 {
		c.destroyLocked()
	}
}

func (c *Chain) destroyLocked() {
	if c.destroyed {
		return
	}
	c.destroyed = true
	for _, s := range c.nodes {
		s.node.Destroy()
	}
}

// Load validates def, then instantiates and initialises every node. Any
// problem yields ErrConfiguration and leaves no node initialised.
func Load(def ChainDef, factory *NodeFactory, log logger.Logger) (*Chain, error) {
	return load(def, factory, log, true)
}

// load instantiates the chain. Nodes of a chain loaded only to be validated
// get no Emitter, so they cannot start emitting before they are destroyed.
func load(def ChainDef, factory *NodeFactory, log logger.Logger, emit bool) (*Chain, error) {
	slots, err := validate(def, factory)
	if err != nil {
		return nil, err
	}

	chain := &Chain{def: def, entry: def.EntryNodeID, nodes: slots}
	var initialised []*nodeSlot
	for _, nd := range def.Nodes {
		slot := slots[nd.ID]
		node, _ := factory.Create(nd.Type)
		ictx := InitContext{
			TenantID: def.TenantID,
			ChainID:  def.ID,
			NodeID:   nd.ID,
			NodeName: nd.Name,
			Logger:   log.With("tenant_id", def.TenantID, "rule_node_id", nd.ID, "rule_node_type", nd.Type),
		}
		if emit {
			ictx.Emitter = factory.emitter(def.TenantID, nd.ID)
		}
		if err := node.Init(ictx, nd.Config); err != nil {
			for _, s := range initialised {
				s.node.Destroy()
			}
			return nil, configError("node %s (%s) failed to initialise", nd.ID, nd.Type).WithCause(err)
		}
		slot.node = node
		initialised = append(initialised, slot)
	}
	return chain, nil
}

// Validate loads def and destroys it again. It reports the same errors as
// Load, including node configuration errors.
func Validate(def ChainDef, factory *NodeFactory, log logger.Logger) error {
	chain, err := load(def, factory, log, false)
	if err != nil {
		return err
	}
	chain.retire()
	return nil
}

func configError(format string, args ...interface{}) *apperrors.Error {
	return apperrors.ErrConfiguration.WithMessage(format, args...)
}

func validate(def ChainDef, factory *NodeFactory) (map[string]*nodeSlot, error) {
	if def.TenantID == "" {
		return nil, configError("chain has no tenant")
	}
	if len(def.Nodes) == 0 {
		return nil, configError("chain %s has no nodes", def.ID)
	}

	slots := make(map[string]*nodeSlot, len(def.Nodes))
	for _, nd := range def.Nodes {
		if nd.ID == "" {
			return nil, configError("node without id")
		}
		if _, dup := slots[nd.ID]; dup {
			return nil, configError("duplicate node id %s", nd.ID)
		}
		if !factory.Known(nd.Type) {
			return nil, configError("node %s has unknown type %q", nd.ID, nd.Type)
		}
		slots[nd.ID] = &nodeSlot{def: nd, edges: map[string][]string{}}
	}

	if _, ok := slots[def.EntryNodeID]; !ok {
		return nil, configError("entry node %q does not exist", def.EntryNodeID)
	}

	for _, e := range def.Edges {
		if e.Label == "" {
			return nil, configError("edge %s -> %s has an empty relation label", e.From, e.To)
		}
		from, ok := slots[e.From]
		if !ok {
			return nil, configError("edge source %q is not a node of this chain", e.From)
		}
		if _, ok := slots[e.To]; !ok {
			return nil, configError("edge target %q is not a node of this chain", e.To)
		}
		from.edges[e.Label] = append(from.edges[e.Label], e.To)
	}

	if cycle := findCycle(def.EntryNodeID, slots); cycle != nil {
		return nil, configError("cycle reachable from entry: %v", cycle)
	}

	reached := reachable(def.EntryNodeID, slots)
	for _, nd := range def.Nodes {
		if !reached[nd.ID] {
			return nil, configError("node %s is not reachable from entry %s", nd.ID, def.EntryNodeID)
		}
	}
	return slots, nil
}

func reachable(entry string, slots map[string]*nodeSlot) map[string]bool {
	seen := map[string]bool{entry: true}
	stack := []string{entry}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, targets := range slots[id].edges {
			for _, t := range targets {
				if !seen[t] {
					seen[t] = true
					stack = append(stack, t)
				}
			}
		}
	}
	return seen
}

const (
	white = iota
	grey
	black
)

// findCycle runs a colouring DFS from entry and returns the node path of the
// first back edge found, or nil.
func findCycle(entry string, slots map[string]*nodeSlot) []string {
	colour := make(map[string]int, len(slots))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		colour[id] = grey
		path = append(path, id)
		for _, targets := range slots[id].edges {
			for _, t := range targets {
				switch colour[t] {
				case grey:
					return append(append([]string(nil), path...), t)
				case white:
					if c := visit(t); c != nil {
						return c
					}
				}
			}
		}
		path = path[:len(path)-1]
		colour[id] = black
		return nil
	}
	return visit(entry)
}

func (d ChainDef) String() string {
	return fmt.Sprintf("chain(%s/%s v%d)", d.TenantID, d.ID, d.Version)
}
