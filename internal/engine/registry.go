package engine

import (
	"sync"
	"sync/atomic"

	"rulecore/internal/logger"
	"rulecore/pkg/metrics"
)

// Registry holds the active chain of every tenant. Publishing swaps the whole
// map so that concurrent routings see either the old or the new chain.
type Registry struct {
	chains atomic.Pointer[map[string]*Chain]
	mu     sync.Mutex
	log    logger.Logger
}

func NewRegistry(log logger.Logger) *Registry {
	r := &Registry{log: log}
	empty := map[string]*Chain{}
	r.chains.Store(&empty)
	return r
}

func (r *Registry) Get(tenantID string) (*Chain, bool) {
	c, ok := (*r.chains.Load())[tenantID]
	return c, ok
}

func (r *Registry) Tenants() []string {
	m := *r.chains.Load()
	out := make([]string, 0, len(m))
	for t := range m {
		out = append(out, t)
	}
	return out
}

// Publish makes chain the active chain of its tenant and retires the
// previous one.
func (r *Registry) Publish(chain *Chain) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.chains.Load()
	next := make(map[string]*Chain, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	old := cur[chain.TenantID()]
	next[chain.TenantID()] = chain
	r.chains.Store(&next)
	metrics.ActiveChains.Set(float64(len(next)))

	r.log.Infow("Rule chain published",
		"tenant_id", chain.TenantID(),
		"chain_id", chain.ID(),
		"version", chain.Version(),
		"nodes", len(chain.nodes),
	)
	if old != nil && old != chain {
		old.retire()
	}
}

func (r *Registry) Remove(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.chains.Load()
	old, ok := cur[tenantID]
	if !ok {
		return
	}
	next := make(map[string]*Chain, len(cur))
	for k, v := range cur {
		if k != tenantID {
			next[k] = v
		}
	}
	r.chains.Store(&next)
	metrics.ActiveChains.Set(float64(len(next)))
	r.log.Infow("Rule chain removed", "tenant_id", tenantID, "chain_id", old.ID())
	old.retire()
}

// Close retires every chain.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.chains.Load()
	empty := map[string]*Chain{}
	r.chains.Store(&empty)
	for _, c := range cur {
		c.retire()
	}
}
