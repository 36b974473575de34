package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"rulecore/internal/constants"
	"rulecore/internal/logger"
	apperrors "rulecore/pkg/errors"
	"rulecore/pkg/logging"
	"rulecore/pkg/models"
	"rulecore/pkg/tracing"
)

// Config bounds how the router executes chains.
type Config struct {
	MaxHops            int
	NodeTimeout        time.Duration
	WorkerPoolSize     int
	ContinuationBuffer int
	ForceAck           bool
}

func (c Config) withDefaults() Config {
	if c.MaxHops <= 0 {
		c.MaxHops = 32
	}
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = 256
	}
	if c.ContinuationBuffer <= 0 {
		c.ContinuationBuffer = 1024
	}
	return c
}

// Router executes tenants' rule chains. Route never blocks on node work
// unless the worker pool is saturated, in which case the caller runs it.
type Router struct {
	cfg      Config
	registry *Registry
	failures FailureRecorder
	log      logger.Logger
	pool     *ants.Pool

	work      chan continuation
	closing   chan struct{}
	closeOnce sync.Once
}

func NewRouter(cfg Config, registry *Registry, failures FailureRecorder, log logger.Logger) (*Router, error) {
	cfg = cfg.withDefaults()
	pool, err := ants.NewPool(cfg.WorkerPoolSize,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			log.Errorw("Rule engine worker panicked", "panic", p)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &Router{
		cfg:      cfg,
		registry: registry,
		failures: failures,
		log:      log,
		pool:     pool,
		work:     make(chan continuation, cfg.ContinuationBuffer),
		closing:  make(chan struct{}),
	}, nil
}

// Route runs env through the tenant's chain starting at entryNodeID, or at
// the chain's entry when entryNodeID is empty. cb is resolved exactly once.
func (r *Router) Route(ctx context.Context, tenantID, entryNodeID string, env models.Envelope, cb models.Callback) {
	chain, ok := r.acquire(tenantID)
	if !ok {
		cb.OnFailure(apperrors.ErrNotFound.WithMessage("no rule chain for tenant %s", tenantID))
		return
	}
	if entryNodeID == "" {
		entryNodeID = chain.EntryNodeID()
	}
	slot, ok := chain.node(entryNodeID)
	if !ok {
		chain.release()
		cb.OnFailure(apperrors.ErrConfiguration.WithMessage("node %s is not part of chain %s", entryNodeID, chain.ID()))
		return
	}

	env = env.WithCallback(cb)
	tr := newTracker(env.ID, cb, chain.release)
	base := context.WithoutCancel(ctx)
	base = logging.WithTenantID(base, tenantID)
	base = logging.WithMessageID(base, env.ID.String())
	r.submit(func() { r.invoke(base, tr, chain, slot, env) })
}

func (r *Router) acquire(tenantID string) (*Chain, bool) {
	// A publish can retire the chain between Get and acquire; the registry
	// then already holds its successor.
	for i := 0; i < 3; i++ {
		chain, ok := r.registry.Get(tenantID)
		if !ok {
			return nil, false
		}
		if chain.acquire() {
			return chain, true
		}
	}
	return nil, false
}

func (r *Router) submit(task func()) {
	if err := r.pool.Submit(task); err != nil {
		task()
	}
}

func (r *Router) invoke(base context.Context, tr *tracker, chain *Chain, slot *nodeSlot, env models.Envelope) {
	if n := tr.hop(); n > int64(r.cfg.MaxHops) {
		tr.fail(slot.def.ID, apperrors.ErrHopLimit.WithMessage("message %s exceeded %d hops", env.ID, r.cfg.MaxHops))
		return
	}

	spanCtx, span := tracing.StartNodeSpan(logging.WithRuleNodeID(base, slot.def.ID), chain.TenantID(), slot.def.ID, slot.def.Type)
	defer span.End()

	nctx := &nodeContext{
		router:  r,
		tracker: tr,
		chain:   chain,
		slot:    slot,
		log:     r.log.With("tenant_id", chain.TenantID(), "rule_node_id", slot.def.ID, "rule_node_type", slot.def.Type),
		base:    base,
		start:   time.Now(),
	}
	if r.cfg.NodeTimeout > 0 {
		nctx.ctx, nctx.cancel = context.WithTimeout(spanCtx, r.cfg.NodeTimeout)
	} else {
		nctx.ctx, nctx.cancel = context.WithCancel(spanCtx)
	}
	context.AfterFunc(nctx.ctx, func() { nctx.expire(env) })

	if slot.def.Debug {
		nctx.log.DebugwCtx(nctx.ctx, "Rule node input",
			"message_type", env.Type,
			"generation", env.Ctx,
			"payload", env.Payload.Map(),
			"metadata", env.Metadata.Map(),
		)
	}

	defer func() {
		if p := recover(); p != nil {
			err := apperrors.RecoverPanic(p)
			nctx.log.ErrorwCtx(nctx.ctx, "Rule node panicked", "error", err)
			nctx.TellFailure(env, err)
		}
	}()
	if err := slot.node.Process(nctx, env); err != nil {
		nctx.TellFailure(env, err)
	}
}

// forward ends the current path and starts one path per edge matching
// labels. Every target receives its own copy of env.
func (r *Router) forward(base context.Context, tr *tracker, chain *Chain, from *nodeSlot, env models.Envelope, labels []string) {
	var targets []*nodeSlot
	for _, label := range labels {
		for _, id := range from.targets(label) {
			if slot, ok := chain.node(id); ok {
				targets = append(targets, slot)
			}
		}
	}
	if len(targets) == 0 {
		tr.pathEnd()
		return
	}

	tr.fork(len(targets))
	tr.pathEnd()
	for _, slot := range targets[1:] {
		slot, copied := slot, env.Copy()
		r.submit(func() { r.invoke(base, tr, chain, slot, copied) })
	}
	r.invoke(base, tr, chain, targets[0], env)
}

// failed follows the Failure edges of from, or fails the whole message when
// there are none.
func (r *Router) failed(base context.Context, tr *tracker, chain *Chain, from *nodeSlot, env models.Envelope, cause error) {
	if cause == nil {
		cause = errors.New("unspecified failure")
	}
	if len(from.targets(constants.RelationFailure)) == 0 {
		tr.fail(from.def.ID, cause)
		return
	}
	env = env.WithMetadataValue("error", cause.Error())
	r.forward(base, tr, chain, from, env, []string{constants.RelationFailure})
}

// Close stops accepting continuations and releases the worker pool.
func (r *Router) Close() {
	r.closeOnce.Do(func() {
		close(r.closing)
		r.pool.Release()
	})
}
