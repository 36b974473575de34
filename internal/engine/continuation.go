package engine

import (
	"context"
	"time"

	"rulecore/internal/constants"
	apperrors "rulecore/pkg/errors"
	"rulecore/pkg/logging"
	"rulecore/pkg/metrics"
	"rulecore/pkg/models"
)

// continuation is deferred routing work detached from the queue record that
// produced it. Either targetNodeID is set (deliver to that node) or the
// envelope leaves fromNodeID by labels, or by its Failure edges when failure
// is set.
type continuation struct {
	tenantID     string
	fromNodeID   string
	targetNodeID string
	labels       []string
	failure      error
	env          models.Envelope
}

func (r *Router) enqueue(c continuation) {
	select {
	case <-r.closing:
		r.log.Warnw("Router closed, dropping continuation",
			"tenant_id", c.tenantID, "message_id", c.env.ID.String())
		return
	default:
	}
	select {
	case r.work <- c:
		metrics.ContinuationsPending.Inc()
	case <-r.closing:
		r.log.Warnw("Router closed, dropping continuation",
			"tenant_id", c.tenantID, "message_id", c.env.ID.String())
	}
}

// nodeEmitter sends a node's own emissions through the continuation queue.
type nodeEmitter struct {
	router   *Router
	tenantID string
	nodeID   string
}

func (e nodeEmitter) EnqueueForTellNext(env models.Envelope, labels ...string) {
	e.router.enqueue(continuation{tenantID: e.tenantID, fromNodeID: e.nodeID, labels: labels, env: env})
}

func (e nodeEmitter) EnqueueForTellFailure(env models.Envelope, err error) {
	e.router.enqueue(continuation{tenantID: e.tenantID, fromNodeID: e.nodeID, failure: err, env: env})
}

// Emitter implements EmitterSource.
func (r *Router) Emitter(tenantID, nodeID string) Emitter {
	return nodeEmitter{router: r, tenantID: tenantID, nodeID: nodeID}
}

func (r *Router) schedule(delay time.Duration, c continuation) {
	if delay <= 0 {
		r.enqueue(c)
		return
	}
	time.AfterFunc(delay, func() { r.enqueue(c) })
}

// Run drains the continuation queue until ctx is done.
func (r *Router) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.closing:
			return nil
		case c := <-r.work:
			metrics.ContinuationsPending.Dec()
			task := func() { r.runContinuation(ctx, c) }
			if err := r.pool.Submit(task); err != nil {
				// Running inline could block on enqueue into our own queue.
				go task()
			}
		}
	}
}

func (r *Router) runContinuation(ctx context.Context, c continuation) {
	base := logging.WithTenantID(context.WithoutCancel(ctx), c.tenantID)
	base = logging.WithMessageID(base, c.env.ID.String())

	sink := continuationSink{router: r, ctx: base, env: c.env}
	chain, ok := r.acquire(c.tenantID)
	if !ok {
		sink.OnFailure(apperrors.ErrNotFound.WithMessage("no rule chain for tenant %s", c.tenantID))
		return
	}

	nodeID := c.fromNodeID
	if c.targetNodeID != "" {
		nodeID = c.targetNodeID
	}
	slot, ok := chain.node(nodeID)
	if !ok {
		chain.release()
		sink.OnFailure(apperrors.ErrNotFound.WithMessage("node %s no longer exists in chain %s", nodeID, chain.ID()))
		return
	}

	env := c.env
	tr := newTracker(env.ID, sink, chain.release)
	switch {
	case c.targetNodeID != "":
		r.invoke(base, tr, chain, slot, env)
	case c.failure != nil:
		r.failed(base, tr, chain, slot, env, c.failure)
	default:
		labels := c.labels
		if len(labels) == 0 {
			labels = []string{constants.RelationSuccess}
		}
		r.forward(base, tr, chain, slot, env, labels)
	}
}

// continuationSink resolves continuations, which have no queue record to
// commit. Failures go to the audit log.
type continuationSink struct {
	router *Router
	ctx    context.Context
	env    models.Envelope
}

func (s continuationSink) OnSuccess() {}

func (s continuationSink) OnFailure(err error) {
	s.router.recordFailure(s.ctx, s.env, err)
}

func (r *Router) recordFailure(ctx context.Context, env models.Envelope, err error) {
	r.log.WarnwCtx(ctx, "Message failed", "error", err)
	if r.failures == nil {
		return
	}
	if recErr := r.failures.Record(ctx, NewFailureRecord(env, err)); recErr != nil {
		r.log.ErrorwCtx(ctx, "Failed to record message failure", "error", recErr)
	}
}

// RecordFailure writes a terminal failure of a queue record to the audit log.
func (r *Router) RecordFailure(ctx context.Context, env models.Envelope, err error) {
	r.recordFailure(ctx, env, err)
}
