package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"rulecore/internal/constants"
	"rulecore/internal/logger"
	apperrors "rulecore/pkg/errors"
	"rulecore/pkg/metrics"
	"rulecore/pkg/models"
)

// Context is what a node sees while processing one envelope. Exactly one of
// TellSuccess, TellNext, TellFailure or Ack settles the invocation; later
// calls are ignored, except that emissions after Ack are turned into
// continuations.
type Context interface {
	TellSuccess(env models.Envelope)
	TellNext(env models.Envelope, labels ...string)
	TellFailure(env models.Envelope, err error)
	// Ack resolves the queue record as processed right away.
	Ack(env models.Envelope)

	EnqueueForTellNext(env models.Envelope, labels ...string)
	EnqueueForTellFailure(env models.Envelope, err error)
	// TellSelf delivers env back to this node after delay. Not durable.
	TellSelf(env models.Envelope, delay time.Duration)

	Logger() logger.Logger
	TenantID() string
	NodeID() string
	SelfID() string
	Context() context.Context
	ForceAck() bool
}

type nodeContext struct {
	router  *Router
	tracker *tracker
	chain   *Chain
	slot    *nodeSlot
	log     logger.Logger

	base   context.Context
	ctx    context.Context
	cancel context.CancelFunc
	start  time.Time

	settled atomic.Bool
	acked   atomic.Bool
}

func (c *nodeContext) settle(outcome string) bool {
	if !c.settled.CompareAndSwap(false, true) {
		return false
	}
	c.cancel()
	metrics.ObserveNode(c.slot.def.Type, outcome, time.Since(c.start))
	return true
}

func (c *nodeContext) TellSuccess(env models.Envelope) {
	c.TellNext(env, constants.RelationSuccess)
}

func (c *nodeContext) TellNext(env models.Envelope, labels ...string) {
	if c.acked.Load() {
		c.EnqueueForTellNext(env, labels...)
		return
	}
	if !c.settle("next") {
		c.log.Debugw("Ignoring outcome of settled invocation", "message_id", env.ID.String())
		return
	}
	c.router.forward(c.base, c.tracker, c.chain, c.slot, env, labels)
}

func (c *nodeContext) TellFailure(env models.Envelope, err error) {
	if c.acked.Load() {
		c.EnqueueForTellFailure(env, err)
		return
	}
	if !c.settle("failure") {
		c.log.Debugw("Ignoring failure of settled invocation", "message_id", env.ID.String(), "error", err)
		return
	}
	c.router.failed(c.base, c.tracker, c.chain, c.slot, env, err)
}

func (c *nodeContext) Ack(env models.Envelope) {
	if !c.acked.CompareAndSwap(false, true) {
		return
	}
	c.tracker.ack()
	if c.settle("ack") {
		c.tracker.pathEnd()
	}
}

func (c *nodeContext) EnqueueForTellNext(env models.Envelope, labels ...string) {
	c.router.enqueue(continuation{
		tenantID:   c.chain.TenantID(),
		fromNodeID: c.slot.def.ID,
		labels:     labels,
		env:        env,
	})
}

func (c *nodeContext) EnqueueForTellFailure(env models.Envelope, err error) {
	c.router.enqueue(continuation{
		tenantID:   c.chain.TenantID(),
		fromNodeID: c.slot.def.ID,
		failure:    err,
		env:        env,
	})
}

func (c *nodeContext) TellSelf(env models.Envelope, delay time.Duration) {
	c.router.schedule(delay, continuation{
		tenantID:     c.chain.TenantID(),
		targetNodeID: c.slot.def.ID,
		env:          env,
	})
}

func (c *nodeContext) Logger() logger.Logger    { return c.log }
func (c *nodeContext) TenantID() string         { return c.chain.TenantID() }
func (c *nodeContext) NodeID() string           { return c.slot.def.ID }
func (c *nodeContext) SelfID() string           { return c.slot.def.ID }
func (c *nodeContext) Context() context.Context { return c.ctx }
func (c *nodeContext) ForceAck() bool           { return c.router.cfg.ForceAck }

// expire runs when the invocation context ends before an outcome was given.
func (c *nodeContext) expire(env models.Envelope) {
	err := c.ctx.Err()
	outcome := "cancelled"
	if errors.Is(err, context.DeadlineExceeded) {
		err = apperrors.ErrNodeTimeout.WithMessage("rule node %s did not respond within %s", c.slot.def.ID, c.router.cfg.NodeTimeout)
		outcome = "timeout"
	}
	if !c.settle(outcome) {
		return
	}
	c.log.Warnw("Rule node invocation expired", "message_id", env.ID.String(), "error", err)
	c.router.failed(c.base, c.tracker, c.chain, c.slot, env, err)
}
