// Package enginetest provides a recording engine.Context for node tests.
package enginetest

import (
	"context"
	"sync"
	"time"

	"rulecore/internal/engine"
	"rulecore/internal/logger"
	"rulecore/pkg/models"
)

// Kind of signal a node gave.
type Kind string

const (
	KindNext           Kind = "next"
	KindFailure        Kind = "failure"
	KindAck            Kind = "ack"
	KindEnqueueNext    Kind = "enqueue_next"
	KindEnqueueFailure Kind = "enqueue_failure"
	KindSelf           Kind = "self"
)

// Signal is one recorded call on the context.
type Signal struct {
	Kind   Kind
	Env    models.Envelope
	Labels []string
	Err    error
	Delay  time.Duration
}

var _ engine.Context = (*Context)(nil)

// Context records every signal instead of routing it.
type Context struct {
	Tenant string
	Node   string
	Force  bool
	Ctx    context.Context
	Log    logger.Logger

	mu      sync.Mutex
	signals []Signal
	notify  chan struct{}
}

func NewContext(tenantID, nodeID string) *Context {
	return &Context{
		Tenant: tenantID,
		Node:   nodeID,
		Ctx:    context.Background(),
		Log:    logger.NopLogger(),
		notify: make(chan struct{}, 1024),
	}
}

func (c *Context) record(s Signal) {
	c.mu.Lock()
	c.signals = append(c.signals, s)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Context) TellSuccess(env models.Envelope) {
	c.record(Signal{Kind: KindNext, Env: env, Labels: []string{"Success"}})
}

func (c *Context) TellNext(env models.Envelope, labels ...string) {
	c.record(Signal{Kind: KindNext, Env: env, Labels: labels})
}

func (c *Context) TellFailure(env models.Envelope, err error) {
	c.record(Signal{Kind: KindFailure, Env: env, Err: err})
}

func (c *Context) Ack(env models.Envelope) {
	c.record(Signal{Kind: KindAck, Env: env})
}

func (c *Context) EnqueueForTellNext(env models.Envelope, labels ...string) {
	c.record(Signal{Kind: KindEnqueueNext, Env: env, Labels: labels})
}

func (c *Context) EnqueueForTellFailure(env models.Envelope, err error) {
	c.record(Signal{Kind: KindEnqueueFailure, Env: env, Err: err})
}

func (c *Context) TellSelf(env models.Envelope, delay time.Duration) {
	c.record(Signal{Kind: KindSelf, Env: env, Delay: delay})
}

func (c *Context) Logger() logger.Logger    { return c.Log }
func (c *Context) TenantID() string         { return c.Tenant }
func (c *Context) NodeID() string           { return c.Node }
func (c *Context) SelfID() string           { return c.Node }
func (c *Context) Context() context.Context { return c.Ctx }
func (c *Context) ForceAck() bool           { return c.Force }

// Signals returns everything recorded so far.
func (c *Context) Signals() []Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Signal(nil), c.signals...)
}

// Of returns the recorded signals of one kind.
func (c *Context) Of(kind Kind) []Signal {
	var out []Signal
	for _, s := range c.Signals() {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// WaitFor blocks until n signals of kind were recorded or timeout passes.
func (c *Context) WaitFor(kind Kind, n int, timeout time.Duration) []Signal {
	deadline := time.After(timeout)
	for {
		if got := c.Of(kind); len(got) >= n {
			return got
		}
		select {
		case <-c.notify:
		case <-deadline:
			return c.Of(kind)
		}
	}
}
