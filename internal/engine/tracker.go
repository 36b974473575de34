package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	apperrors "rulecore/pkg/errors"
	"rulecore/pkg/models"
)

// NodeFailure is the terminal failure of a message: the node that failed
// without a Failure edge to take, and why.
type NodeFailure struct {
	NodeID string
	Cause  error
}

func (f *NodeFailure) Error() string {
	return fmt.Sprintf("rule node %s: %v", f.NodeID, f.Cause)
}

func (f *NodeFailure) Unwrap() error {
	return f.Cause
}

// FailureRecorder persists terminal failures for later inspection.
type FailureRecorder interface {
	Record(ctx context.Context, rec models.FailureRecord) error
}

// NewFailureRecord describes err as an audit entry for env.
func NewFailureRecord(env models.Envelope, err error) models.FailureRecord {
	rec := models.FailureRecord{
		TenantID:   env.TenantID,
		MessageID:  env.ID.String(),
		QueueName:  env.QueueName,
		Attempt:    env.Attempt,
		Code:       apperrors.Code(err),
		Reason:     err.Error(),
		OccurredAt: time.Now().UTC(),
	}
	var nf *NodeFailure
	if errors.As(err, &nf) {
		rec.NodeID = nf.NodeID
	}
	return rec
}

// tracker follows every path a single message takes through a chain. The
// callback is resolved exactly once: by the first Ack, the first terminal
// failure, or when the last path ends.
type tracker struct {
	msgID    uuid.UUID
	cb       models.Callback
	pending  atomic.Int64
	hops     atomic.Int64
	resolved atomic.Bool

	release     func()
	releaseOnce sync.Once
}

func newTracker(msgID uuid.UUID, cb models.Callback, release func()) *tracker {
	t := &tracker{msgID: msgID, cb: cb, release: release}
	t.pending.Store(1)
	return t
}

// fork registers n additional paths. It must be called before the path that
// forks ends.
func (t *tracker) fork(n int) {
	t.pending.Add(int64(n))
}

// hop counts one node invocation and returns the running total.
func (t *tracker) hop() int64 {
	return t.hops.Add(1)
}

func (t *tracker) pathEnd() {
	if t.pending.Add(-1) != 0 {
		return
	}
	if t.resolved.CompareAndSwap(false, true) {
		t.cb.OnSuccess()
	}
	t.releaseOnce.Do(t.release)
}

func (t *tracker) ack() {
	if t.resolved.CompareAndSwap(false, true) {
		t.cb.OnSuccess()
	}
}

// fail resolves the message as failed and ends the calling path.
func (t *tracker) fail(nodeID string, cause error) {
	if t.resolved.CompareAndSwap(false, true) {
		t.cb.OnFailure(&NodeFailure{NodeID: nodeID, Cause: cause})
	}
	t.pathEnd()
}

// CallbackFunc adapts a pair of functions to models.Callback.
type CallbackFunc struct {
	Success func()
	Failure func(err error)
}

func (c CallbackFunc) OnSuccess() {
	if c.Success != nil {
		c.Success()
	}
}

func (c CallbackFunc) OnFailure(err error) {
	if c.Failure != nil {
		c.Failure(err)
	}
}
