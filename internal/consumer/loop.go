// Package consumer drives records from owned queue partitions through the
// rule engine and commits them once their processing has resolved.
package consumer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"rulecore/internal/config"
	"rulecore/internal/constants"
	"rulecore/internal/logger"
	"rulecore/internal/partition"
	"rulecore/internal/queue"
	apperrors "rulecore/pkg/errors"
	"rulecore/pkg/logging"
	"rulecore/pkg/metrics"
	"rulecore/pkg/models"
	"rulecore/pkg/retry"
	"rulecore/pkg/tracing"
)

// Router is the part of the rule engine the consumer drives.
type Router interface {
	Route(ctx context.Context, tenantID, entryNodeID string, env models.Envelope, cb models.Callback)
	RecordFailure(ctx context.Context, env models.Envelope, err error)
}

type outcome int

const (
	// outcomeCommit covers success and terminal failure.
	outcomeCommit outcome = iota
	outcomeRelease
	outcomeDiscard
)

var assignPolicy = retry.Policy{
	MaxAttempts:     5,
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     5 * time.Second,
	Multiplier:      2,
}

// result receives the record completion exactly once.
type result chan error

func (r result) OnSuccess()          { r <- nil }
func (r result) OnFailure(err error) { r <- err }

// PartitionLoop consumes one partition of one queue.
type PartitionLoop struct {
	key       partition.QueueKey
	partition int
	consumer  queue.Consumer
	router    Router
	cfg       config.ConsumerConfig
	log       logger.Logger

	stats   stats
	revoked atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	commitMu  sync.Mutex
	committed int64

	releaseMu sync.Mutex
	releases  map[int64]int
}

func newPartitionLoop(key partition.QueueKey, p int, c queue.Consumer, r Router, cfg config.ConsumerConfig, log logger.Logger) *PartitionLoop {
	return &PartitionLoop{
		key:       key,
		partition: p,
		consumer:  c,
		router:    r,
		cfg:       cfg,
		log:       log.With("queue", key.String(), "partition", p),
		done:      make(chan struct{}),
		committed: -1,
		releases:  make(map[int64]int),
	}
}

func (l *PartitionLoop) run(ctx context.Context) {
	defer close(l.done)
	ctx = logging.WithQueueKey(ctx, l.key.String())

	err := retry.Retry(ctx, assignPolicy, func() error {
		return l.consumer.Assign(ctx, l.key, l.partition)
	})
	if err != nil {
		if ctx.Err() == nil {
			l.log.Errorw("Failed to assign partition", "error", err)
		}
		return
	}
	defer l.consumer.Unassign(l.key, l.partition)
	l.log.Infow("Started consuming partition", "mode", l.cfg.Mode)

	for {
		if ctx.Err() != nil {
			l.log.Infow("Stopped consuming partition", "reason", "revoked or shutdown")
			return
		}

		recs, err := l.consumer.Poll(ctx, l.key, l.partition, l.cfg.MaxPollRecords)
		if err != nil {
			if ctx.Err() == nil {
				l.log.Errorw("Error polling partition", "error", err)
				sleep(ctx, time.Second)
			}
			continue
		}
		if len(recs) == 0 {
			sleep(ctx, l.cfg.PollInterval)
			continue
		}

		var released *queue.Record
		if l.cfg.Mode == config.ModePipelined {
			released = l.pipelined(ctx, recs)
		} else {
			released = l.sequential(ctx, recs)
		}
		if released != nil && ctx.Err() == nil {
			if err := l.consumer.Release(ctx, *released); err != nil {
				l.log.Errorw("Failed to release record", "offset", released.Offset, "error", err)
			}
		}
	}
}

// sequential resolves one record before starting the next. A released
// record ends the batch since everything after it will be redelivered.
func (l *PartitionLoop) sequential(ctx context.Context, recs []queue.Record) *queue.Record {
	t := &commitTracker{}
	for i := range recs {
		t.track(recs[i])
		switch l.handle(ctx, t, recs[i]) {
		case outcomeRelease:
			return &recs[i]
		case outcomeDiscard:
			return nil
		}
	}
	return nil
}

// pipelined submits the whole batch, at most MaxInFlight at a time, and
// waits for all of it. It returns the earliest released record.
func (l *PartitionLoop) pipelined(ctx context.Context, recs []queue.Record) *queue.Record {
	t := &commitTracker{}
	for _, rec := range recs {
		t.track(rec)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		earliest *queue.Record
	)
	sem := make(chan struct{}, l.cfg.MaxInFlight)
	for i := range recs {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return nil
		}
		wg.Add(1)
		go func(rec *queue.Record) {
			defer wg.Done()
			defer func() { <-sem }()
			if l.handle(ctx, t, *rec) == outcomeRelease {
				mu.Lock()
				if earliest == nil || rec.Offset < earliest.Offset {
					earliest = rec
				}
				mu.Unlock()
			}
		}(&recs[i])
	}
	wg.Wait()
	return earliest
}

func (l *PartitionLoop) handle(ctx context.Context, t *commitTracker, rec queue.Record) outcome {
	l.stats.total.Add(1)
	out := l.process(ctx, rec)
	if out == outcomeCommit && (l.revoked.Load() || ctx.Err() != nil) {
		out = outcomeDiscard
	}

	switch out {
	case outcomeDiscard:
		l.stats.discarded.Add(1)
		metrics.DiscardedAcksTotal.WithLabelValues(l.key.String()).Inc()
	case outcomeRelease:
		t.hold(rec.Offset)
	case outcomeCommit:
		if last, ok := t.resolve(rec.Offset); ok {
			l.commit(ctx, last)
		}
	}
	return out
}

func (l *PartitionLoop) commit(ctx context.Context, rec queue.Record) {
	l.commitMu.Lock()
	defer l.commitMu.Unlock()
	if rec.Offset <= l.committed {
		return
	}
	if err := l.consumer.Commit(ctx, rec); err != nil {
		metrics.IncCommit(l.key.String(), "error")
		l.log.Errorw("Failed to commit record", "offset", rec.Offset, "error", err)
		return
	}
	l.committed = rec.Offset
	metrics.IncCommit(l.key.String(), "success")
}

// process routes one record until it succeeds, is handed back, or fails
// terminally.
func (l *PartitionLoop) process(ctx context.Context, rec queue.Record) outcome {
	queueName := l.key.String()
	env, err := queue.DecodeRecord(rec)
	if err != nil {
		l.log.ErrorwCtx(ctx, "Failed to decode record, committing", "offset", rec.Offset, "error", err)
		l.stats.failed.Add(1)
		metrics.IncMessageOutcome(queueName, "poison")
		l.router.RecordFailure(ctx, poisonEnvelope(rec),
			apperrors.ErrValidation.WithMessage("undecodable record at offset %d", rec.Offset).WithCause(err))
		return outcomeCommit
	}

	rctx, span := tracing.StartRecordSpan(ctx, queueName, l.partition, rec.Headers)
	defer span.End()
	rctx = logging.WithMessageID(logging.WithTenantID(rctx, env.TenantID), env.ID.String())

	for attempt := env.Attempt + l.releasedCount(rec.Offset) + 1; ; attempt++ {
		env.Attempt = attempt
		err := l.route(rctx, env)
		if err == nil {
			l.stats.succeeded.Add(1)
			metrics.IncMessageOutcome(queueName, "success")
			l.forgetRelease(rec.Offset)
			return outcomeCommit
		}
		if ctx.Err() != nil {
			return outcomeDiscard
		}
		if errors.Is(err, apperrors.ErrNodeTimeout) {
			l.stats.timedOut.Add(1)
		}

		if retryable(err) && !l.cfg.Retry.Exhausted(attempt) {
			switch l.cfg.Retry.Strategy {
			case config.StrategyRetryFailed:
				delay := l.cfg.Retry.Delay(attempt)
				l.stats.retried.Add(1)
				metrics.RetryAttemptsTotal.WithLabelValues(constants.ServiceName, queueName).Inc()
				l.log.WarnwCtx(rctx, "Retrying record", "offset", rec.Offset, "attempt", attempt, "delay", delay, "error", err)
				if !sleep(ctx, delay) {
					return outcomeDiscard
				}
				continue
			case config.StrategyRelease:
				l.stats.released.Add(1)
				l.markReleased(rec.Offset)
				metrics.IncMessageOutcome(queueName, "released")
				l.log.WarnwCtx(rctx, "Releasing record for redelivery", "offset", rec.Offset, "attempt", attempt, "error", err)
				return outcomeRelease
			}
		}

		l.stats.failed.Add(1)
		l.forgetRelease(rec.Offset)
		metrics.IncMessageOutcome(queueName, "failed")
		l.router.RecordFailure(rctx, env, err)
		return outcomeCommit
	}
}

// route submits env and waits for its resolution. A record unresolved after
// the pack processing timeout counts as a failed attempt.
func (l *PartitionLoop) route(ctx context.Context, env models.Envelope) error {
	res := make(result, 1)
	l.router.Route(ctx, env.TenantID, "", env, res)

	var timeout <-chan time.Time
	if l.cfg.PackProcessingTimeout > 0 {
		timer := time.NewTimer(l.cfg.PackProcessingTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case err := <-res:
		return err
	case <-timeout:
		return apperrors.ErrNodeTimeout.WithMessage("message %s not resolved within %s", env.ID, l.cfg.PackProcessingTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *PartitionLoop) releasedCount(offset int64) int {
	l.releaseMu.Lock()
	defer l.releaseMu.Unlock()
	return l.releases[offset]
}

func (l *PartitionLoop) markReleased(offset int64) {
	l.releaseMu.Lock()
	defer l.releaseMu.Unlock()
	l.releases[offset]++
}

func (l *PartitionLoop) forgetRelease(offset int64) {
	l.releaseMu.Lock()
	defer l.releaseMu.Unlock()
	delete(l.releases, offset)
}

func (l *PartitionLoop) stop() {
	l.revoked.Store(true)
	l.cancel()
}

func retryable(err error) bool {
	var fatal apperrors.FatalError
	if errors.As(err, &fatal) && fatal.IsFatal() {
		return false
	}
	return true
}

func poisonEnvelope(rec queue.Record) models.Envelope {
	env := models.Envelope{
		TenantID:  rec.Headers[constants.HeaderTenantID],
		QueueName: rec.Key.QueueName,
	}
	if id, err := uuid.Parse(rec.Headers[constants.HeaderMessageID]); err == nil {
		env.ID = id
	}
	return env
}

// sleep waits d or until ctx is done and reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
