// Package external implements rule nodes that push messages to systems
// outside the rule engine.
package external

import (
	"context"
	"fmt"
	"time"

	"rulecore/internal/config"
	"rulecore/internal/store"
	"rulecore/pkg/circuitbreaker"
	"rulecore/pkg/metrics"
	"rulecore/pkg/models"
)

// Delivery is one message bound for an external destination.
type Delivery struct {
	MessageID   string
	NodeID      string
	Destination string
	Key         []byte
	Payload     []byte
	Headers     map[string]string
}

// Outcome describes what happened to a delivery that did not error.
type Outcome struct {
	Status string
	Detail string
}

var delivered = Outcome{Status: models.DeliveryDelivered}

// Dispatcher sends deliveries over one transport.
type Dispatcher interface {
	Transport() string
	Dispatch(ctx context.Context, d Delivery) (Outcome, error)
	Close() error
}

// IdempotentDispatcher suppresses repeated deliveries of the same message by
// the same node, as happens after a queue redelivery.
type IdempotentDispatcher struct {
	next Dispatcher
	repo store.IdempotencyRepository
	ttl  time.Duration
}

func NewIdempotentDispatcher(next Dispatcher, repo store.IdempotencyRepository, ttl time.Duration) *IdempotentDispatcher {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotentDispatcher{next: next, repo: repo, ttl: ttl}
}

func (d *IdempotentDispatcher) Transport() string { return d.next.Transport() }
func (d *IdempotentDispatcher) Close() error      { return d.next.Close() }

func (d *IdempotentDispatcher) Dispatch(ctx context.Context, del Delivery) (Outcome, error) {
	key := store.DeliveryKey(del.MessageID, del.NodeID)
	first, err := d.repo.Claim(ctx, key, d.ttl)
	if err != nil {
		return Outcome{}, fmt.Errorf("idempotency check failed: %w", err)
	}
	if !first {
		return Outcome{Status: models.DeliveryDuplicate, Detail: "already delivered"}, nil
	}

	out, err := d.next.Dispatch(ctx, del)
	if err != nil {
		// Release the claim so that a retry can deliver.
		if ferr := d.repo.Forget(context.WithoutCancel(ctx), key); ferr != nil {
			return out, fmt.Errorf("%w (and failed to release claim: %v)", err, ferr)
		}
		return out, err
	}
	return out, nil
}

// CircuitBreakerDispatcher stops calling a failing transport for a while.
type CircuitBreakerDispatcher struct {
	next Dispatcher
	cb   *circuitbreaker.Wrapper
}

func NewCircuitBreakerDispatcher(next Dispatcher, cfg config.CircuitBreakerConfig) Dispatcher {
	if !cfg.Enabled {
		return next
	}
	return &CircuitBreakerDispatcher{
		next: next,
		cb:   circuitbreaker.NewWrapper(circuitbreaker.FromSettings("external-"+next.Transport(), cfg.Settings)),
	}
}

func (d *CircuitBreakerDispatcher) Transport() string { return d.next.Transport() }
func (d *CircuitBreakerDispatcher) Close() error      { return d.next.Close() }

func (d *CircuitBreakerDispatcher) Dispatch(ctx context.Context, del Delivery) (Outcome, error) {
	out, err := circuitbreaker.Execute(ctx, d.cb, func() (Outcome, error) {
		return d.next.Dispatch(ctx, del)
	})
	if err != nil && d.cb.IsOpen() {
		return out, fmt.Errorf("circuit breaker is open for %s: %w", d.cb.Name(), err)
	}
	return out, err
}

// instrumented counts dispatches per transport and status.
type instrumented struct {
	Dispatcher
}

func (d instrumented) Dispatch(ctx context.Context, del Delivery) (Outcome, error) {
	out, err := d.Dispatcher.Dispatch(ctx, del)
	status := out.Status
	if err != nil {
		status = models.DeliveryFailed
	}
	metrics.ExternalDispatchTotal.WithLabelValues(d.Transport(), status).Inc()
	return out, err
}

// Wrap stacks the standard decorators around a transport dispatcher:
// metrics, then idempotency, then the circuit breaker closest to the wire.
func Wrap(d Dispatcher, repo store.IdempotencyRepository, ttl time.Duration, cb config.CircuitBreakerConfig) Dispatcher {
	d = NewCircuitBreakerDispatcher(d, cb)
	if repo != nil {
		d = NewIdempotentDispatcher(d, repo, ttl)
	}
	return instrumented{Dispatcher: d}
}
