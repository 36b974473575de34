// Package ingest puts new messages on the rule-engine queues.
package ingest

import (
	"context"
	"fmt"
	"time"

	"rulecore/internal/constants"
	"rulecore/internal/logger"
	"rulecore/internal/partition"
	"rulecore/internal/queue"
	apperrors "rulecore/pkg/errors"
	"rulecore/pkg/metrics"
	"rulecore/pkg/models"
	"rulecore/pkg/retry"
)

// Ingestor enqueues envelopes on the queue that serves their tenant.
type Ingestor struct {
	producer     queue.Producer
	partitions   *partition.Service
	policy       retry.Policy
	defaultQueue string
	log          logger.Logger
}

func New(producer queue.Producer, partitions *partition.Service, policy retry.Policy, defaultQueue string, log logger.Logger) *Ingestor {
	if defaultQueue == "" {
		defaultQueue = constants.DefaultQueueName
	}
	return &Ingestor{
		producer:     producer,
		partitions:   partitions,
		policy:       policy,
		defaultQueue: defaultQueue,
		log:          log,
	}
}

// Submit validates env and sends it to env.QueueName, or the default
// queue. While the target partition has no owner the send is retried with
// backoff; ErrUnavailable is returned once the policy is exhausted.
func (i *Ingestor) Submit(ctx context.Context, env models.Envelope) (partition.QueueKey, error) {
	if err := models.ValidateEnvelope(&env); err != nil {
		return partition.QueueKey{}, apperrors.ErrValidation.WithMessage("%s", err.Error())
	}
	if env.QueueName == "" {
		env.QueueName = i.defaultQueue
	}

	key := i.partitions.ResolveQueueKey(env.TenantID, env.QueueName)
	n := i.partitions.Snapshot().Partitions(key)
	if n == 0 {
		return key, apperrors.ErrNotFound.WithMessage("queue %s is not registered", key)
	}
	p := queue.PartitionFor(queue.RoutingKey(env), n)

	headers := map[string]string{constants.HeaderTenantID: env.TenantID}
	err := retry.RetryWithCallback(ctx, i.policy, func() error {
		if _, ok := i.partitions.AssignmentFor(key, p); !ok {
			return apperrors.ErrUnavailable.WithMessage("partition %s/%d has no owner", key, p)
		}
		return i.producer.Send(ctx, key, env, headers)
	}, func(attempt int, err error, next time.Duration) {
		i.log.WarnwCtx(ctx, "Retrying enqueue", "queue", key.String(), "partition", p, "attempt", attempt, "next_delay", next, "error", err)
	})
	if err != nil {
		metrics.IngestedTotal.WithLabelValues(key.QueueName, "error").Inc()
		return key, fmt.Errorf("failed to enqueue message %s: %w", env.ID, err)
	}
	metrics.IngestedTotal.WithLabelValues(key.QueueName, "success").Inc()
	return key, nil
}
