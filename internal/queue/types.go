package queue

import (
	"context"
	"hash/fnv"
	"strconv"

	"rulecore/internal/constants"
	"rulecore/internal/partition"
	"rulecore/pkg/models"
)

// Record is one queue entry as seen by the consumer loop.
type Record struct {
	Key        partition.QueueKey
	Partition  int
	Offset     int64
	RoutingKey string
	Value      []byte
	Headers    map[string]string
}

// Consumer reads owned partitions. Assign must be called before the first
// Poll of a partition; it positions reading at the last committed offset.
type Consumer interface {
	Assign(ctx context.Context, key partition.QueueKey, partition int) error
	Unassign(key partition.QueueKey, partition int)
	Poll(ctx context.Context, key partition.QueueKey, partition int, max int) ([]Record, error)
	// Commit marks rec and everything before it in its partition as consumed.
	Commit(ctx context.Context, rec Record) error
	// Release rewinds the partition so that rec is delivered again.
	Release(ctx context.Context, rec Record) error
	Close() error
}

type Producer interface {
	Send(ctx context.Context, key partition.QueueKey, env models.Envelope, headers map[string]string) error
	Close() error
}

// Admin creates queue storage for a key.
type Admin interface {
	EnsureQueue(ctx context.Context, key partition.QueueKey, partitions int) error
}

type Broker interface {
	Consumer
	Producer
	Admin
}

// PartitionFor maps a routing key to a partition the same way the Kafka
// hash balancer does, so both brokers agree on placement.
func PartitionFor(routingKey string, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(routingKey))
	p := int32(h.Sum32()) % int32(partitions)
	if p < 0 {
		p = -p
	}
	return int(p)
}

// RoutingKey keeps all messages of one originator on one partition.
func RoutingKey(env models.Envelope) string {
	return env.Originator.ID
}

// EncodeRecord serializes env and returns the record headers for it.
func EncodeRecord(env models.Envelope, headers map[string]string) ([]byte, map[string]string, error) {
	body, err := models.EncodeEnvelope(env)
	if err != nil {
		return nil, nil, err
	}
	out := make(map[string]string, len(headers)+3)
	for k, v := range headers {
		out[k] = v
	}
	out[constants.HeaderMessageID] = env.ID.String()
	out[constants.HeaderTenantID] = env.TenantID
	out[constants.HeaderAttempt] = strconv.Itoa(env.Attempt)
	return body, out, nil
}

// DecodeRecord restores the envelope carried by rec.
func DecodeRecord(rec Record) (models.Envelope, error) {
	env, err := models.DecodeEnvelope(rec.Value)
	if err != nil {
		return models.Envelope{}, err
	}
	if env.QueueName == "" {
		env.QueueName = rec.Key.QueueName
	}
	return env, nil
}
