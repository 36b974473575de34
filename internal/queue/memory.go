package queue

import (
	"context"
	"fmt"
	"sync"

	"rulecore/internal/partition"
	"rulecore/pkg/models"
)

type memPartition struct {
	records   []Record
	committed int64
	position  int64
}

// MemoryBroker is an in-process partitioned log with a single consumer group.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[partition.QueueKey][]*memPartition
	closed bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{queues: make(map[partition.QueueKey][]*memPartition)}
}

func (b *MemoryBroker) EnsureQueue(_ context.Context, key partition.QueueKey, partitions int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing := b.queues[key]
	for len(existing) < partitions {
		existing = append(existing, &memPartition{})
	}
	b.queues[key] = existing
	return nil
}

func (b *MemoryBroker) partition(key partition.QueueKey, p int) (*memPartition, error) {
	parts, ok := b.queues[key]
	if !ok || p < 0 || p >= len(parts) {
		return nil, fmt.Errorf("unknown partition %s/%d", key, p)
	}
	return parts[p], nil
}

func (b *MemoryBroker) Send(ctx context.Context, key partition.QueueKey, env models.Envelope, headers map[string]string) error {
	body, hdrs, err := EncodeRecord(env, headers)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("broker closed")
	}
	parts, ok := b.queues[key]
	if !ok {
		return fmt.Errorf("unknown queue %s", key)
	}

	routingKey := RoutingKey(env)
	mp := parts[PartitionFor(routingKey, len(parts))]
	mp.records = append(mp.records, Record{
		Key:        key,
		Partition:  PartitionFor(routingKey, len(parts)),
		Offset:     int64(len(mp.records)),
		RoutingKey: routingKey,
		Value:      body,
		Headers:    hdrs,
	})
	return nil
}

// AppendRaw writes value to partition p as is, bypassing envelope encoding.
func (b *MemoryBroker) AppendRaw(key partition.QueueKey, p int, value []byte, headers map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	mp, err := b.partition(key, p)
	if err != nil {
		return err
	}
	mp.records = append(mp.records, Record{
		Key:       key,
		Partition: p,
		Offset:    int64(len(mp.records)),
		Value:     value,
		Headers:   headers,
	})
	return nil
}

func (b *MemoryBroker) Assign(_ context.Context, key partition.QueueKey, p int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	mp, err := b.partition(key, p)
	if err != nil {
		return err
	}
	mp.position = mp.committed
	return nil
}

func (b *MemoryBroker) Unassign(partition.QueueKey, int) {}

func (b *MemoryBroker) Poll(ctx context.Context, key partition.QueueKey, p int, max int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	mp, err := b.partition(key, p)
	if err != nil {
		return nil, err
	}

	end := mp.position + int64(max)
	if end > int64(len(mp.records)) {
		end = int64(len(mp.records))
	}
	if mp.position >= end {
		return nil, nil
	}
	out := append([]Record(nil), mp.records[mp.position:end]...)
	mp.position = end
	return out, nil
}

func (b *MemoryBroker) Commit(_ context.Context, rec Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	mp, err := b.partition(rec.Key, rec.Partition)
	if err != nil {
		return err
	}
	if rec.Offset+1 > mp.committed {
		mp.committed = rec.Offset + 1
	}
	return nil
}

func (b *MemoryBroker) Release(_ context.Context, rec Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	mp, err := b.partition(rec.Key, rec.Partition)
	if err != nil {
		return err
	}
	if rec.Offset < mp.position {
		mp.position = rec.Offset
	}
	return nil
}

// Committed returns the next offset the group will read after a restart.
func (b *MemoryBroker) Committed(key partition.QueueKey, p int) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	mp, err := b.partition(key, p)
	if err != nil {
		return 0
	}
	return mp.committed
}

// Len returns the number of records ever written to the partition.
func (b *MemoryBroker) Len(key partition.QueueKey, p int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	mp, err := b.partition(key, p)
	if err != nil {
		return 0
	}
	return len(mp.records)
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
