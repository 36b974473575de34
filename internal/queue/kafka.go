package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"rulecore/internal/config"
	"rulecore/internal/constants"
	"rulecore/internal/logger"
	"rulecore/internal/partition"
	"rulecore/pkg/metrics"
	"rulecore/pkg/models"
	"rulecore/pkg/tracing"
)

type readerKey struct {
	key       partition.QueueKey
	partition int
}

// KafkaBroker maps each queue key to a topic and reads assigned partitions
// with one partition-bound reader each. Offsets are committed to the
// consumer group outside of group membership, since ownership comes from
// the partition service rather than from Kafka rebalancing.
type KafkaBroker struct {
	cfg    config.KafkaConfig
	client *kafka.Client
	writer *kafka.Writer
	log    logger.Logger

	mu      sync.Mutex
	readers map[readerKey]*kafka.Reader
}

func NewKafkaBroker(cfg config.KafkaConfig, log logger.Logger) *KafkaBroker {
	return &KafkaBroker{
		cfg: cfg,
		client: &kafka.Client{
			Addr:    kafka.TCP(cfg.Brokers...),
			Timeout: constants.KafkaWriteTimeout,
		},
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.Hash{},
			BatchTimeout:           constants.KafkaBatchTimeout,
			WriteTimeout:           constants.KafkaWriteTimeout,
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		log:     log,
		readers: make(map[readerKey]*kafka.Reader),
	}
}

func (b *KafkaBroker) topic(key partition.QueueKey) string {
	return key.Topic(b.cfg.TopicPrefix)
}

func (b *KafkaBroker) EnsureQueue(ctx context.Context, key partition.QueueKey, partitions int) error {
	topic := b.topic(key)
	resp, err := b.client.CreateTopics(ctx, &kafka.CreateTopicsRequest{
		Topics: []kafka.TopicConfig{{
			Topic:             topic,
			NumPartitions:     partitions,
			ReplicationFactor: 1,
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	if topicErr := resp.Errors[topic]; topicErr != nil && !errors.Is(topicErr, kafka.TopicAlreadyExists) {
		return fmt.Errorf("failed to create topic %s: %w", topic, topicErr)
	}
	return nil
}

func (b *KafkaBroker) Send(ctx context.Context, key partition.QueueKey, env models.Envelope, headers map[string]string) error {
	body, hdrs, err := EncodeRecord(env, headers)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	hdrs = tracing.Inject(ctx, hdrs)

	topic := b.topic(key)
	start := time.Now()
	err = b.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(RoutingKey(env)),
		Value:   body,
		Headers: tracing.ToKafkaHeaders(hdrs),
		Time:    env.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}
	metrics.ObserveKafkaWrite(topic, time.Since(start))
	return nil
}

func (b *KafkaBroker) Assign(ctx context.Context, key partition.QueueKey, p int) error {
	topic := b.topic(key)
	offset, err := b.committedOffset(ctx, topic, p)
	if err != nil {
		return err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   b.cfg.Brokers,
		Topic:     topic,
		Partition: p,
		MinBytes:  b.cfg.MinBytes,
		MaxBytes:  b.cfg.MaxBytes,
		MaxWait:   constants.KafkaReadTimeout,
	})
	if err := reader.SetOffset(offset); err != nil {
		_ = reader.Close()
		return fmt.Errorf("failed to seek %s/%d to %d: %w", topic, p, offset, err)
	}

	b.mu.Lock()
	if old, ok := b.readers[readerKey{key, p}]; ok {
		_ = old.Close()
	}
	b.readers[readerKey{key, p}] = reader
	b.mu.Unlock()

	b.log.Infow("Assigned kafka partition", "topic", topic, "partition", p, "offset", offset)
	return nil
}

func (b *KafkaBroker) committedOffset(ctx context.Context, topic string, p int) (int64, error) {
	resp, err := b.client.OffsetFetch(ctx, &kafka.OffsetFetchRequest{
		GroupID: b.cfg.GroupID,
		Topics:  map[string][]int{topic: {p}},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to fetch committed offset for %s/%d: %w", topic, p, err)
	}
	if resp.Error != nil {
		return 0, fmt.Errorf("failed to fetch committed offset for %s/%d: %w", topic, p, resp.Error)
	}
	for _, part := range resp.Topics[topic] {
		if part.Partition == p && part.Error == nil && part.CommittedOffset >= 0 {
			return part.CommittedOffset, nil
		}
	}
	return kafka.FirstOffset, nil
}

func (b *KafkaBroker) reader(key partition.QueueKey, p int) (*kafka.Reader, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.readers[readerKey{key, p}]
	if !ok {
		return nil, fmt.Errorf("partition %s/%d is not assigned", key, p)
	}
	return r, nil
}

func (b *KafkaBroker) Unassign(key partition.QueueKey, p int) {
	b.mu.Lock()
	r, ok := b.readers[readerKey{key, p}]
	delete(b.readers, readerKey{key, p})
	b.mu.Unlock()
	if ok {
		if err := r.Close(); err != nil {
			b.log.Warnw("Failed to close kafka reader", "queue", key.String(), "partition", p, "error", err)
		}
	}
}

// Poll waits up to the reader's MaxWait for the first record and then drains
// whatever is already buffered, up to max records.
func (b *KafkaBroker) Poll(ctx context.Context, key partition.QueueKey, p int, max int) ([]Record, error) {
	r, err := b.reader(key, p)
	if err != nil {
		return nil, err
	}

	var out []Record
	wait := constants.KafkaReadTimeout
	for len(out) < max {
		fetchCtx, cancel := context.WithTimeout(ctx, wait)
		m, err := r.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return out, nil
			}
			return out, fmt.Errorf("failed to fetch from %s/%d: %w", r.Config().Topic, p, err)
		}
		metrics.IncKafkaMessagesRead(m.Topic, m.Partition)
		out = append(out, Record{
			Key:        key,
			Partition:  m.Partition,
			Offset:     m.Offset,
			RoutingKey: string(m.Key),
			Value:      m.Value,
			Headers:    tracing.FromKafkaHeaders(m.Headers),
		})
		wait = 5 * time.Millisecond
	}
	return out, nil
}

func (b *KafkaBroker) Commit(ctx context.Context, rec Record) error {
	topic := b.topic(rec.Key)
	resp, err := b.client.OffsetCommit(ctx, &kafka.OffsetCommitRequest{
		GroupID:      b.cfg.GroupID,
		GenerationID: -1,
		Topics: map[string][]kafka.OffsetCommit{
			topic: {{Partition: rec.Partition, Offset: rec.Offset + 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to commit %s/%d@%d: %w", topic, rec.Partition, rec.Offset, err)
	}
	for _, part := range resp.Topics[topic] {
		if part.Error != nil {
			return fmt.Errorf("failed to commit %s/%d@%d: %w", topic, rec.Partition, rec.Offset, part.Error)
		}
	}
	return nil
}

func (b *KafkaBroker) Release(_ context.Context, rec Record) error {
	r, err := b.reader(rec.Key, rec.Partition)
	if err != nil {
		return err
	}
	return r.SetOffset(rec.Offset)
}

func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	readers := b.readers
	b.readers = make(map[readerKey]*kafka.Reader)
	b.mu.Unlock()

	var errs []error
	for _, r := range readers {
		errs = append(errs, r.Close())
	}
	errs = append(errs, b.writer.Close())
	return errors.Join(errs...)
}
