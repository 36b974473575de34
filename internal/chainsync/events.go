package chainsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"rulecore/internal/config"
	"rulecore/internal/constants"
	"rulecore/internal/logger"
	"rulecore/pkg/models"
	"rulecore/pkg/tracing"
)

// HandlerFunc processes one chain event.
type HandlerFunc func(ctx context.Context, ev models.ChainEvent) error

// Publisher announces chain events to every node of the cluster.
type Publisher interface {
	Publish(ctx context.Context, ev models.ChainEvent) error
	Close() error
}

// Source delivers chain events published by any node, this one included.
type Source interface {
	Run(ctx context.Context, handler HandlerFunc) error
	Close() error
}

// KafkaEvents carries chain events over the config update topic. Every node
// reads with its own consumer group so that each one sees every event.
type KafkaEvents struct {
	cfg    config.KafkaConfig
	nodeID string
	writer *kafka.Writer
	log    logger.Logger

	mu     sync.Mutex
	reader *kafka.Reader
}

func NewKafkaEvents(cfg config.KafkaConfig, nodeID string, log logger.Logger) *KafkaEvents {
	return &KafkaEvents{
		cfg:    cfg,
		nodeID: nodeID,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.ConfigUpdateTopic,
			Balancer:               &kafka.LeastBytes{},
			BatchTimeout:           constants.KafkaBatchTimeout,
			WriteTimeout:           constants.KafkaWriteTimeout,
			AllowAutoTopicCreation: true,
		},
		log: log,
	}
}

func (k *KafkaEvents) Publish(ctx context.Context, ev models.ChainEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal chain event: %w", err)
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(ev.TenantID),
		Value:   body,
		Headers: tracing.ToKafkaHeaders(tracing.Inject(ctx, nil)),
		Time:    ev.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to publish chain event: %w", err)
	}
	return nil
}

func (k *KafkaEvents) Run(ctx context.Context, handler HandlerFunc) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.cfg.Brokers,
		GroupID:     fmt.Sprintf("%s-config-%s", k.cfg.GroupID, k.nodeID),
		Topic:       k.cfg.ConfigUpdateTopic,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     constants.KafkaReadTimeout,
	})
	k.mu.Lock()
	k.reader = reader
	k.mu.Unlock()
	defer reader.Close()

	k.log.Infow("Started consuming chain events", "topic", k.cfg.ConfigUpdateTopic)
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				k.log.Infow("Stopped consuming chain events", "reason", "context canceled")
				return nil
			}
			k.log.Errorw("Error fetching chain event", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		var ev models.ChainEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			k.log.Errorw("Failed to unmarshal chain event", "error", err, "offset", m.Offset)
		} else {
			msgCtx := tracing.Extract(ctx, tracing.FromKafkaHeaders(m.Headers))
			if err := handler(msgCtx, ev); err != nil {
				k.log.Errorw("Failed to handle chain event",
					"error", err,
					"event_type", ev.EventType,
					"tenant_id", ev.TenantID,
				)
			}
		}
		if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			k.log.Errorw("Failed to commit chain event", "error", err)
		}
	}
}

func (k *KafkaEvents) Close() error {
	return k.writer.Close()
}

// MemoryEvents fans events out to in-process subscribers.
type MemoryEvents struct {
	mu   sync.Mutex
	subs []chan models.ChainEvent
}

func NewMemoryEvents() *MemoryEvents {
	return &MemoryEvents{}
}

func (m *MemoryEvents) Publish(ctx context.Context, ev models.ChainEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	m.mu.Lock()
	subs := append([]chan models.ChainEvent(nil), m.subs...)
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *MemoryEvents) Run(ctx context.Context, handler HandlerFunc) error {
	ch := make(chan models.ChainEvent, 64)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	defer m.unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-ch:
			_ = handler(ctx, ev)
		}
	}
}

func (m *MemoryEvents) unsubscribe(ch chan models.ChainEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.subs {
		if c == ch {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			return
		}
	}
}

// Subscribers reports how many Run loops are attached.
func (m *MemoryEvents) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *MemoryEvents) Close() error { return nil }
