package external

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"rulecore/pkg/metrics"
	"rulecore/pkg/tracing"
)

const TransportKafka = "kafka"

// KafkaDispatcher publishes to the topic named by the delivery destination.
type KafkaDispatcher struct {
	writer *kafka.Writer
}

func NewKafkaDispatcher(brokers []string) *KafkaDispatcher {
	return &KafkaDispatcher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		},
	}
}

func (d *KafkaDispatcher) Transport() string { return TransportKafka }

func (d *KafkaDispatcher) Dispatch(ctx context.Context, del Delivery) (Outcome, error) {
	start := time.Now()
	err := d.writer.WriteMessages(ctx, kafka.Message{
		Topic:   del.Destination,
		Key:     del.Key,
		Value:   del.Payload,
		Headers: tracing.ToKafkaHeaders(del.Headers),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to write message to kafka topic %s: %w", del.Destination, err)
	}
	metrics.ObserveKafkaWrite(del.Destination, time.Since(start))
	return delivered, nil
}

func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}
