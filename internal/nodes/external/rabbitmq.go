package external

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const TransportRabbitMQ = "rabbitmq"

// RabbitMQDispatcher publishes persistent messages to the durable queue
// named by the delivery destination through the default exchange.
type RabbitMQDispatcher struct {
	url string

	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	declared map[string]bool
}

func NewRabbitMQDispatcher(url string) *RabbitMQDispatcher {
	return &RabbitMQDispatcher{url: url, declared: make(map[string]bool)}
}

func (d *RabbitMQDispatcher) Transport() string { return TransportRabbitMQ }

// channelFor returns an open channel with queue declared. Called with d.mu held.
func (d *RabbitMQDispatcher) channelFor(queue string) (*amqp.Channel, error) {
	if !strings.HasPrefix(d.url, "amqp://") && !strings.HasPrefix(d.url, "amqps://") {
		return nil, errors.New("rabbitmq url must start with 'amqp://' or 'amqps://'")
	}
	if d.conn == nil || d.conn.IsClosed() || d.channel == nil || d.channel.IsClosed() {
		d.closeLocked()
		conn, err := amqp.Dial(d.url)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to open a channel: %w", err)
		}
		d.conn, d.channel = conn, ch
		d.declared = make(map[string]bool)
	}
	if !d.declared[queue] {
		if _, err := d.channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
		}
		d.declared[queue] = true
	}
	return d.channel, nil
}

func (d *RabbitMQDispatcher) Dispatch(ctx context.Context, del Delivery) (Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ch, err := d.channelFor(del.Destination)
	if err != nil {
		return Outcome{}, err
	}

	headers := amqp.Table{}
	for k, v := range del.Headers {
		headers[k] = v
	}
	err = ch.PublishWithContext(ctx, "", del.Destination, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    del.MessageID,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         del.Payload,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to publish to RabbitMQ queue %s: %w", del.Destination, err)
	}
	return delivered, nil
}

func (d *RabbitMQDispatcher) closeLocked() {
	if d.channel != nil {
		_ = d.channel.Close()
		d.channel = nil
	}
	if d.conn != nil {
		_ = d.conn.Close()
		d.conn = nil
	}
}

func (d *RabbitMQDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()
	return nil
}
