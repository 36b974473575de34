package external

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"rulecore/internal/config"
)

const TransportNATS = "nats"

// NATSDispatcher publishes to the subject named by the delivery destination
// and flushes so that a returned nil means the server has the message.
type NATSDispatcher struct {
	url  string
	opts []nats.Option

	mu   sync.Mutex
	conn *nats.Conn
}

func NewNATSDispatcher(cfg config.NATSConfig) *NATSDispatcher {
	opts := []nats.Option{nats.Name("rule-engine")}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	} else if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	return &NATSDispatcher{url: cfg.URL, opts: opts}
}

func (d *NATSDispatcher) Transport() string { return TransportNATS }

func (d *NATSDispatcher) connect() (*nats.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil && !d.conn.IsClosed() {
		return d.conn, nil
	}
	nc, err := nats.Connect(d.url, d.opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	d.conn = nc
	return nc, nil
}

func (d *NATSDispatcher) Dispatch(ctx context.Context, del Delivery) (Outcome, error) {
	nc, err := d.connect()
	if err != nil {
		return Outcome{}, err
	}

	msg := nats.NewMsg(del.Destination)
	msg.Data = del.Payload
	for k, v := range del.Headers {
		msg.Header.Set(k, v)
	}
	if err := nc.PublishMsg(msg); err != nil {
		return Outcome{}, fmt.Errorf("failed to publish to NATS subject %s: %w", del.Destination, err)
	}
	if err := nc.FlushWithContext(ctx); err != nil {
		return Outcome{}, fmt.Errorf("failed to flush NATS connection: %w", err)
	}
	return delivered, nil
}

func (d *NATSDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
	return nil
}
