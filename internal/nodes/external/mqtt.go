package external

import (
	"context"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"rulecore/internal/config"
)

const TransportMQTT = "mqtt"

// MQTTDispatcher publishes to the topic named by the delivery destination.
// The connection is opened on first use and re-opened after it drops.
type MQTTDispatcher struct {
	opts    *paho.ClientOptions
	qos     byte
	timeout time.Duration

	mu     sync.Mutex
	client paho.Client
}

func NewMQTTDispatcher(cfg config.MQTTConfig) *MQTTDispatcher {
	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &MQTTDispatcher{opts: opts, qos: cfg.QoS, timeout: timeout}
}

func (d *MQTTDispatcher) Transport() string { return TransportMQTT }

func (d *MQTTDispatcher) connect() (paho.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil && d.client.IsConnectionOpen() {
		return d.client, nil
	}
	c := paho.NewClient(d.opts)
	token := c.Connect()
	if !token.WaitTimeout(d.timeout) {
		return nil, fmt.Errorf("mqtt: connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect failed: %w", err)
	}
	d.client = c
	return c, nil
}

func (d *MQTTDispatcher) Dispatch(ctx context.Context, del Delivery) (Outcome, error) {
	client, err := d.connect()
	if err != nil {
		return Outcome{}, err
	}

	token := client.Publish(del.Destination, d.qos, false, del.Payload)
	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case <-token.Done():
		if err := token.Error(); err != nil {
			return Outcome{}, fmt.Errorf("mqtt: publish failed: %w", err)
		}
	}
	return delivered, nil
}

func (d *MQTTDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil {
		d.client.Disconnect(250)
		d.client = nil
	}
	return nil
}
