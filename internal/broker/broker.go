// Package broker owns the MQTT connection shared by the control plane and
// the event observer.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	// DefaultConnectTimeout bounds the initial connection attempt
	DefaultConnectTimeout = 5 * time.Second
	// PublishTimeout bounds every publish wait
	PublishTimeout = 2 * time.Second
	// maxReconnectInterval caps paho's automatic reconnect backoff
	maxReconnectInterval = 30 * time.Second
)

// Options configures the broker connection
type Options struct {
	Broker         string // host:port or full URL
	ClientID       string
	ConnectTimeout time.Duration
}

// URL returns the broker address with a scheme
func (o Options) URL() string {
	if strings.Contains(o.Broker, "://") {
		return o.Broker
	}
	return "tcp://" + o.Broker
}

// NewClient builds a client with auto-reconnect enabled. It does not dial.
func NewClient(opts Options) (mqtt.Client, error) {
	if opts.Broker == "" {
		return nil, fmt.Errorf("broker: address is required")
	}

	co := mqtt.NewClientOptions()
	co.AddBroker(opts.URL())
	co.SetClientID(opts.ClientID)
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(2 * time.Second)
	co.SetMaxReconnectInterval(maxReconnectInterval)

	co.OnConnect = func(c mqtt.Client) {
		slog.Info("broker: connection established",
			"broker", opts.Broker,
			"client_id", opts.ClientID,
		)
	}
	co.OnConnectionLost = func(c mqtt.Client, err error) {
		slog.Warn("broker: connection lost, will auto-reconnect",
			"error", err,
			"broker", opts.Broker,
			"max_retry_interval", maxReconnectInterval,
		)
	}

	return mqtt.NewClient(co), nil
}

// Dial connects client, returning once the first connection succeeded, the
// timeout elapsed, or ctx was cancelled
func Dial(ctx context.Context, client mqtt.Client, timeout time.Duration) error {
	if client.IsConnected() {
		return nil
	}
	if timeout == 0 {
		timeout = DefaultConnectTimeout
	}

	token := client.Connect()
	select {
	case <-token.Done():
	case <-time.After(timeout):
		client.Disconnect(0)
		return fmt.Errorf("broker: connection timeout after %v", timeout)
	case <-ctx.Done():
		client.Disconnect(0)
		return fmt.Errorf("broker: connect cancelled: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("broker: connection failed: %w", err)
	}
	return nil
}

// Connect builds a client and dials it
func Connect(ctx context.Context, opts Options) (mqtt.Client, error) {
	client, err := NewClient(opts)
	if err != nil {
		return nil, err
	}
	slog.Info("broker: connecting", "broker", opts.Broker)
	if err := Dial(ctx, client, opts.ConnectTimeout); err != nil {
		return nil, err
	}
	return client, nil
}

// Publish sends payload and waits up to PublishTimeout for the broker
func Publish(client mqtt.Client, topic string, qos byte, payload []byte) error {
	if client == nil || !client.IsConnected() {
		return fmt.Errorf("broker: not connected")
	}
	token := client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(PublishTimeout) {
		return fmt.Errorf("broker: publish timeout on %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("broker: publish failed on %s: %w", topic, err)
	}
	return nil
}

// Disconnect closes the connection with a short grace period
func Disconnect(client mqtt.Client) {
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
		slog.Info("broker: disconnected")
	}
}
