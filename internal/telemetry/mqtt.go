package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrNotConnected is returned by Publish while the broker link is down
var ErrNotConnected = errors.New("mqtt not connected")

// Publisher sends a payload to a topic
type Publisher interface {
	Publish(topic string, payload []byte) error
	Close()
}

// MQTTConfig describes the broker connection
type MQTTConfig struct {
	Broker   string // host:port or full URL
	ClientID string
	Username string
	Password string
	QoS      byte
	Timeout  time.Duration
}

// MQTTPublisher publishes over paho with auto-reconnect
type MQTTPublisher struct {
	client    mqtt.Client
	cfg       MQTTConfig
	logger    *slog.Logger
	connected atomic.Bool
}

// NewMQTTPublisher connects to the broker and returns once the first
// connection attempt succeeds or ctx expires.
func NewMQTTPublisher(ctx context.Context, cfg MQTTConfig, logger *slog.Logger) (*MQTTPublisher, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	p := &MQTTPublisher{cfg: cfg, logger: logger}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		p.connected.Store(true)
		logger.Info("mqtt connection established", "broker", cfg.Broker, "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		p.connected.Store(false)
		logger.Warn("mqtt connection lost, will auto-reconnect", "broker", cfg.Broker, "error", err)
	}

	p.client = mqtt.NewClient(opts)

	logger.Info("connecting to mqtt broker", "broker", cfg.Broker)
	token := p.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		p.client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connection cancelled: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	p.connected.Store(true)

	return p, nil
}

// Publish sends payload without retaining it
func (p *MQTTPublisher) Publish(topic string, payload []byte) error {
	if !p.connected.Load() {
		return ErrNotConnected
	}

	token := p.client.Publish(topic, p.cfg.QoS, false, payload)
	if !token.WaitTimeout(p.cfg.Timeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

// Close disconnects from the broker
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
	p.connected.Store(false)
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}
