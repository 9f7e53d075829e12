package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrNotConnected is returned by MQTT.Publish while the broker is
// unreachable. The client keeps reconnecting in the background.
var ErrNotConnected = errors.New("events: mqtt not connected")

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	Broker      string // host:port or a full tcp:// / ssl:// URL
	ClientID    string
	TopicPrefix string
	QoS         byte
}

// MQTT publishes events as JSON to <prefix>/<camera>/<type>.
type MQTT struct {
	cfg    MQTTConfig
	client mqtt.Client
	log    *slog.Logger

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

// NewMQTT returns an unconnected publisher.
func NewMQTT(cfg MQTTConfig, log *slog.Logger) *MQTT {
	if log == nil {
		log = slog.Default()
	}
	return &MQTT{cfg: cfg, log: log.With("component", "mqtt")}
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect dials the broker. Lost connections are retried automatically.
func (m *MQTT) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(m.cfg.Broker))
	opts.SetClientID(m.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		m.setConnected(true)
		m.log.Info("mqtt connection established", "broker", m.cfg.Broker, "client_id", m.cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		m.setConnected(false)
		m.log.Warn("mqtt connection lost, will auto-reconnect", "broker", m.cfg.Broker, "error", err)
	}
	m.client = mqtt.NewClient(opts)

	m.log.Info("connecting to mqtt broker", "broker", m.cfg.Broker)
	token := m.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connect to %s: timeout", m.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", m.cfg.Broker, err)
	}
	m.setConnected(true)
	return nil
}

func (m *MQTT) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

// Connected reports whether the broker connection is up.
func (m *MQTT) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Topic returns the topic an event is published on.
func (m *MQTT) Topic(ev Event) string {
	return fmt.Sprintf("%s/%d/%s", strings.TrimSuffix(m.cfg.TopicPrefix, "/"), ev.CameraID, ev.Type)
}

// Publish implements Publisher.
func (m *MQTT) Publish(ctx context.Context, ev Event) error {
	m.mu.RLock()
	connected := m.connected && m.client != nil
	m.mu.RUnlock()
	if !connected {
		m.countError()
		return ErrNotConnected
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		m.countError()
		return fmt.Errorf("marshal event: %w", err)
	}
	topic := m.Topic(ev)
	token := m.client.Publish(topic, m.cfg.QoS, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		m.countError()
		return ctx.Err()
	case <-time.After(2 * time.Second):
		m.countError()
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		m.countError()
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	m.mu.Lock()
	m.published++
	m.mu.Unlock()
	m.log.Debug("event published", "topic", topic, "size", len(payload))
	return nil
}

func (m *MQTT) countError() {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
}

// Stats returns delivered and failed publish counts.
func (m *MQTT) Stats() (published, failed uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.published, m.errors
}

// Close disconnects from the broker.
func (m *MQTT) Close() {
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
	}
	m.setConnected(false)
}
