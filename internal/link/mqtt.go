package link

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"shelftag/internal/config"
	"shelftag/internal/logging"
)

// MQTT publishes snapshots through a paho client. Automatic reconnects are
// off: the synchronizer paces attempts through TryConnect.
type MQTT struct {
	cfg    config.LinkConfig
	client mqtt.Client
	gate   *gate
	logger *slog.Logger
	counters

	mu      sync.Mutex
	pending mqtt.Token
}

func NewMQTT(cfg config.LinkConfig, logger *slog.Logger) *MQTT {
	m := newMQTT(cfg, logger)
	opts := mqtt.NewClientOptions()
	for _, b := range cfg.Brokers {
		opts.AddBroker(b)
	}
	opts.SetClientID(ClientID(cfg.ClientID))
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetWriteTimeout(cfg.PublishTimeout)
	if cfg.Topics.Status != "" {
		opts.SetWill(cfg.Topics.Status, StatusOffline, cfg.QoS, true)
	}
	opts.SetOnConnectHandler(m.onConnect)
	opts.SetConnectionLostHandler(m.onConnectionLost)
	m.client = mqtt.NewClient(opts)
	return m
}

func newMQTT(cfg config.LinkConfig, logger *slog.Logger) *MQTT {
	logger = logging.Component(logger, "link")
	return &MQTT{cfg: cfg, gate: newGate(cfg.StartEnabled, logger), logger: logger}
}

func (m *MQTT) Name() string { return "mqtt" }

func (m *MQTT) TryConnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil || m.client.IsConnectionOpen() {
		return
	}
	m.attempts.Add(1)
	m.logger.Info("connecting to mqtt broker", "brokers", m.cfg.Brokers)
	m.pending = m.client.Connect()
}

// Connected also settles a finished connect attempt.
func (m *MQTT) Connected() bool {
	m.mu.Lock()
	if tok := m.pending; tok != nil {
		select {
		case <-tok.Done():
			m.pending = nil
			if err := tok.Error(); err != nil {
				m.connectFailures.Add(1)
				m.logger.Warn("mqtt connect failed", "err", err)
			}
		default:
		}
	}
	m.mu.Unlock()
	return m.client.IsConnectionOpen()
}

func (m *MQTT) onConnect(c mqtt.Client) {
	m.connects.Add(1)
	m.logger.Info("mqtt connection established", "control_topic", m.cfg.Topics.Control)
	// Subscriptions do not survive a clean session.
	c.Subscribe(m.cfg.Topics.Control, m.cfg.QoS, m.onMessage)
	if m.cfg.Topics.Status != "" {
		c.Publish(m.cfg.Topics.Status, m.cfg.QoS, true, StatusReady)
	}
}

func (m *MQTT) onConnectionLost(_ mqtt.Client, err error) {
	m.logger.Warn("mqtt connection lost", "err", err)
}

func (m *MQTT) onMessage(_ mqtt.Client, msg mqtt.Message) {
	m.gate.offer(msg.Payload())
}

func (m *MQTT) Service() { m.gate.service() }

func (m *MQTT) Started() bool { return m.gate.started.Load() }

// Publish hands payload to the client and waits at most PublishTimeout.
func (m *MQTT) Publish(payload []byte) error {
	if !m.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	// paho writes the payload asynchronously; the caller reuses its buffer.
	tok := m.client.Publish(m.cfg.Topics.Data, m.cfg.QoS, false, bytes.Clone(payload))
	if !tok.WaitTimeout(m.cfg.PublishTimeout) {
		m.publishFailures.Add(1)
		return fmt.Errorf("mqtt publish timeout after %s", m.cfg.PublishTimeout)
	}
	if err := tok.Error(); err != nil {
		m.publishFailures.Add(1)
		return fmt.Errorf("mqtt publish: %w", err)
	}
	m.published.Add(1)
	return nil
}

func (m *MQTT) Stats() Stats {
	st := Stats{Driver: m.Name(), Connected: m.client.IsConnectionOpen()}
	m.counters.fill(&st)
	m.gate.fill(&st)
	return st
}

func (m *MQTT) Close() error {
	if m.client.IsConnectionOpen() {
		if m.cfg.Topics.Status != "" {
			m.client.Publish(m.cfg.Topics.Status, m.cfg.QoS, true, StatusOffline).WaitTimeout(time.Second)
		}
		m.client.Disconnect(250)
	}
	return nil
}
