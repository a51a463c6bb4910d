// Package link is the network side of the agent: a publish/subscribe
// connection that is never waited on. Connecting is started with
// TryConnect and observed later through Connected; nothing is queued while
// the link is down.
package link

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"shelftag/internal/config"
)

var ErrNotConnected = errors.New("link: not connected")

// StatusReady is published on the status topic after every connect.
const (
	StatusReady   = "READY"
	StatusOffline = "offline"
)

type Link interface {
	Name() string
	// TryConnect starts a connection attempt if none is in flight. It
	// never blocks.
	TryConnect()
	Connected() bool
	// Service applies control messages received since the last call.
	Service()
	// Started reports the control gate.
	Started() bool
	Publish(payload []byte) error
	Stats() Stats
	Close() error
}

type Stats struct {
	Driver          string `json:"driver"`
	Connected       bool   `json:"connected"`
	Started         bool   `json:"started"`
	ConnectAttempts uint64 `json:"connect_attempts"`
	Connects        uint64 `json:"connects"`
	ConnectFailures uint64 `json:"connect_failures"`
	Published       uint64 `json:"published"`
	PublishFailures uint64 `json:"publish_failures"`
	ControlReceived uint64 `json:"control_received"`
	ControlDropped  uint64 `json:"control_dropped"`
	ControlRejected uint64 `json:"control_rejected"`
}

type counters struct {
	attempts, connects, connectFailures, published, publishFailures atomic.Uint64
}

func (c *counters) fill(st *Stats) {
	st.ConnectAttempts = c.attempts.Load()
	st.Connects = c.connects.Load()
	st.ConnectFailures = c.connectFailures.Load()
	st.Published = c.published.Load()
	st.PublishFailures = c.publishFailures.Load()
}

// ClientID returns configured, or a generated shelftag-<id> short enough
// for MQTT 3.1 brokers.
func ClientID(configured string) string {
	if configured != "" {
		return configured
	}
	return "shelftag-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// New builds the link selected by cfg.Driver.
func New(cfg config.LinkConfig, logger *slog.Logger) (Link, error) {
	switch strings.ToLower(cfg.Driver) {
	case "mqtt":
		return NewMQTT(cfg, logger), nil
	case "kafka":
		return NewKafka(cfg, logger), nil
	case "none", "":
		return NewOffline(cfg.StartEnabled), nil
	default:
		return nil, fmt.Errorf("unsupported link driver %q", cfg.Driver)
	}
}
