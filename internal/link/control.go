package link

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"shelftag/internal/ingest"
)

type Command int

const (
	CommandStart Command = iota + 1
	CommandStop
)

func (c Command) String() string {
	switch c {
	case CommandStart:
		return "START"
	case CommandStop:
		return "STOP"
	default:
		return "UNKNOWN"
	}
}

var ErrUnknownCommand = errors.New("link: unknown control command")

// ParseCommand accepts a bare START/STOP token in any case, or a JSON
// object of the form {"command":"start"}.
func ParseCommand(payload []byte) (Command, error) {
	text := bytes.TrimSpace(payload)
	token := string(text)
	if len(text) > 0 && text[0] == '{' {
		var msg struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(text, &msg); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnknownCommand, err)
		}
		token = msg.Command
	}
	switch strings.ToUpper(strings.TrimSpace(token)) {
	case "START":
		return CommandStart, nil
	case "STOP":
		return CommandStop, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCommand, token)
}

const (
	controlInbox   = 16
	controlPerTick = controlInbox
)

// gate holds the start/stop state. Messages arrive on transport
// goroutines and are applied only from Service, on the caller's goroutine.
type gate struct {
	started  atomic.Bool
	inbox    chan []byte
	received atomic.Uint64
	dropped  atomic.Uint64
	rejected atomic.Uint64
	logger   *slog.Logger
}

func newGate(startEnabled bool, logger *slog.Logger) *gate {
	g := &gate{inbox: make(chan []byte, controlInbox), logger: logger}
	g.started.Store(startEnabled)
	return g
}

// offer queues a control payload without blocking the transport.
func (g *gate) offer(payload []byte) {
	g.received.Add(1)
	if !ingest.SendNonBlocking(context.Background(), g.inbox, bytes.Clone(payload)) {
		g.dropped.Add(1)
		g.logger.Warn("control queue full, dropping message")
	}
}

func (g *gate) service() {
	for i := 0; i < controlPerTick; i++ {
		select {
		case payload := <-g.inbox:
			g.apply(payload)
		default:
			return
		}
	}
}

func (g *gate) apply(payload []byte) {
	cmd, err := ParseCommand(payload)
	if err != nil {
		g.rejected.Add(1)
		g.logger.Warn("ignoring control message", "err", err)
		return
	}
	was := g.started.Swap(cmd == CommandStart)
	if was != (cmd == CommandStart) {
		g.logger.Info("publishing gate changed", "command", cmd.String())
	}
}

func (g *gate) fill(st *Stats) {
	st.Started = g.started.Load()
	st.ControlReceived = g.received.Load()
	st.ControlDropped = g.dropped.Load()
	st.ControlRejected = g.rejected.Load()
}
