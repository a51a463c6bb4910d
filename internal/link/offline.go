package link

import "shelftag/internal/logging"

// Offline is the link used when no network driver is configured. It never
// connects, so every cycle is dropped.
type Offline struct {
	gate *gate
}

func NewOffline(startEnabled bool) *Offline {
	return &Offline{gate: newGate(startEnabled, logging.Discard())}
}

func (o *Offline) Name() string                 { return "none" }
func (o *Offline) TryConnect()                  {}
func (o *Offline) Connected() bool              { return false }
func (o *Offline) Service()                     { o.gate.service() }
func (o *Offline) Started() bool                { return o.gate.started.Load() }
func (o *Offline) Publish(payload []byte) error { return ErrNotConnected }
func (o *Offline) Close() error                 { return nil }

func (o *Offline) Stats() Stats {
	st := Stats{Driver: o.Name()}
	o.gate.fill(&st)
	return st
}
