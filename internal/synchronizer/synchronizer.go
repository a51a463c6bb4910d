// Package synchronizer turns completed acquisition cycles into published
// snapshots. Each loop iteration checks the link, services it, detects a
// new cycle, takes the snapshot, and then either drops it (link down) or
// publishes it. Nothing is queued or retried.
package synchronizer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"shelftag/internal/ingest"
	"shelftag/internal/link"
	"shelftag/internal/logging"
	"shelftag/internal/model"
	"shelftag/internal/wire"
)

type CycleSource interface {
	Since(last uint64) (uint64, bool)
}

type TagSource interface {
	Copy() []model.TagReading
}

type AnchorSource interface {
	DrainFresh(window time.Duration) []model.AnchorSummary
}

// Journal receives one record per processed cycle. Record must not block.
type Journal interface {
	Record(model.CycleRecord)
}

// Journals fans a record out to several journals.
type Journals []Journal

func (js Journals) Record(r model.CycleRecord) {
	for _, j := range js {
		j.Record(r)
	}
}

// Observer sees every snapshot taken, whatever its outcome.
type Observer interface {
	Update(model.Snapshot)
}

type Config struct {
	FreshnessWindow   time.Duration
	ReconnectInterval time.Duration
	IdleSleep         time.Duration
}

type Stats struct {
	Iterations         uint64        `json:"iterations"`
	Cycles             uint64        `json:"cycles"`
	MissedCycles       uint64        `json:"missed_cycles"`
	Published          uint64        `json:"published"`
	DroppedOffline     uint64        `json:"dropped_offline"`
	Gated              uint64        `json:"gated"`
	Empty              uint64        `json:"empty"`
	PublishFailed      uint64        `json:"publish_failed"`
	EncodeFailed       uint64        `json:"encode_failed"`
	ConnectAttempts    uint64        `json:"connect_attempts"`
	LastCycle          uint64        `json:"last_cycle"`
	LastPublishedCycle uint64        `json:"last_published_cycle"`
	LastPayloadBytes   int           `json:"last_payload_bytes"`
	LastOutcome        model.Outcome `json:"last_outcome,omitempty"`
}

type Synchronizer struct {
	cfg      Config
	counter  CycleSource
	tags     TagSource
	anchors  AnchorSource
	link     link.Link
	enc      *wire.Encoder
	journal  Journal
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
	started  time.Time

	// owned by the loop goroutine
	lastProcessed uint64
	lastAttempt   time.Time
	attempted     bool
	wasConnected  bool

	mu    sync.Mutex
	stats Stats
}

func New(cfg Config, counter CycleSource, tags TagSource, anchors AnchorSource, l link.Link, enc *wire.Encoder, journal Journal, logger *slog.Logger) *Synchronizer {
	return NewWithClock(cfg, counter, tags, anchors, l, enc, journal, logger, time.Now)
}

func NewWithClock(cfg Config, counter CycleSource, tags TagSource, anchors AnchorSource, l link.Link, enc *wire.Encoder, journal Journal, logger *slog.Logger, now func() time.Time) *Synchronizer {
	if now == nil {
		now = time.Now
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = 10 * time.Millisecond
	}
	return &Synchronizer{
		cfg:     cfg,
		counter: counter,
		tags:    tags,
		anchors: anchors,
		link:    l,
		enc:     enc,
		journal: journal,
		logger:  logging.Component(logger, "synchronizer"),
		now:     now,
		started: now(),
	}
}

// SetObserver must be called before Run.
func (s *Synchronizer) SetObserver(o Observer) {
	s.observer = o
}

func (s *Synchronizer) Run(ctx context.Context) {
	s.logger.Info("synchronizer started", "link", s.link.Name(), "freshness_window", s.cfg.FreshnessWindow)
	for ctx.Err() == nil {
		if _, processed := s.Step(); !processed {
			if !ingest.BackoffSleep(ctx, s.cfg.IdleSleep) {
				break
			}
		}
	}
	s.logger.Info("synchronizer stopped")
}

// Step runs one loop iteration. processed is false when no new cycle was
// available, in which case outcome is empty.
func (s *Synchronizer) Step() (outcome model.Outcome, processed bool) {
	now := s.now()
	s.bump(func(st *Stats) { st.Iterations++ })

	connected := s.link.Connected()
	if !connected && (!s.attempted || now.Sub(s.lastAttempt) >= s.cfg.ReconnectInterval) {
		s.attempted = true
		s.lastAttempt = now
		s.link.TryConnect()
		s.bump(func(st *Stats) { st.ConnectAttempts++ })
		// a link may come up synchronously inside TryConnect
		connected = s.link.Connected()
	}
	if connected != s.wasConnected {
		if connected {
			s.logger.Info("link up", "link", s.link.Name())
		} else {
			s.logger.Warn("link down, snapshots will be dropped", "link", s.link.Name())
		}
		s.wasConnected = connected
	}
	if connected {
		s.link.Service()
	}

	current, fresh := s.counter.Since(s.lastProcessed)
	if !fresh {
		return "", false
	}
	snap := model.Snapshot{
		Cycle:     current,
		Timestamp: now.Sub(s.started).Milliseconds(),
		Wall:      now,
		Tags:      s.tags.Copy(),
		Anchors:   s.anchors.DrainFresh(s.cfg.FreshnessWindow),
	}
	missed := current - s.lastProcessed - 1
	if s.lastProcessed == 0 {
		missed = 0
	}
	s.lastProcessed = current
	if s.observer != nil {
		s.observer.Update(snap)
	}

	outcome, size := s.decide(snap, connected)
	s.bump(func(st *Stats) {
		st.Cycles++
		st.MissedCycles += missed
		st.LastCycle = current
		st.LastOutcome = outcome
		switch outcome {
		case model.OutcomePublished:
			st.Published++
			st.LastPublishedCycle = current
			st.LastPayloadBytes = size
		case model.OutcomeDropped:
			st.DroppedOffline++
		case model.OutcomeGated:
			st.Gated++
		case model.OutcomeEmpty:
			st.Empty++
		case model.OutcomePublishFailed:
			st.PublishFailed++
		case model.OutcomeEncodeFailed:
			st.EncodeFailed++
		}
	})
	if s.journal != nil {
		s.journal.Record(model.CycleRecord{
			Cycle:        current,
			Timestamp:    snap.Wall,
			Tags:         len(snap.Tags),
			Anchors:      len(snap.Anchors),
			Outcome:      outcome,
			PayloadBytes: size,
		})
	}
	return outcome, true
}

func (s *Synchronizer) decide(snap model.Snapshot, connected bool) (model.Outcome, int) {
	if !connected {
		s.logger.Debug("snapshot dropped, link down", "cycle", snap.Cycle)
		return model.OutcomeDropped, 0
	}
	if !s.link.Started() {
		return model.OutcomeGated, 0
	}
	if snap.Empty() {
		return model.OutcomeEmpty, 0
	}
	payload, err := s.enc.Encode(snap)
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, wire.ErrPayloadTooLarge) {
			level = slog.LevelError
		}
		s.logger.Log(context.Background(), level, "snapshot encode failed", "cycle", snap.Cycle, "err", err)
		return model.OutcomeEncodeFailed, 0
	}
	if err := s.link.Publish(payload); err != nil {
		s.logger.Warn("publish failed", "cycle", snap.Cycle, "err", err)
		return model.OutcomePublishFailed, len(payload)
	}
	s.logger.Debug("snapshot published", "cycle", snap.Cycle, "tags", len(snap.Tags), "anchors", len(snap.Anchors), "bytes", len(payload))
	return model.OutcomePublished, len(payload)
}

func (s *Synchronizer) bump(fn func(*Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.stats)
}

func (s *Synchronizer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
