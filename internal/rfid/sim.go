package rfid

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"shelftag/internal/model"
)

type SimConfig struct {
	Population   int
	PollDuration time.Duration
	Seed         int64
	MaxTags      int
	// Visibility is the chance a tag answers a given poll.
	Visibility float64
}

type simTag struct {
	epc  string
	pc   string
	base int
}

// Sim answers polls from a fixed, seeded tag population.
type Sim struct {
	cfg  SimConfig
	mu   sync.Mutex
	rng  *rand.Rand
	tags []simTag
}

func NewSim(cfg SimConfig) *Sim {
	if cfg.MaxTags <= 0 {
		cfg.MaxTags = DefaultMaxTags
	}
	if cfg.Visibility <= 0 || cfg.Visibility > 1 {
		cfg.Visibility = 0.85
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	tags := make([]simTag, cfg.Population)
	for i := range tags {
		tags[i] = simTag{
			epc:  fmt.Sprintf("e2%06x%016x", rng.Intn(1<<24), rng.Uint64()),
			pc:   "3000",
			base: -40 - rng.Intn(40),
		}
	}
	return &Sim{cfg: cfg, rng: rng, tags: tags}
}

func (s *Sim) Poll(ctx context.Context, _ int) ([]model.TagReading, error) {
	if s.cfg.PollDuration > 0 {
		t := time.NewTimer(s.cfg.PollDuration)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.TagReading, 0, len(s.tags))
	for _, tag := range s.tags {
		if len(out) >= s.cfg.MaxTags {
			break
		}
		if s.rng.Float64() > s.cfg.Visibility {
			continue
		}
		out = append(out, model.TagReading{EPC: tag.epc, PC: tag.pc, RSSI: tag.base + s.rng.Intn(7) - 3})
	}
	return out, nil
}

func (s *Sim) Close() error { return nil }
