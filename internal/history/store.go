// Package history keeps the most recent cycle records in memory for the
// status API.
package history

import (
	"sync"
	"time"

	"shelftag/internal/model"
)

type Store struct {
	mu    sync.RWMutex
	buf   []model.CycleRecord
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 256
	}
	return &Store{limit: limit}
}

// Record appends rec, discarding the oldest record when full.
func (s *Store) Record(rec model.CycleRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, rec)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = rec
}

// List returns up to limit records, newest first.
func (s *Store) List(limit int) []model.CycleRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.CycleRecord, 0, limit)
	for i := len(s.buf) - 1; i >= len(s.buf)-limit; i-- {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *Store) Since(ts time.Time) []model.CycleRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.CycleRecord, 0)
	for i := len(s.buf) - 1; i >= 0; i-- {
		if s.buf[i].Timestamp.Before(ts) {
			break
		}
		out = append(out, s.buf[i])
	}
	return out
}

// Counts tallies the retained records by outcome.
func (s *Store) Counts() map[model.Outcome]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[model.Outcome]int)
	for _, r := range s.buf {
		out[r.Outcome]++
	}
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
