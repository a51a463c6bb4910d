// Package metrics remembers the last sighting of every tag and anchor that
// appeared in a snapshot, bounded by a limit with oldest-first eviction.
package metrics

import (
	"sort"
	"sync"
	"time"

	"shelftag/internal/model"
)

const (
	KindTag    = "tag"
	KindAnchor = "anchor"
)

type Sighting struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Cycle      uint64    `json:"cycle"`
	RSSI       int       `json:"rssi_dbm,omitempty"`
	DistanceCM float64   `json:"distance_cm,omitempty"`
	Samples    uint32    `json:"samples,omitempty"`
	SeenAt     time.Time `json:"seen_at"`
	Count      uint64    `json:"count"`
}

type Store struct {
	mu    sync.RWMutex
	byID  map[string]Sighting
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{byID: make(map[string]Sighting), limit: limit}
}

// Update records every tag and anchor of snap.
func (s *Store) Update(snap model.Snapshot) {
	if snap.Empty() {
		return
	}
	seen := snap.Wall.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range snap.Tags {
		s.put(Sighting{ID: t.EPC, Kind: KindTag, Cycle: snap.Cycle, RSSI: t.RSSI, SeenAt: seen})
	}
	for _, a := range snap.Anchors {
		s.put(Sighting{ID: a.Address, Kind: KindAnchor, Cycle: snap.Cycle, DistanceCM: a.DistanceCM, Samples: a.Samples, SeenAt: seen})
	}
}

func (s *Store) put(v Sighting) {
	key := v.Kind + "/" + v.ID
	prev, ok := s.byID[key]
	if ok {
		v.Count = prev.Count + 1
	} else {
		v.Count = 1
		if len(s.byID) >= s.limit {
			s.evictOldest()
		}
	}
	s.byID[key] = v
}

func (s *Store) Get(kind, id string) (Sighting, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.byID[kind+"/"+id]
	return v, ok
}

// List returns sightings of kind, or of every kind when kind is empty,
// ordered by kind then ID.
func (s *Store) List(kind string) []Sighting {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Sighting, 0, len(s.byID))
	for _, v := range s.byID {
		if kind == "" || v.Kind == kind {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func (s *Store) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, v := range s.byID {
		if oldestKey == "" || v.SeenAt.Before(oldest) {
			oldestKey = key
			oldest = v.SeenAt
		}
	}
	if oldestKey != "" {
		delete(s.byID, oldestKey)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[string]Sighting)
}
