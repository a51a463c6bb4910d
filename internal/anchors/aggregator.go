// Package anchors keeps per-anchor running ranging statistics for the
// current acquisition cycle.
//
// The map is bounded: when it is full, admitting a new anchor evicts the
// entry with the oldest last-update time. DrainFresh reports entries
// updated within the freshness window and then clears the whole map, so
// every published mean covers exactly one cycle.
package anchors

import (
	"sort"
	"sync"
	"time"

	"shelftag/internal/model"
)

const DefaultCapacity = 30

type entry struct {
	sum     int64
	success uint32
	total   uint32
	updated time.Time
}

type Stats struct {
	Sessions     uint64 `json:"sessions"`
	Measurements uint64 `json:"measurements"`
	Evictions    uint64 `json:"evictions"`
	Drains       uint64 `json:"drains"`
	StalePurged  uint64 `json:"stale_purged"`
	Entries      int    `json:"entries"`
	Capacity     int    `json:"capacity"`
}

type Aggregator struct {
	mu       sync.Mutex
	entries  map[uint16]*entry
	capacity int
	now      func() time.Time
	stats    Stats
}

func New(capacity int) *Aggregator {
	return NewWithClock(capacity, time.Now)
}

func NewWithClock(capacity int, now func() time.Time) *Aggregator {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if now == nil {
		now = time.Now
	}
	return &Aggregator{
		entries:  make(map[uint16]*entry, capacity),
		capacity: capacity,
		now:      now,
	}
}

// Record folds one parsed session into the map.
func (a *Aggregator) Record(s model.Session) {
	if len(s.Measurements) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.Sessions++
	for _, m := range s.Measurements {
		now := a.now()
		e, ok := a.entries[m.Address]
		if !ok {
			if len(a.entries) >= a.capacity {
				a.evictOldest()
			}
			e = &entry{}
			a.entries[m.Address] = e
		}
		e.total++
		if m.Status == model.StatusSuccess {
			e.sum += int64(m.DistanceCM)
			e.success++
		}
		e.updated = now
		a.stats.Measurements++
	}
}

func (a *Aggregator) evictOldest() {
	var (
		oldestAddr uint16
		oldest     time.Time
		found      bool
	)
	for addr, e := range a.entries {
		if !found || e.updated.Before(oldest) || (e.updated.Equal(oldest) && addr < oldestAddr) {
			oldestAddr = addr
			oldest = e.updated
			found = true
		}
	}
	if found {
		delete(a.entries, oldestAddr)
		a.stats.Evictions++
	}
}

// DrainFresh returns the mean distance of every anchor updated within
// window that has at least one successful measurement, ordered by address,
// and then empties the map regardless of what was returned.
func (a *Aggregator) DrainFresh(window time.Duration) []model.AnchorSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	out := make([]model.AnchorSummary, 0, len(a.entries))
	addrs := make([]uint16, 0, len(a.entries))
	for addr, e := range a.entries {
		if now.Sub(e.updated) > window {
			a.stats.StalePurged++
			continue
		}
		if e.success == 0 {
			continue
		}
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	for _, addr := range addrs {
		e := a.entries[addr]
		out = append(out, model.AnchorSummary{
			Address:    model.FormatAnchorAddress(addr),
			DistanceCM: float64(e.sum) / float64(e.success),
			Samples:    e.success,
			Attempts:   e.total,
		})
	}
	clear(a.entries)
	a.stats.Drains++
	return out
}

func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

func (a *Aggregator) Has(addr uint16) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.entries[addr]
	return ok
}

func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.stats
	st.Entries = len(a.entries)
	st.Capacity = a.capacity
	return st
}
