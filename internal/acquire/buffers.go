package acquire

import (
	"sync"

	"shelftag/internal/model"
)

// TagBuffer holds the readings of the most recent completed cycle.
type TagBuffer struct {
	mu       sync.Mutex
	readings []model.TagReading
	capacity int
}

func NewTagBuffer(capacity int) *TagBuffer {
	if capacity <= 0 {
		capacity = 200
	}
	return &TagBuffer{capacity: capacity, readings: make([]model.TagReading, 0, capacity)}
}

// Replace swaps in a copy of readings, truncated to capacity.
func (b *TagBuffer) Replace(readings []model.TagReading) {
	if len(readings) > b.capacity {
		readings = readings[:b.capacity]
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readings = append(b.readings[:0], readings...)
}

func (b *TagBuffer) Copy() []model.TagReading {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.TagReading, len(b.readings))
	copy(out, b.readings)
	return out
}

func (b *TagBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.readings)
}

func (b *TagBuffer) Capacity() int {
	return b.capacity
}

// Counter is the cycle counter. Only the acquisition clock advances it.
type Counter struct {
	mu    sync.Mutex
	value uint64
}

func (c *Counter) Advance() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value++
	return c.value
}

func (c *Counter) Current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Since reports the current value and whether it is newer than last.
func (c *Counter) Since(last uint64) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.value > last
}
