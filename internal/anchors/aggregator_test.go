package anchors

import (
	"testing"
	"time"

	"shelftag/internal/model"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newAggregatorForTest(capacity int) (*Aggregator, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewWithClock(capacity, clk.Now), clk
}

func success(addr uint16, cm int) model.RangingMeasurement {
	return model.RangingMeasurement{Address: addr, Status: model.StatusSuccess, DistanceCM: cm}
}

func failure(addr uint16) model.RangingMeasurement {
	return model.RangingMeasurement{Address: addr, Status: model.StatusFailure}
}

func session(ms ...model.RangingMeasurement) model.Session {
	return model.Session{Handle: 1, Measurements: ms}
}

func TestFailedAnchorExcludedFromDrain(t *testing.T) {
	agg, _ := newAggregatorForTest(30)
	agg.Record(session(success(0x0001, 245), failure(0x0002)))
	got := agg.DrainFresh(3 * time.Second)
	if len(got) != 1 {
		t.Fatalf("expected 1 anchor, got %d: %+v", len(got), got)
	}
	if got[0].Address != "0x0001" || got[0].DistanceCM != 245.0 || got[0].Samples != 1 {
		t.Fatalf("unexpected summary: %+v", got[0])
	}
}

func TestMeanAcrossSessions(t *testing.T) {
	agg, clk := newAggregatorForTest(30)
	agg.Record(session(success(0x0001, 200)))
	clk.Advance(100 * time.Millisecond)
	agg.Record(session(success(0x0001, 210)))
	got := agg.DrainFresh(3 * time.Second)
	if len(got) != 1 {
		t.Fatalf("expected 1 anchor, got %d", len(got))
	}
	if got[0].DistanceCM != 205.0 || got[0].Samples != 2 || got[0].Attempts != 2 {
		t.Fatalf("unexpected summary: %+v", got[0])
	}
}

func TestFailuresCountAsAttemptsOnly(t *testing.T) {
	agg, _ := newAggregatorForTest(30)
	agg.Record(session(success(0x0003, 100), failure(0x0003), model.RangingMeasurement{Address: 0x0003, Status: model.StatusTimeout, DistanceCM: 9999}))
	got := agg.DrainFresh(time.Second)
	if len(got) != 1 || got[0].DistanceCM != 100 || got[0].Samples != 1 || got[0].Attempts != 3 {
		t.Fatalf("unexpected summary: %+v", got)
	}
}

func TestDrainAlwaysClears(t *testing.T) {
	agg, clk := newAggregatorForTest(30)
	agg.Record(session(success(0x0001, 100)))
	clk.Advance(5 * time.Second)
	agg.Record(session(success(0x0002, 150), failure(0x0003)))
	got := agg.DrainFresh(3 * time.Second)
	if len(got) != 1 || got[0].Address != "0x0002" {
		t.Fatalf("expected only fresh anchor 0x0002, got %+v", got)
	}
	if n := agg.Len(); n != 0 {
		t.Fatalf("expected empty map after drain, got %d entries", n)
	}
	if got := agg.DrainFresh(3 * time.Second); len(got) != 0 {
		t.Fatalf("second drain should be empty, got %+v", got)
	}
}

func TestStaleEntriesNeverDrained(t *testing.T) {
	agg, clk := newAggregatorForTest(30)
	window := 3000 * time.Millisecond
	agg.Record(session(success(0x0010, 300)))
	clk.Advance(window)
	agg.Record(session(success(0x0011, 310)))
	clk.Advance(time.Millisecond)
	got := agg.DrainFresh(window)
	if len(got) != 1 || got[0].Address != "0x0011" {
		t.Fatalf("expected only 0x0011, got %+v", got)
	}
	if st := agg.Stats(); st.StalePurged != 1 {
		t.Fatalf("expected 1 stale purge, got %d", st.StalePurged)
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	agg, clk := newAggregatorForTest(30)
	for i := 1; i <= 30; i++ {
		agg.Record(session(success(uint16(i), 100+i)))
		clk.Advance(10 * time.Millisecond)
	}
	if agg.Len() != 30 {
		t.Fatalf("expected 30 entries, got %d", agg.Len())
	}
	agg.Record(session(success(31, 500)))
	if agg.Len() != 30 {
		t.Fatalf("map exceeded capacity: %d", agg.Len())
	}
	if agg.Has(1) {
		t.Fatalf("oldest anchor 0x0001 should have been evicted")
	}
	for i := 2; i <= 31; i++ {
		if !agg.Has(uint16(i)) {
			t.Fatalf("anchor %d missing", i)
		}
	}
	if st := agg.Stats(); st.Evictions != 1 {
		t.Fatalf("expected exactly one eviction, got %d", st.Evictions)
	}
}

func TestEvictionIsByRecencyNotInsertion(t *testing.T) {
	agg, clk := newAggregatorForTest(3)
	agg.Record(session(success(1, 100)))
	clk.Advance(time.Millisecond)
	agg.Record(session(success(2, 100)))
	clk.Advance(time.Millisecond)
	agg.Record(session(success(3, 100)))
	clk.Advance(time.Millisecond)
	// refresh the first-inserted anchor so anchor 2 becomes the oldest
	agg.Record(session(success(1, 110)))
	clk.Advance(time.Millisecond)
	agg.Record(session(success(4, 100)))
	if agg.Has(2) {
		t.Fatalf("anchor 2 was least recently updated and should be gone")
	}
	if !agg.Has(1) || !agg.Has(3) || !agg.Has(4) {
		t.Fatalf("unexpected eviction")
	}
}

func TestEmptySessionIgnored(t *testing.T) {
	agg, _ := newAggregatorForTest(30)
	agg.Record(model.Session{Handle: 9})
	if st := agg.Stats(); st.Sessions != 0 || st.Entries != 0 {
		t.Fatalf("empty session should not count: %+v", st)
	}
}
