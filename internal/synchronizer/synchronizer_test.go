package synchronizer

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"shelftag/internal/acquire"
	"shelftag/internal/anchors"
	"shelftag/internal/link"
	"shelftag/internal/model"
	"shelftag/internal/wire"
)

type fakeLink struct {
	connected  bool
	started    bool
	attempts   int
	services   int
	publishErr error
	payloads   [][]byte

	// connectOnAttempt brings the link up inside TryConnect.
	connectOnAttempt bool
}

func (l *fakeLink) Name() string    { return "fake" }
func (l *fakeLink) TryConnect() {
	l.attempts++
	if l.connectOnAttempt {
		l.connected = true
	}
}

func (l *fakeLink) Connected() bool { return l.connected }
func (l *fakeLink) Service()        { l.services++ }
func (l *fakeLink) Started() bool   { return l.started }
func (l *fakeLink) Close() error    { return nil }
func (l *fakeLink) Stats() link.Stats {
	return link.Stats{Driver: "fake", Connected: l.connected, Started: l.started}
}

func (l *fakeLink) Publish(payload []byte) error {
	if !l.connected {
		return link.ErrNotConnected
	}
	if l.publishErr != nil {
		return l.publishErr
	}
	l.payloads = append(l.payloads, append([]byte(nil), payload...))
	return nil
}

type memJournal struct {
	mu      sync.Mutex
	records []model.CycleRecord
}

func (j *memJournal) Record(r model.CycleRecord) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, r)
}

type fixture struct {
	now     time.Time
	counter *acquire.Counter
	tags    *acquire.TagBuffer
	agg     *anchors.Aggregator
	link    *fakeLink
	journal *memJournal
	sync    *Synchronizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		now:     time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		counter: &acquire.Counter{},
		tags:    acquire.NewTagBuffer(200),
		link:    &fakeLink{connected: true, started: true},
		journal: &memJournal{},
	}
	clock := func() time.Time { return f.now }
	f.agg = anchors.NewWithClock(30, clock)
	cfg := Config{FreshnessWindow: 3 * time.Second, ReconnectInterval: 5 * time.Second}
	f.sync = NewWithClock(cfg, f.counter, f.tags, f.agg, f.link, wire.NewEncoder(32*1024), f.journal, nil, clock)
	return f
}

func (f *fixture) completeCycle(readings ...model.TagReading) {
	f.tags.Replace(readings)
	f.counter.Advance()
}

func (f *fixture) recordSession(ms ...model.RangingMeasurement) {
	f.agg.Record(model.Session{Handle: 1, Measurements: ms})
}

func decode(t *testing.T, payload []byte) wire.Payload {
	t.Helper()
	var p wire.Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		t.Fatalf("payload is not valid JSON: %v\n%s", err, payload)
	}
	return p
}

func TestNoNewCycleIsIdle(t *testing.T) {
	f := newFixture(t)
	if out, processed := f.sync.Step(); processed || out != "" {
		t.Fatalf("expected idle step, got %q %v", out, processed)
	}
	if f.link.services != 1 {
		t.Fatalf("connected link should be serviced every iteration")
	}
}

func TestThreeTagsAndOneAnchorScenario(t *testing.T) {
	f := newFixture(t)
	f.recordSession(
		model.RangingMeasurement{Address: 0x0001, Status: model.StatusSuccess, DistanceCM: 245},
		model.RangingMeasurement{Address: 0x0002, Status: model.StatusFailure},
	)
	f.completeCycle(
		model.TagReading{EPC: "e20000172210000000000001", RSSI: -40, PC: "3000"},
		model.TagReading{EPC: "e20000172210000000000002", RSSI: -55, PC: "3000"},
		model.TagReading{EPC: "e20000172210000000000003", RSSI: -70, PC: "3000"},
	)
	out, processed := f.sync.Step()
	if !processed || out != model.OutcomePublished {
		t.Fatalf("expected published, got %q", out)
	}
	if len(f.link.payloads) != 1 {
		t.Fatalf("expected one payload, got %d", len(f.link.payloads))
	}
	p := decode(t, f.link.payloads[0])
	if p.PollingCycle != 1 || p.RFID.TagCount != 3 || len(p.RFID.Tags) != 3 {
		t.Fatalf("unexpected rfid section: %+v", p)
	}
	if p.RFID.Tags[1].RSSI != -55 {
		t.Fatalf("tag order not preserved: %+v", p.RFID.Tags)
	}
	if p.UWB.NAnchors != 1 || len(p.UWB.Anchors) != 1 {
		t.Fatalf("expected one anchor, got %+v", p.UWB)
	}
	a := p.UWB.Anchors[0]
	if a.MACAddress != "0x0001" || a.AverageDistance != 245.0 || a.Measurements != 1 {
		t.Fatalf("unexpected anchor: %+v", a)
	}
	if f.agg.Len() != 0 {
		t.Fatalf("aggregator must be empty after the snapshot")
	}
}

func TestPublishedCyclesStrictlyIncreasing(t *testing.T) {
	f := newFixture(t)
	var last uint64
	for i := 0; i < 20; i++ {
		f.completeCycle(model.TagReading{EPC: "e2", RSSI: -50, PC: "3000"})
		f.now = f.now.Add(2 * time.Second)
		if out, _ := f.sync.Step(); out != model.OutcomePublished {
			t.Fatalf("cycle %d: outcome %q", i, out)
		}
		// a second step without a new cycle publishes nothing
		if _, processed := f.sync.Step(); processed {
			t.Fatalf("cycle %d processed twice", i)
		}
	}
	for _, payload := range f.link.payloads {
		p := decode(t, payload)
		if p.PollingCycle != last+1 {
			t.Fatalf("cycle %d after %d", p.PollingCycle, last)
		}
		last = p.PollingCycle
	}
	if last != 20 {
		t.Fatalf("expected 20 published cycles, last=%d", last)
	}
}

func TestLinkDownDropsWithoutBacklog(t *testing.T) {
	run := func(dropped int) (*fixture, wire.Payload) {
		f := newFixture(t)
		f.link.connected = false
		for i := 0; i < dropped; i++ {
			f.recordSession(model.RangingMeasurement{Address: uint16(i%40 + 1), Status: model.StatusSuccess, DistanceCM: 100 + i})
			f.completeCycle(model.TagReading{EPC: "old", RSSI: -60, PC: "3000"})
			f.now = f.now.Add(2 * time.Second)
			if out, _ := f.sync.Step(); out != model.OutcomeDropped {
				t.Fatalf("expected dropped_offline, got %q", out)
			}
			if f.agg.Len() != 0 {
				t.Fatalf("aggregator must be cleared even when dropping")
			}
		}
		if len(f.link.payloads) != 0 {
			t.Fatalf("nothing may be published while offline")
		}
		f.link.connected = true
		f.recordSession(model.RangingMeasurement{Address: 0x0009, Status: model.StatusSuccess, DistanceCM: 321})
		f.completeCycle(model.TagReading{EPC: "new", RSSI: -45, PC: "3000"})
		f.now = f.now.Add(2 * time.Second)
		if out, _ := f.sync.Step(); out != model.OutcomePublished {
			t.Fatalf("expected publish after reconnect, got %q", out)
		}
		if _, processed := f.sync.Step(); processed {
			t.Fatalf("no backlog may be replayed after reconnect")
		}
		if len(f.link.payloads) != 1 {
			t.Fatalf("expected exactly one payload after reconnect, got %d", len(f.link.payloads))
		}
		return f, decode(t, f.link.payloads[0])
	}

	_, one := run(1)
	_, hundred := run(100)
	if one.RFID.TagCount != 1 || one.RFID.Tags[0].EPC != "new" || hundred.RFID.Tags[0].EPC != "new" {
		t.Fatalf("stale tags leaked: %+v / %+v", one.RFID, hundred.RFID)
	}
	one.PollingCycle, hundred.PollingCycle = 0, 0
	one.Timestamp, hundred.Timestamp = 0, 0
	a, _ := json.Marshal(one)
	b, _ := json.Marshal(hundred)
	if string(a) != string(b) {
		t.Fatalf("state after 1 and 100 dropped cycles differs:\n%s\n%s", a, b)
	}
}

func TestReconnectIsPaced(t *testing.T) {
	f := newFixture(t)
	f.link.connected = false
	f.sync.Step()
	if f.link.attempts != 1 {
		t.Fatalf("first iteration should attempt a connect, got %d", f.link.attempts)
	}
	f.now = f.now.Add(time.Second)
	f.sync.Step()
	if f.link.attempts != 1 {
		t.Fatalf("attempt before the reconnect interval")
	}
	f.now = f.now.Add(4 * time.Second)
	f.sync.Step()
	if f.link.attempts != 2 {
		t.Fatalf("expected second attempt after 5s, got %d", f.link.attempts)
	}
	if f.link.services != 0 {
		t.Fatalf("a down link must not be serviced")
	}
}

func TestGatedCyclesStillDrain(t *testing.T) {
	f := newFixture(t)
	f.link.started = false
	f.recordSession(model.RangingMeasurement{Address: 1, Status: model.StatusSuccess, DistanceCM: 10})
	f.completeCycle(model.TagReading{EPC: "a", RSSI: -50, PC: "3000"})
	if out, _ := f.sync.Step(); out != model.OutcomeGated {
		t.Fatalf("expected gated, got %q", out)
	}
	if f.agg.Len() != 0 || len(f.link.payloads) != 0 {
		t.Fatalf("gated cycle must drain but not publish")
	}
	f.link.started = true
	f.completeCycle()
	if out, _ := f.sync.Step(); out != model.OutcomeEmpty {
		t.Fatalf("expected empty, got %q", out)
	}
}

func TestStaleAnchorsExcluded(t *testing.T) {
	f := newFixture(t)
	f.recordSession(model.RangingMeasurement{Address: 0x0005, Status: model.StatusSuccess, DistanceCM: 500})
	f.now = f.now.Add(3*time.Second + time.Millisecond)
	f.recordSession(model.RangingMeasurement{Address: 0x0006, Status: model.StatusSuccess, DistanceCM: 600})
	f.completeCycle()
	if out, _ := f.sync.Step(); out != model.OutcomePublished {
		t.Fatalf("expected published, got %q", out)
	}
	p := decode(t, f.link.payloads[0])
	if len(p.UWB.Anchors) != 1 || p.UWB.Anchors[0].MACAddress != "0x0006" {
		t.Fatalf("stale anchor published: %+v", p.UWB.Anchors)
	}
}

func TestPublishFailureNotRetried(t *testing.T) {
	f := newFixture(t)
	f.link.publishErr = errors.New("broker gone")
	f.completeCycle(model.TagReading{EPC: "a", RSSI: -50, PC: "3000"})
	if out, _ := f.sync.Step(); out != model.OutcomePublishFailed {
		t.Fatalf("expected publish_failed, got %q", out)
	}
	f.link.publishErr = nil
	if _, processed := f.sync.Step(); processed {
		t.Fatalf("failed cycle must not be retried")
	}
}

func TestEncodeOverflowReported(t *testing.T) {
	f := newFixture(t)
	f.sync.enc = wire.NewEncoder(64)
	f.completeCycle(model.TagReading{EPC: "e20000172210000000000001", RSSI: -40, PC: "3000"})
	if out, _ := f.sync.Step(); out != model.OutcomeEncodeFailed {
		t.Fatalf("expected encode_failed, got %q", out)
	}
}

func TestStatsAndJournal(t *testing.T) {
	f := newFixture(t)
	f.completeCycle(model.TagReading{EPC: "a", RSSI: -50, PC: "3000"})
	f.sync.Step()
	f.link.connected = false
	f.completeCycle()
	f.completeCycle()
	f.sync.Step()

	st := f.sync.Stats()
	if st.Cycles != 2 || st.Published != 1 || st.DroppedOffline != 1 || st.MissedCycles != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if st.LastCycle != 3 || st.LastPublishedCycle != 1 || st.LastPayloadBytes == 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if len(f.journal.records) != 2 {
		t.Fatalf("expected 2 journal records, got %d", len(f.journal.records))
	}
	if r := f.journal.records[1]; r.Cycle != 3 || r.Outcome != model.OutcomeDropped {
		t.Fatalf("unexpected record: %+v", r)
	}
}

type snapshotCounter struct{ n int }

func (c *snapshotCounter) Update(model.Snapshot) { c.n++ }

func TestObserverAndJournalFanOut(t *testing.T) {
	f := newFixture(t)
	extra := &memJournal{}
	f.sync.journal = Journals{f.journal, extra}
	obs := &snapshotCounter{}
	f.sync.SetObserver(obs)
	f.link.connected = false
	f.completeCycle(model.TagReading{EPC: "a", RSSI: -50, PC: "3000"})
	f.sync.Step()
	if obs.n != 1 || len(f.journal.records) != 1 || len(extra.records) != 1 {
		t.Fatalf("observer=%d journal=%d extra=%d", obs.n, len(f.journal.records), len(extra.records))
	}
}

func TestLinkUpAfterAttemptPublishesSameCycle(t *testing.T) {
	f := newFixture(t)
	f.link.connected = false
	f.link.connectOnAttempt = true
	f.completeCycle(model.TagReading{EPC: "e20000172210000000000001", RSSI: -48, PC: "3000"})

	out, processed := f.sync.Step()
	if !processed || out != model.OutcomePublished {
		t.Fatalf("expected published after synchronous connect, got %q", out)
	}
	if f.link.attempts != 1 || len(f.link.payloads) != 1 {
		t.Fatalf("attempts=%d payloads=%d", f.link.attempts, len(f.link.payloads))
	}
	if f.link.services != 1 {
		t.Fatalf("link should be serviced once it is up, got %d", f.link.services)
	}
}
