package rfid

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"shelftag/internal/serialport"
)

func noticeFrame(rssi int8, epcLast byte) []byte {
	payload := make([]byte, 0, noticePayloadLen)
	payload = append(payload, byte(rssi), 0x30, 0x00)
	epc := []byte{0xe2, 0x00, 0x00, 0x17, 0x22, 0x0a, 0x01, 0x23, 0x45, 0x67, 0x89, epcLast}
	payload = append(payload, epc...)
	payload = append(payload, 0xab, 0xcd)
	return encodeFrame(frameTypeNotice, cmdPoll, payload)
}

type fakePort struct {
	mu      sync.Mutex
	rx      [][]byte
	written [][]byte
	readErr error
	closed  bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.rx) == 0 {
		err := p.readErr
		p.mu.Unlock()
		if err != nil {
			return 0, err
		}
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	defer p.mu.Unlock()
	n := copy(b, p.rx[0])
	p.rx[0] = p.rx[0][n:]
	if len(p.rx[0]) == 0 {
		p.rx = p.rx[1:]
	}
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, append([]byte(nil), b...))
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func TestMultiPollCommandBytes(t *testing.T) {
	got := multiPollCommand(10000)
	want := []byte{0xBB, 0x00, 0x27, 0x00, 0x03, 0x22, 0x27, 0x10, 0x83, 0x7E}
	if !bytes.Equal(got, want) {
		t.Fatalf("multiPollCommand = % X, want % X", got, want)
	}
	if stop := stopCommand(); !bytes.Equal(stop, []byte{0xBB, 0x00, 0x28, 0x00, 0x00, 0x28, 0x7E}) {
		t.Fatalf("stopCommand = % X", stop)
	}
}

func TestDecodeNotice(t *testing.T) {
	raw := noticeFrame(-55, 0x01)
	if len(raw) != 24 {
		t.Fatalf("notice frame length = %d, want 24", len(raw))
	}
	f, err := decodeFrame(raw)
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	tag, err := tagFromNotice(f)
	if err != nil {
		t.Fatalf("tagFromNotice: %v", err)
	}
	if tag.RSSI != -55 || tag.PC != "3000" || tag.EPC != "e2000017220a012345678901" {
		t.Fatalf("unexpected tag: %+v", tag)
	}
}

func TestDecodeRejectsBadChecksum(t *testing.T) {
	raw := noticeFrame(-40, 0x02)
	raw[len(raw)-2] ^= 0xFF
	if _, err := decodeFrame(raw); !errors.Is(err, ErrBadFrame) {
		t.Fatalf("expected ErrBadFrame, got %v", err)
	}
}

func TestDecoderResyncsAcrossNoiseAndSplits(t *testing.T) {
	var d decoder
	var frames []frame
	stream := append([]byte{0x00, 0x7E, 0x13}, noticeFrame(-40, 0x01)...)
	stream = append(stream, noticeFrame(-41, 0x02)...)
	for i := 0; i < len(stream); i += 5 {
		end := i + 5
		if end > len(stream) {
			end = len(stream)
		}
		d.feed(stream[i:end], func(f frame) { frames = append(frames, f) })
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
}

func newTestUHF(port *fakePort, opens *int) *UHF {
	open := func(string, serialport.Options) (serialport.Port, error) {
		*opens++
		return port, nil
	}
	return NewUHF(UHFConfig{Path: "/dev/fake", MaxTags: 200, FrameTimeout: 20 * time.Millisecond, PollTimeout: time.Second}, open, nil)
}

func TestUHFPollDedupesAndStops(t *testing.T) {
	port := &fakePort{rx: [][]byte{
		noticeFrame(-40, 0x01),
		noticeFrame(-55, 0x02),
		noticeFrame(-30, 0x01),
		noticeFrame(-70, 0x03),
	}}
	opens := 0
	u := newTestUHF(port, &opens)
	tags, err := u.Poll(context.Background(), 100)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(tags) != 3 {
		t.Fatalf("expected 3 distinct tags, got %d: %+v", len(tags), tags)
	}
	if tags[0].RSSI != -40 {
		t.Fatalf("duplicate EPC should keep first reading, got %+v", tags[0])
	}
	if len(port.written) != 2 || !bytes.Equal(port.written[0], multiPollCommand(100)) || !bytes.Equal(port.written[1], stopCommand()) {
		t.Fatalf("unexpected commands written: % X", port.written)
	}
}

func TestUHFPollRespectsMaxTags(t *testing.T) {
	port := &fakePort{rx: [][]byte{noticeFrame(-40, 0x01), noticeFrame(-41, 0x02), noticeFrame(-42, 0x03)}}
	opens := 0
	u := newTestUHF(port, &opens)
	u.cfg.MaxTags = 2
	tags, err := u.Poll(context.Background(), 1)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(tags) != 2 {
		t.Fatalf("expected 2 tags, got %d", len(tags))
	}
}

func TestUHFReadErrorReopens(t *testing.T) {
	port := &fakePort{readErr: errors.New("device gone")}
	opens := 0
	u := newTestUHF(port, &opens)
	if _, err := u.Poll(context.Background(), 1); err == nil {
		t.Fatalf("expected read error")
	}
	if !port.closed {
		t.Fatalf("port should be closed after read error")
	}
	port.readErr = nil
	if _, err := u.Poll(context.Background(), 1); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if opens != 2 {
		t.Fatalf("expected port reopened, opens=%d", opens)
	}
}

func TestUHFClosed(t *testing.T) {
	opens := 0
	u := newTestUHF(&fakePort{}, &opens)
	_ = u.Close()
	if _, err := u.Poll(context.Background(), 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSimDeterministic(t *testing.T) {
	a := NewSim(SimConfig{Population: 20, Seed: 7})
	b := NewSim(SimConfig{Population: 20, Seed: 7})
	ra, _ := a.Poll(context.Background(), 1)
	rb, _ := b.Poll(context.Background(), 1)
	if len(ra) == 0 || len(ra) != len(rb) {
		t.Fatalf("expected identical non-empty polls, got %d and %d", len(ra), len(rb))
	}
	for i := range ra {
		if ra[i] != rb[i] {
			t.Fatalf("reading %d differs: %+v vs %+v", i, ra[i], rb[i])
		}
		if len(ra[i].EPC) != 24 {
			t.Fatalf("EPC %q is not 96 bits", ra[i].EPC)
		}
	}
}

func TestSimHonoursMaxTagsAndCancel(t *testing.T) {
	s := NewSim(SimConfig{Population: 50, Seed: 1, MaxTags: 5, Visibility: 1})
	got, err := s.Poll(context.Background(), 1)
	if err != nil || len(got) != 5 {
		t.Fatalf("expected 5 tags, got %d err=%v", len(got), err)
	}
	slow := NewSim(SimConfig{Population: 1, PollDuration: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := slow.Poll(ctx, 1); err == nil {
		t.Fatalf("expected cancellation error")
	}
}

func TestSignalQuality(t *testing.T) {
	cases := map[int]string{-40: "excellent", -50: "good", -64: "good", -65: "fair", -74: "fair", -75: "weak", -90: "weak"}
	for rssi, want := range cases {
		if got := SignalQuality(rssi); got != want {
			t.Fatalf("SignalQuality(%d) = %s, want %s", rssi, got, want)
		}
	}
}
