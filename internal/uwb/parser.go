package uwb

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"shelftag/internal/model"
)

type State int

const (
	StateIdle State = iota
	StateInSession
)

func (s State) String() string {
	if s == StateInSession {
		return "IN_SESSION"
	}
	return "IDLE"
}

const DefaultSessionBuffer = 2048

// SessionSink receives every completed session synchronously.
type SessionSink interface {
	Record(model.Session)
}

type ParserStats struct {
	Lines          uint64 `json:"lines"`
	Sessions       uint64 `json:"sessions"`
	Measurements   uint64 `json:"measurements"`
	SkippedRecords uint64 `json:"skipped_records"`
	Overflows      uint64 `json:"overflows"`
	Abandoned      uint64 `json:"abandoned"`
}

// Parser is the IDLE / IN_SESSION machine. It is driven from one goroutine;
// only Stats may be called concurrently.
type Parser struct {
	state State
	buf   []byte
	sink  SessionSink

	lines, sessions, measurements, skipped, overflows, abandoned atomic.Uint64
}

func NewParser(sessionBuffer int, sink SessionSink) *Parser {
	if sessionBuffer <= 0 {
		sessionBuffer = DefaultSessionBuffer
	}
	return &Parser{buf: make([]byte, 0, sessionBuffer), sink: sink}
}

func (p *Parser) State() State {
	return p.state
}

func (p *Parser) Buffered() int {
	return len(p.buf)
}

func (p *Parser) HandleLine(line string) {
	p.lines.Add(1)
	m := markers(line)
	switch p.state {
	case StateIdle:
		if m.start < 0 {
			return
		}
		p.begin(line[m.start:])
	case StateInSession:
		if m.start < 0 {
			if !p.appendLine(line) {
				return
			}
			if m.end >= 0 {
				p.complete()
			}
			return
		}
		if m.end >= 0 && m.end < m.start {
			if p.appendLine(line[:m.start]) {
				p.complete()
			}
		} else {
			p.abandoned.Add(1)
			p.reset()
		}
		p.begin(line[m.start:])
	}
}

func (p *Parser) begin(text string) {
	p.reset()
	p.state = StateInSession
	if !p.appendLine(text) {
		return
	}
	if strings.IndexByte(text, endMarker) >= 0 {
		p.complete()
	}
}

// appendLine adds a line to the session buffer. Exceeding the buffer
// abandons the session and returns false.
func (p *Parser) appendLine(line string) bool {
	if len(p.buf)+len(line)+1 > cap(p.buf) {
		p.overflows.Add(1)
		p.reset()
		return false
	}
	p.buf = append(p.buf, line...)
	p.buf = append(p.buf, '\n')
	return true
}

func (p *Parser) reset() {
	p.buf = p.buf[:0]
	p.state = StateIdle
}

func (p *Parser) complete() {
	text := string(p.buf)
	p.reset()
	s, err := ParseSession(text)
	if err != nil {
		return
	}
	p.sessions.Add(1)
	p.measurements.Add(uint64(len(s.Measurements)))
	p.skipped.Add(uint64(s.Skipped))
	if p.sink != nil {
		p.sink.Record(s)
	}
}

func (p *Parser) Stats() ParserStats {
	return ParserStats{
		Lines:          p.lines.Load(),
		Sessions:       p.sessions.Load(),
		Measurements:   p.measurements.Load(),
		SkippedRecords: p.skipped.Load(),
		Overflows:      p.overflows.Load(),
		Abandoned:      p.abandoned.Load(),
	}
}

var (
	ErrNoSession    = errors.New("no session start marker")
	ErrUnterminated = errors.New("session not terminated")
)

// ParseSession parses one complete session notification. Malformed
// records are counted in Skipped and otherwise ignored.
func ParseSession(text string) (model.Session, error) {
	toks := lex(text)
	if len(toks) == 0 {
		return model.Session{}, ErrNoSession
	}
	var s model.Session
	terminated := false
	for _, tok := range toks {
		switch tok.kind {
		case tokField:
			if len(s.Measurements) > 0 || s.Skipped > 0 {
				continue
			}
			applyHeaderField(&s, tok.key, tok.value)
		case tokRecord:
			if tok.broken {
				s.Skipped++
				continue
			}
			m, err := parseRecord(tok.value)
			if err != nil {
				s.Skipped++
				continue
			}
			s.Measurements = append(s.Measurements, m)
		case tokSessionEnd:
			terminated = true
		}
	}
	if !terminated {
		return s, ErrUnterminated
	}
	return s, nil
}

func applyHeaderField(s *model.Session, key, value string) {
	n, err := strconv.ParseUint(value, 0, 32)
	if err != nil {
		return
	}
	switch key {
	case "session_handle", "session_id":
		s.Handle = uint32(n)
	case "sequence_number":
		s.Sequence = uint32(n)
	case "block_index":
		s.BlockIndex = uint32(n)
	}
}

func parseRecord(body string) (model.RangingMeasurement, error) {
	var (
		m           model.RangingMeasurement
		haveAddr    bool
		status      string
		distance    string
		hasDistance bool
	)
	for _, part := range strings.Split(body, ",") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		switch key {
		case "mac_address", "mac_add", "address":
			addr, err := parseAddress(value)
			if err != nil {
				return m, err
			}
			m.Address = addr
			haveAddr = true
		case "status":
			status = strings.Trim(value, `"'`)
		case "distance[cm]", "distance":
			distance = value
			hasDistance = true
		}
	}
	if !haveAddr {
		return m, errors.New("record without mac_address")
	}
	if status == "" {
		return m, errors.New("record without status")
	}
	m.Status = parseStatus(status)
	if m.Status == model.StatusSuccess {
		if !hasDistance {
			return m, errors.New("successful record without distance")
		}
		// 32 bits keeps the aggregator's int64 sums from overflowing
		d, err := strconv.ParseUint(distance, 10, 32)
		if err != nil {
			return m, fmt.Errorf("distance %q: %w", distance, err)
		}
		m.DistanceCM = int(d)
	}
	return m, nil
}

func parseAddress(value string) (uint16, error) {
	v := strings.TrimPrefix(strings.TrimPrefix(value, "0x"), "0X")
	if v == "" {
		return 0, errors.New("empty mac_address")
	}
	n, err := strconv.ParseUint(v, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("mac_address %q: %w", value, err)
	}
	return uint16(n), nil
}

func parseStatus(token string) model.Status {
	t := strings.ToUpper(strings.TrimSpace(token))
	switch {
	case t == "SUCCESS" || t == "OK":
		return model.StatusSuccess
	case strings.Contains(t, "TIMEOUT"):
		return model.StatusTimeout
	default:
		return model.StatusFailure
	}
}
