package uwb

// Reassembler turns a raw byte stream into lines. It holds at most
// capacity bytes of an unterminated line; anything longer is dropped up to
// the next terminator.
type Reassembler struct {
	buf      []byte
	dropping bool
	overruns uint64
}

func NewReassembler(capacity int) *Reassembler {
	if capacity <= 0 {
		capacity = 256
	}
	return &Reassembler{buf: make([]byte, 0, capacity)}
}

// Feed consumes p and calls emit for every complete non-empty line, with
// the terminator and any trailing carriage return removed.
func (r *Reassembler) Feed(p []byte, emit func(line string)) {
	for _, b := range p {
		if b == '\n' {
			if r.dropping {
				r.dropping = false
				r.buf = r.buf[:0]
				continue
			}
			line := r.buf
			if n := len(line); n > 0 && line[n-1] == '\r' {
				line = line[:n-1]
			}
			if len(line) > 0 {
				emit(string(line))
			}
			r.buf = r.buf[:0]
			continue
		}
		if r.dropping {
			continue
		}
		if len(r.buf) == cap(r.buf) {
			r.dropping = true
			r.overruns++
			r.buf = r.buf[:0]
			continue
		}
		r.buf = append(r.buf, b)
	}
}

func (r *Reassembler) Pending() int {
	return len(r.buf)
}

func (r *Reassembler) Overruns() uint64 {
	return r.overruns
}

func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
	r.dropping = false
}
