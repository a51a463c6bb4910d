package rfid

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"shelftag/internal/model"
)

const (
	frameHeader = 0xBB
	frameEnd    = 0x7E

	frameTypeCommand  = 0x00
	frameTypeResponse = 0x01
	frameTypeNotice   = 0x02

	cmdPoll         = 0x22
	cmdMultiPoll    = 0x27
	cmdStopMultiple = 0x28

	noticePayloadLen = 0x11
	epcLen           = 12
	maxFramePayload  = 256
)

// frame is one decoded module frame: BB type cmd lenH lenL payload ck 7E.
type frame struct {
	typ     byte
	cmd     byte
	payload []byte
}

func checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

func encodeFrame(typ, cmd byte, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+7)
	out = append(out, frameHeader, typ, cmd, byte(len(payload)>>8), byte(len(payload)))
	out = append(out, payload...)
	out = append(out, checksum(out[1:]), frameEnd)
	return out
}

func multiPollCommand(iterations int) []byte {
	if iterations < 0 {
		iterations = 0
	}
	if iterations > 0xFFFF {
		iterations = 0xFFFF
	}
	return encodeFrame(frameTypeCommand, cmdMultiPoll, []byte{0x22, byte(iterations >> 8), byte(iterations)})
}

func stopCommand() []byte {
	return encodeFrame(frameTypeCommand, cmdStopMultiple, nil)
}

// decoder accumulates serial bytes and yields whole frames. Bytes that
// cannot start a frame are discarded.
type decoder struct {
	buf     []byte
	corrupt uint64
}

func (d *decoder) feed(p []byte, emit func(frame)) {
	d.buf = append(d.buf, p...)
	for {
		start := bytes.IndexByte(d.buf, frameHeader)
		if start < 0 {
			d.buf = d.buf[:0]
			return
		}
		d.buf = d.buf[start:]
		if len(d.buf) < 5 {
			return
		}
		n := int(d.buf[3])<<8 | int(d.buf[4])
		if n > maxFramePayload {
			d.corrupt++
			d.buf = d.buf[1:]
			continue
		}
		total := 5 + n + 2
		if len(d.buf) < total {
			return
		}
		raw := d.buf[:total]
		f, err := decodeFrame(raw)
		if err != nil {
			d.corrupt++
			d.buf = d.buf[1:]
			continue
		}
		emit(f)
		d.buf = d.buf[total:]
	}
}

func (d *decoder) reset() {
	d.buf = d.buf[:0]
}

func decodeFrame(raw []byte) (frame, error) {
	if len(raw) < 7 || raw[0] != frameHeader || raw[len(raw)-1] != frameEnd {
		return frame{}, ErrBadFrame
	}
	n := int(raw[3])<<8 | int(raw[4])
	if len(raw) != n+7 {
		return frame{}, fmt.Errorf("%w: length %d, declared payload %d", ErrBadFrame, len(raw), n)
	}
	if ck := checksum(raw[1 : 5+n]); ck != raw[5+n] {
		return frame{}, fmt.Errorf("%w: checksum %02x, want %02x", ErrBadFrame, raw[5+n], ck)
	}
	payload := make([]byte, n)
	copy(payload, raw[5:5+n])
	return frame{typ: raw[1], cmd: raw[2], payload: payload}, nil
}

// tagFromNotice decodes RSSI PC(2) EPC(12) CRC(2).
func tagFromNotice(f frame) (model.TagReading, error) {
	if f.typ != frameTypeNotice || f.cmd != cmdPoll || len(f.payload) != noticePayloadLen {
		return model.TagReading{}, fmt.Errorf("%w: not a tag notice", ErrBadFrame)
	}
	p := f.payload
	return model.TagReading{
		RSSI: int(int8(p[0])),
		PC:   hex.EncodeToString(p[1:3]),
		EPC:  hex.EncodeToString(p[3 : 3+epcLen]),
	}, nil
}
