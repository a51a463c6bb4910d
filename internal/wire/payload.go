// Package wire encodes cycle snapshots into the JSON payload published on
// the data topic. Encoding happens into a buffer whose capacity is fixed at
// construction; exceeding it is an error, never a reallocation.
package wire

import (
	"encoding/json"
	"errors"
	"strings"

	"shelftag/internal/model"
)

var ErrPayloadTooLarge = errors.New("payload exceeds buffer capacity")

type Payload struct {
	PollingCycle uint64      `json:"polling_cycle"`
	Timestamp    int64       `json:"timestamp"`
	RFID         RFIDSection `json:"rfid"`
	UWB          UWBSection  `json:"uwb"`
}

type RFIDSection struct {
	TagCount int   `json:"tag_count"`
	Tags     []Tag `json:"tags"`
}

type Tag struct {
	EPC  string `json:"epc"`
	RSSI int    `json:"rssi_dbm"`
	PC   string `json:"pc"`
}

type UWBSection struct {
	Available bool     `json:"available"`
	NAnchors  int      `json:"n_anchors"`
	Anchors   []Anchor `json:"anchors"`
}

type Anchor struct {
	MACAddress      string  `json:"mac_address"`
	AverageDistance float64 `json:"average_distance_cm"`
	Measurements    uint32  `json:"measurements"`
	TotalSessions   uint32  `json:"total_sessions"`
}

func FromSnapshot(s model.Snapshot) Payload {
	p := Payload{
		PollingCycle: s.Cycle,
		Timestamp:    s.Timestamp,
		RFID:         RFIDSection{TagCount: len(s.Tags), Tags: make([]Tag, 0, len(s.Tags))},
		UWB:          UWBSection{Available: len(s.Anchors) > 0, NAnchors: len(s.Anchors), Anchors: make([]Anchor, 0, len(s.Anchors))},
	}
	for _, t := range s.Tags {
		p.RFID.Tags = append(p.RFID.Tags, Tag{EPC: t.EPC, RSSI: t.RSSI, PC: t.PC})
	}
	for _, a := range s.Anchors {
		p.UWB.Anchors = append(p.UWB.Anchors, Anchor{
			MACAddress:      a.Address,
			AverageDistance: a.DistanceCM,
			Measurements:    a.Samples,
			TotalSessions:   a.Attempts,
		})
	}
	return p
}

// Encoder owns a single reusable buffer. It is not safe for concurrent use;
// the synchronizer is its only caller.
type Encoder struct {
	buf boundedBuffer
}

func NewEncoder(capacity int) *Encoder {
	return &Encoder{buf: boundedBuffer{b: make([]byte, 0, capacity)}}
}

func (e *Encoder) Capacity() int {
	return cap(e.buf.b)
}

// Encode serializes the snapshot. The returned slice aliases the encoder's
// buffer and is only valid until the next call.
func (e *Encoder) Encode(s model.Snapshot) ([]byte, error) {
	e.buf.b = e.buf.b[:0]
	enc := json.NewEncoder(&e.buf)
	if err := enc.Encode(FromSnapshot(s)); err != nil {
		e.buf.b = e.buf.b[:0]
		return nil, err
	}
	out := e.buf.b
	if n := len(out); n > 0 && out[n-1] == '\n' {
		out = out[:n-1]
	}
	return out, nil
}

type boundedBuffer struct {
	b []byte
}

func (w *boundedBuffer) Write(p []byte) (int, error) {
	if len(w.b)+len(p) > cap(w.b) {
		return 0, ErrPayloadTooLarge
	}
	w.b = append(w.b, p...)
	return len(p), nil
}

// WorstCaseSize is the encoded size of a snapshot holding maxTags EPC-96
// tags and maxAnchors anchors with every numeric field at its widest.
func WorstCaseSize(maxTags, maxAnchors int) int {
	s := model.Snapshot{
		Cycle:     ^uint64(0),
		Timestamp: -1 << 63,
		Tags:      make([]model.TagReading, maxTags),
		Anchors:   make([]model.AnchorSummary, maxAnchors),
	}
	for i := range s.Tags {
		s.Tags[i] = model.TagReading{EPC: strings.Repeat("f", 24), RSSI: -128, PC: "ffff"}
	}
	for i := range s.Anchors {
		s.Anchors[i] = model.AnchorSummary{
			Address:    "0xFFFF",
			DistanceCM: -1.2345678901234567e+300,
			Samples:    ^uint32(0),
			Attempts:   ^uint32(0),
		}
	}
	data, err := json.Marshal(FromSnapshot(s))
	if err != nil {
		return 0
	}
	return len(data) + 1
}
