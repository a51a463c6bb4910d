package model

import (
	"fmt"
	"time"
)

// TagReading is one RFID detection within one acquisition cycle.
type TagReading struct {
	EPC  string `json:"epc"`
	RSSI int    `json:"rssi_dbm"`
	PC   string `json:"pc"`
}

type Status uint8

const (
	StatusFailure Status = iota
	StatusSuccess
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusTimeout:
		return "timeout"
	default:
		return "failure"
	}
}

// RangingMeasurement is one anchor's result within one UWB session.
// DistanceCM is only meaningful when Status is StatusSuccess.
type RangingMeasurement struct {
	Address    uint16
	Status     Status
	DistanceCM int
}

type Session struct {
	Handle       uint32
	Sequence     uint32
	BlockIndex   uint32
	Measurements []RangingMeasurement
	Skipped      int
}

type AnchorSummary struct {
	Address    string  `json:"address"`
	DistanceCM float64 `json:"distance_cm"`
	Samples    uint32  `json:"samples"`
	Attempts   uint32  `json:"attempts"`
}

func FormatAnchorAddress(addr uint16) string {
	return fmt.Sprintf("0x%04X", addr)
}

// Snapshot is the fused output of one cycle. Timestamp is milliseconds
// since the agent started.
type Snapshot struct {
	Cycle     uint64
	Timestamp int64
	Wall      time.Time
	Tags      []TagReading
	Anchors   []AnchorSummary
}

func (s Snapshot) Empty() bool {
	return len(s.Tags) == 0 && len(s.Anchors) == 0
}

type Outcome string

const (
	OutcomePublished     Outcome = "published"
	OutcomeDropped       Outcome = "dropped_offline"
	OutcomeGated         Outcome = "gated"
	OutcomeEmpty         Outcome = "empty"
	OutcomePublishFailed Outcome = "publish_failed"
	OutcomeEncodeFailed  Outcome = "encode_failed"
)

type CycleRecord struct {
	Cycle        uint64    `json:"cycle"`
	Timestamp    time.Time `json:"timestamp"`
	Tags         int       `json:"tags"`
	Anchors      int       `json:"anchors"`
	Outcome      Outcome   `json:"outcome"`
	PayloadBytes int       `json:"payload_bytes"`
}
