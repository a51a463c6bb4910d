// Package rfid is the boundary to the UHF RFID reader: one bounded poll
// returns up to a fixed number of tag readings.
package rfid

import (
	"context"
	"errors"

	"shelftag/internal/model"
)

// DefaultMaxTags is the size of the module's card table.
const DefaultMaxTags = 200

var (
	ErrBadFrame = errors.New("rfid: malformed frame")
	ErrClosed   = errors.New("rfid: driver closed")
)

// Driver performs one bounded poll. An error means the cycle saw no tags;
// callers never retry within the same cycle.
type Driver interface {
	Poll(ctx context.Context, iterations int) ([]model.TagReading, error)
	Close() error
}

// SignalQuality labels an RSSI value for operators.
func SignalQuality(rssi int) string {
	switch {
	case rssi > -50:
		return "excellent"
	case rssi > -65:
		return "good"
	case rssi > -75:
		return "fair"
	default:
		return "weak"
	}
}
