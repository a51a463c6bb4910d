// Package ingest holds the small loop helpers shared by the sensor readers
// and the journal recorder.
package ingest

import (
	"context"
	"time"
)

// SendNonBlocking offers v to out and reports whether it was accepted. A
// full channel drops v immediately.
func SendNonBlocking[T any](ctx context.Context, out chan<- T, v T) bool {
	select {
	case out <- v:
		return true
	case <-ctx.Done():
		return false
	default:
		return false
	}
}

// BackoffSleep waits d, or returns false early when ctx is done.
func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
