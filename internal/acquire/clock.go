// Package acquire runs the RFID acquisition cycle: poll, publish the
// readings into the tag buffer, advance the cycle counter.
package acquire

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"shelftag/internal/ingest"
	"shelftag/internal/logging"
	"shelftag/internal/rfid"
)

type ClockConfig struct {
	PollIterations int
	// FailureBackoff is slept after a failed poll, once the cycle has
	// already advanced.
	FailureBackoff time.Duration
}

type ClockStats struct {
	Cycles       uint64        `json:"cycles"`
	FailedPolls  uint64        `json:"failed_polls"`
	LastTagCount int           `json:"last_tag_count"`
	LastPoll     time.Duration `json:"last_poll_ns"`
	LastError    string        `json:"last_error,omitempty"`
}

type Clock struct {
	cfg     ClockConfig
	driver  rfid.Driver
	tags    *TagBuffer
	counter *Counter
	logger  *slog.Logger

	mu    sync.Mutex
	stats ClockStats
}

func NewClock(cfg ClockConfig, driver rfid.Driver, tags *TagBuffer, counter *Counter, logger *slog.Logger) *Clock {
	return &Clock{
		cfg:     cfg,
		driver:  driver,
		tags:    tags,
		counter: counter,
		logger:  logging.Component(logger, "acquire"),
	}
}

// Run cycles until ctx is done. The cycle advances whether or not the
// poll succeeded.
func (c *Clock) Run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c.logger.Info("acquisition clock started", "poll_iterations", c.cfg.PollIterations)
	for ctx.Err() == nil {
		if err := c.Cycle(ctx); err != nil && c.cfg.FailureBackoff > 0 {
			if !ingest.BackoffSleep(ctx, c.cfg.FailureBackoff) {
				break
			}
		}
	}
	c.logger.Info("acquisition clock stopped")
}

// Cycle performs one poll and publishes its result. The returned error
// is the driver's; the cycle has advanced either way.
func (c *Clock) Cycle(ctx context.Context) error {
	start := time.Now()
	readings, err := c.driver.Poll(ctx, c.cfg.PollIterations)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		c.logger.Warn("rfid poll failed", "err", err, "elapsed", elapsed)
		readings = nil
	}
	c.tags.Replace(readings)
	cycle := c.counter.Advance()

	c.mu.Lock()
	c.stats.Cycles++
	c.stats.LastTagCount = len(readings)
	c.stats.LastPoll = elapsed
	if err != nil {
		c.stats.FailedPolls++
		c.stats.LastError = err.Error()
	} else {
		c.stats.LastError = ""
	}
	c.mu.Unlock()

	c.logger.Debug("cycle complete", "cycle", cycle, "tags", len(readings), "elapsed", elapsed)
	return err
}

func (c *Clock) Stats() ClockStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
