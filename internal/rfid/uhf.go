package rfid

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"shelftag/internal/logging"
	"shelftag/internal/model"
	"shelftag/internal/serialport"
)

type UHFConfig struct {
	Path         string
	Options      serialport.Options
	MaxTags      int
	FrameTimeout time.Duration
	PollTimeout  time.Duration
}

// UHF drives a UHF RFID module over a serial link. The port is opened on
// first use and reopened after a write or read failure.
type UHF struct {
	cfg    UHFConfig
	open   serialport.Opener
	logger *slog.Logger

	mu     sync.Mutex
	port   serialport.Port
	dec    decoder
	closed bool
}

func NewUHF(cfg UHFConfig, open serialport.Opener, logger *slog.Logger) *UHF {
	if open == nil {
		open = serialport.Open
	}
	if cfg.MaxTags <= 0 {
		cfg.MaxTags = DefaultMaxTags
	}
	if cfg.FrameTimeout <= 0 {
		cfg.FrameTimeout = 500 * time.Millisecond
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 3 * time.Second
	}
	return &UHF{cfg: cfg, open: open, logger: logging.Component(logger, "rfid")}
}

// Poll issues a multi-poll command and collects tag notices until the
// module goes quiet for FrameTimeout, PollTimeout elapses or MaxTags
// distinct EPCs have been seen. Duplicate EPCs keep their first reading.
func (u *UHF) Poll(ctx context.Context, iterations int) ([]model.TagReading, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil, ErrClosed
	}
	if u.port == nil {
		port, err := u.open(u.cfg.Path, u.cfg.Options)
		if err != nil {
			return nil, err
		}
		u.port = port
		u.dec.reset()
	}
	if _, err := u.port.Write(multiPollCommand(iterations)); err != nil {
		u.dropPort()
		return nil, fmt.Errorf("write poll command: %w", err)
	}

	var (
		readings = make([]model.TagReading, 0, 16)
		seen     = make(map[string]struct{})
		chunk    = make([]byte, 256)
		start    = time.Now()
		lastRx   = start
		full     bool
	)
	collect := func(f frame) {
		if full || f.typ != frameTypeNotice {
			return
		}
		tag, err := tagFromNotice(f)
		if err != nil {
			return
		}
		if _, dup := seen[tag.EPC]; dup {
			return
		}
		seen[tag.EPC] = struct{}{}
		readings = append(readings, tag)
		u.logger.Debug("tag read", "epc", tag.EPC, "rssi_dbm", tag.RSSI, "quality", SignalQuality(tag.RSSI))
		if len(readings) >= u.cfg.MaxTags {
			full = true
		}
	}
	for !full && ctx.Err() == nil {
		now := time.Now()
		if now.Sub(lastRx) > u.cfg.FrameTimeout || now.Sub(start) > u.cfg.PollTimeout {
			break
		}
		n, err := u.port.Read(chunk)
		if n > 0 {
			lastRx = time.Now()
			u.dec.feed(chunk[:n], collect)
		}
		if err != nil {
			u.dropPort()
			return readings, fmt.Errorf("read tag notices: %w", err)
		}
		if n == 0 {
			runtime.Gosched()
		}
	}
	if _, err := u.port.Write(stopCommand()); err != nil {
		u.logger.Warn("stop command failed", "err", err)
	}
	return readings, nil
}

func (u *UHF) dropPort() {
	if u.port != nil {
		_ = u.port.Close()
		u.port = nil
	}
	u.dec.reset()
}

func (u *UHF) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closed = true
	if u.port == nil {
		return nil
	}
	err := u.port.Close()
	u.port = nil
	return err
}
