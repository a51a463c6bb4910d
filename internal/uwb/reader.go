package uwb

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"shelftag/internal/ingest"
	"shelftag/internal/logging"
	"shelftag/internal/serialport"
)

type ReaderConfig struct {
	Path          string
	Options       serialport.Options
	LineBuffer    int
	SessionBuffer int
	ReopenBackoff time.Duration
}

type ReaderStats struct {
	Opens      uint64      `json:"opens"`
	ReadErrors uint64      `json:"read_errors"`
	Bytes      uint64      `json:"bytes"`
	Overruns   uint64      `json:"line_overruns"`
	Parser     ParserStats `json:"parser"`
}

// Reader owns the UWB serial link and drives the reassembler and parser.
// Completed sessions go straight to the sink on the reader goroutine.
type Reader struct {
	cfg    ReaderConfig
	open   serialport.Opener
	lines  *Reassembler
	parser *Parser
	logger *slog.Logger

	opens, readErrors, bytes, overruns atomic.Uint64
}

func NewReader(cfg ReaderConfig, open serialport.Opener, sink SessionSink, logger *slog.Logger) *Reader {
	if open == nil {
		open = serialport.Open
	}
	if cfg.ReopenBackoff <= 0 {
		cfg.ReopenBackoff = 2 * time.Second
	}
	if cfg.SessionBuffer <= 0 {
		cfg.SessionBuffer = DefaultSessionBuffer
	}
	// a whole session may arrive on one line
	if cfg.LineBuffer <= 0 {
		cfg.LineBuffer = cfg.SessionBuffer
	}
	return &Reader{
		cfg:    cfg,
		open:   open,
		lines:  NewReassembler(cfg.LineBuffer),
		parser: NewParser(cfg.SessionBuffer, sink),
		logger: logging.Component(logger, "uwb"),
	}
}

// Run reads until ctx is done, reopening the port after failures.
func (r *Reader) Run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	r.logger.Info("uwb reader started", "port", r.cfg.Path)
	for ctx.Err() == nil {
		port, err := r.open(r.cfg.Path, r.cfg.Options)
		if err != nil {
			r.logger.Warn("uwb port open failed", "port", r.cfg.Path, "err", err)
			if !ingest.BackoffSleep(ctx, r.cfg.ReopenBackoff) {
				break
			}
			continue
		}
		r.opens.Add(1)
		err = r.consume(ctx, port)
		_ = port.Close()
		if err == nil {
			break
		}
		r.readErrors.Add(1)
		r.logger.Warn("uwb read failed, reopening", "err", err, "backoff", r.cfg.ReopenBackoff)
		if !ingest.BackoffSleep(ctx, r.cfg.ReopenBackoff) {
			break
		}
	}
	r.logger.Info("uwb reader stopped")
}

// consume returns nil only when ctx is done.
func (r *Reader) consume(ctx context.Context, port io.Reader) error {
	// Partial state from a previous connection is not resumable.
	r.lines.Reset()
	r.parser.reset()
	chunk := make([]byte, 128)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := port.Read(chunk)
		if n > 0 {
			r.bytes.Add(uint64(n))
			before := r.lines.Overruns()
			r.lines.Feed(chunk[:n], r.parser.HandleLine)
			if d := r.lines.Overruns() - before; d > 0 {
				r.overruns.Add(d)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && n > 0 {
				continue
			}
			return err
		}
	}
}

func (r *Reader) Stats() ReaderStats {
	return ReaderStats{
		Opens:      r.opens.Load(),
		ReadErrors: r.readErrors.Load(),
		Bytes:      r.bytes.Load(),
		Overruns:   r.overruns.Load(),
		Parser:     r.parser.Stats(),
	}
}
