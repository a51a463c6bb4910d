package storage

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"shelftag/internal/ingest"
	"shelftag/internal/logging"
	"shelftag/internal/model"
)

const (
	recorderBatch = 32
	recorderFlush = time.Second
)

type RecorderStats struct {
	Recorded uint64 `json:"recorded"`
	Dropped  uint64 `json:"dropped"`
	Saved    uint64 `json:"saved"`
	Failed   uint64 `json:"failed"`
}

// Recorder moves cycle records from the synchronizer to the store. Record
// never blocks; a full queue drops the record.
type Recorder struct {
	store  Store
	queue  chan model.CycleRecord
	ctx    context.Context
	logger *slog.Logger

	recorded, dropped, saved, failed atomic.Uint64
}

func NewRecorder(ctx context.Context, store Store, queue int, logger *slog.Logger) *Recorder {
	if queue <= 0 {
		queue = 64
	}
	return &Recorder{
		store:  store,
		queue:  make(chan model.CycleRecord, queue),
		ctx:    ctx,
		logger: logging.Component(logger, "journal"),
	}
}

func (r *Recorder) Record(rec model.CycleRecord) {
	r.recorded.Add(1)
	if !ingest.SendNonBlocking(r.ctx, r.queue, rec) {
		r.dropped.Add(1)
	}
}

// Run writes batches until ctx is done, then flushes what is queued.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(recorderFlush)
	defer ticker.Stop()
	batch := make([]model.CycleRecord, 0, recorderBatch)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := r.store.SaveCycles(ctx, batch); err != nil {
			r.failed.Add(uint64(len(batch)))
			r.logger.Warn("journal write failed", "records", len(batch), "err", err)
		} else {
			r.saved.Add(uint64(len(batch)))
		}
		batch = batch[:0]
	}
	for {
		select {
		case rec := <-r.queue:
			batch = append(batch, rec)
			if len(batch) >= recorderBatch {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			for {
				select {
				case rec := <-r.queue:
					batch = append(batch, rec)
				default:
					shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					flush(shutdown)
					cancel()
					return
				}
			}
		}
	}
}

func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Recorded: r.recorded.Load(),
		Dropped:  r.dropped.Load(),
		Saved:    r.saved.Load(),
		Failed:   r.failed.Load(),
	}
}
