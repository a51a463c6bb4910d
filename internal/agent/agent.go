// Package agent wires the acquisition, UWB and network sides together.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"shelftag/internal/acquire"
	"shelftag/internal/anchors"
	"shelftag/internal/api"
	"shelftag/internal/config"
	"shelftag/internal/history"
	"shelftag/internal/ingest"
	"shelftag/internal/link"
	"shelftag/internal/logging"
	"shelftag/internal/metrics"
	"shelftag/internal/model"
	"shelftag/internal/rfid"
	"shelftag/internal/serialport"
	"shelftag/internal/storage"
	"shelftag/internal/synchronizer"
	"shelftag/internal/uwb"
	"shelftag/internal/wire"
)

// uhfReadTimeout bounds a single serial read so the frame and poll
// timeouts are checked often enough.
const uhfReadTimeout = 50 * time.Millisecond

const linkPollInterval = 20 * time.Millisecond

type Agent struct {
	cfg    *config.Config
	logger *slog.Logger

	tags      *acquire.TagBuffer
	counter   *acquire.Counter
	agg       *anchors.Aggregator
	driver    rfid.Driver
	clock     *acquire.Clock
	reader    *uwb.Reader
	link      link.Link
	syncer    *synchronizer.Synchronizer
	history   *history.Store
	sightings *metrics.Store
	store     storage.Store
	recorder  *storage.Recorder
	version   string
}

// Options replace hardware-facing pieces, mainly for tests.
type Options struct {
	Driver  rfid.Driver
	Link    link.Link
	Opener  serialport.Opener
	Version string
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*Agent, error) {
	a := &Agent{
		cfg:       cfg,
		logger:    logging.Component(logger, "agent"),
		tags:      acquire.NewTagBuffer(cfg.Acquisition.MaxTags),
		counter:   &acquire.Counter{},
		agg:       anchors.New(cfg.Anchors.Capacity),
		history:   history.NewStore(256),
		sightings: metrics.NewStore(5000),
		version:   opts.Version,
	}

	a.driver = opts.Driver
	if a.driver == nil {
		a.driver = newDriver(cfg.Acquisition, opts.Opener, logger)
	}
	a.clock = acquire.NewClock(acquire.ClockConfig{
		PollIterations: cfg.Acquisition.PollIterations,
		FailureBackoff: cfg.Acquisition.FailureBackoff,
	}, a.driver, a.tags, a.counter, logger)

	if cfg.UWB.Enabled {
		a.reader = uwb.NewReader(uwb.ReaderConfig{
			Path:          cfg.UWB.Serial.Port,
			Options:       serialport.FromConfig(cfg.UWB.Serial, cfg.UWB.ReadTimeout),
			LineBuffer:    cfg.UWB.LineBuffer,
			SessionBuffer: cfg.UWB.SessionBuffer,
			ReopenBackoff: cfg.UWB.ReopenBackoff,
		}, opts.Opener, a.agg, logger)
	}

	a.link = opts.Link
	if a.link == nil {
		l, err := link.New(cfg.Link, logger)
		if err != nil {
			return nil, err
		}
		a.link = l
	}

	journals := synchronizer.Journals{a.history}
	store, err := storage.NewStore(cfg.Journal)
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	if store != nil {
		if err := store.Init(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("journal init: %w", err)
		}
		a.store = store
		a.recorder = storage.NewRecorder(ctx, store, cfg.Journal.Queue, logger)
		journals = append(journals, a.recorder)
	}

	a.syncer = synchronizer.New(synchronizer.Config{
		FreshnessWindow:   cfg.Anchors.FreshnessWindow,
		ReconnectInterval: cfg.Link.ReconnectInterval,
		IdleSleep:         cfg.Synchronizer.IdleSleep,
	}, a.counter, a.tags, a.agg, a.link, wire.NewEncoder(cfg.Payload.BufferSize), journals, logger)
	a.syncer.SetObserver(a.sightings)
	return a, nil
}

func newDriver(cfg config.AcquisitionConfig, open serialport.Opener, logger *slog.Logger) rfid.Driver {
	if strings.EqualFold(cfg.Driver, "uhf") {
		return rfid.NewUHF(rfid.UHFConfig{
			Path:         cfg.Serial.Port,
			Options:      serialport.FromConfig(cfg.Serial, uhfReadTimeout),
			MaxTags:      cfg.MaxTags,
			FrameTimeout: cfg.FrameTimeout,
			PollTimeout:  cfg.PollTimeout,
		}, open, logger)
	}
	return rfid.NewSim(rfid.SimConfig{
		Population:   cfg.Sim.Population,
		PollDuration: cfg.Sim.PollDuration,
		Seed:         cfg.Sim.Seed,
		MaxTags:      cfg.MaxTags,
	})
}

// Run starts every component and blocks until ctx is done and they have
// all stopped. The link, the RFID driver and the journal are closed on the
// way out.
func (a *Agent) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	start := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	if a.recorder != nil {
		start(a.recorder.Run)
	}
	if a.reader != nil {
		start(a.reader.Run)
	}
	start(a.clock.Run)
	start(a.syncer.Run)

	deps := api.Deps{
		Config:    a.cfg,
		Stats:     a.statsFuncs(),
		History:   a.history,
		Sightings: a.sightings,
		Version:   a.version,
	}
	if a.store != nil {
		deps.Journal = a.store
	}
	api.Start(ctx, deps, a.logger)

	a.logger.Info("shelftag running",
		"acquisition", a.cfg.Acquisition.Driver,
		"uwb", a.cfg.UWB.Enabled,
		"link", a.link.Name(),
		"journal", a.store != nil)

	<-ctx.Done()
	wg.Wait()
	return a.Close()
}

// Close releases the link, the RFID driver and the journal.
func (a *Agent) Close() error {
	var errs []error
	if err := a.link.Close(); err != nil {
		errs = append(errs, fmt.Errorf("link: %w", err))
	}
	if err := a.driver.Close(); err != nil {
		errs = append(errs, fmt.Errorf("rfid: %w", err))
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("journal: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *Agent) statsFuncs() map[string]api.StatsFunc {
	stats := map[string]api.StatsFunc{
		"acquisition":  func() any { return a.clock.Stats() },
		"anchors":      func() any { return a.agg.Stats() },
		"link":         func() any { return a.link.Stats() },
		"synchronizer": func() any { return a.syncer.Stats() },
	}
	if a.reader != nil {
		stats["uwb"] = func() any { return a.reader.Stats() }
	}
	if a.recorder != nil {
		stats["journal"] = func() any { return a.recorder.Stats() }
	}
	return stats
}

// Step runs one acquisition cycle followed by one synchronizer step. It
// backs the -once flag.
func (a *Agent) Step(ctx context.Context) (model.Outcome, error) {
	err := a.clock.Cycle(ctx)
	a.awaitLink(ctx)
	outcome, _ := a.syncer.Step()
	return outcome, err
}

// awaitLink starts a connection attempt and polls the link for up to the
// configured connect timeout, so a single step can publish.
func (a *Agent) awaitLink(ctx context.Context) {
	if _, offline := a.link.(*link.Offline); offline || a.link.Connected() {
		return
	}
	a.link.TryConnect()
	deadline := time.Now().Add(a.cfg.Link.ConnectTimeout)
	for !a.link.Connected() && time.Now().Before(deadline) {
		if !ingest.BackoffSleep(ctx, linkPollInterval) {
			return
		}
	}
}

func (a *Agent) History() *history.Store { return a.history }

func (a *Agent) Sightings() *metrics.Store { return a.sightings }
