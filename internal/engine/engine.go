// Package engine wires the telemetry pipeline together: ingest, aggregation,
// baselines, detection, alerting, correlation, and recommendations. Every
// collaborator is built once in New and owned by the Engine instance.
package engine

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"perfwatch/internal/abtest"
	"perfwatch/internal/aggregate"
	"perfwatch/internal/alerting"
	"perfwatch/internal/baseline"
	"perfwatch/internal/budget"
	"perfwatch/internal/bus"
	"perfwatch/internal/clock"
	"perfwatch/internal/config"
	"perfwatch/internal/correlation"
	"perfwatch/internal/errors"
	"perfwatch/internal/ingest"
	"perfwatch/internal/logger"
	"perfwatch/internal/monitoring"
	"perfwatch/internal/quality"
	"perfwatch/internal/recommend"
	"perfwatch/internal/regression"
	"perfwatch/internal/retry"
	"perfwatch/internal/scheduler"
	"perfwatch/internal/segment"
	"perfwatch/internal/store"
	"perfwatch/internal/threshold"
)

// Options supplies the collaborators a host may want to own. Zero values
// are replaced with defaults built from Config.
type Options struct {
	Config  *config.Config
	Clock   clock.Clock
	Logger  logger.Logger
	Metrics *monitoring.Metrics
	// Store replaces the adapter selected by Config.Storage. It is still
	// wrapped with the retry policy.
	Store store.Store
	// Sink replaces the batch sink selected by Config.Sink.
	Sink ingest.Sink
}

// Engine is one telemetry engine instance.
type Engine struct {
	cfg *config.Config

	clk     clock.Clock
	log     logger.Logger
	metrics *monitoring.Metrics
	bus     *bus.Bus
	quality *quality.Recorder
	store   store.Store

	ingestor    *ingest.Ingestor
	timers      *ingest.Timers
	realtime    *aggregate.Realtime
	rollups     *aggregate.Rollups
	baselines   *baseline.Store
	regressions *regression.Detector
	budgets     *budget.Monitor
	thresholds  *threshold.Manager
	abtests     *abtest.Bookkeeper
	segments    *segment.Bookkeeper
	alerts      *alerting.Manager
	correlator  *correlation.Correlator
	recs        *recommend.Engine
	scheduler   *scheduler.Scheduler

	context     contextState
	competitive atomic.Bool

	started  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New validates the configuration and builds the engine. Configuration
// problems are reported as one *errors.ConfigError. Persisted baselines and
// recommendations are restored before New returns.
func New(ctx context.Context, opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewLogger(cfg.Logging)
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = monitoring.NewMetrics()
	}

	e := &Engine{
		cfg:     cfg,
		clk:     clk,
		log:     log.WithField("component", "engine"),
		metrics: metrics,
		bus:     bus.New(clk),
		context: newContextState(),
	}
	e.quality = quality.NewRecorder(cfg.Quality, clk, e.bus, metrics, log.WithField("component", "quality"))
	e.bus.OnPanic(func(topic string, recovered interface{}) {
		// counted without notifying; the notice itself could panic again
		e.quality.Count(quality.SubscriberPanic)
		e.log.Error("subscriber panicked", "topic", topic, "panic", recovered)
	})

	policy := retry.Policy{Attempts: cfg.Buffering.RetryAttempts, Backoff: config.Ms(cfg.Buffering.RetryBackoffMs)}
	onExhausted := func(op, key string, err error) {
		e.quality.Record(quality.PersistenceFailed, map[string]interface{}{"op": op, "key": key, "error": err.Error()})
	}
	if opts.Store != nil {
		e.store = store.NewRetryingStore(opts.Store, policy, log, onExhausted)
	} else {
		st, err := store.Open(ctx, cfg.Storage, policy, clk, log, onExhausted)
		if err != nil {
			return nil, errors.NewConfigError([]string{err.Error()})
		}
		e.store = st
	}

	sink := opts.Sink
	if sink == nil {
		s, err := ingest.OpenSink(ctx, cfg.Sink, cfg.Storage.Redis, log)
		if err != nil {
			e.store.Close()
			return nil, errors.NewConfigError([]string{err.Error()})
		}
		sink = s
	}

	seed := cfg.Sampling.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	now := clock.NowMs(clk)

	e.ingestor = ingest.New(cfg.Buffering, cfg.Sampling.SampleRate, rand.New(rand.NewPCG(seed, 1)), sink, clk, e.bus, e.quality, metrics, log)
	e.timers = ingest.NewTimers(cfg.Timers.MaxAgeMs, cfg.Timers.MaxPending)
	e.realtime = aggregate.NewRealtime(cfg.Aggregation)
	e.rollups = aggregate.NewRollups(cfg.Aggregation, e.realtime, rand.New(rand.NewPCG(seed, 2)), now)
	e.baselines = baseline.NewStore(cfg.Baseline, clk)
	e.regressions = regression.NewDetector(e.baselines, cfg.Baseline)
	e.budgets = budget.NewMonitor(cfg.Budgets)
	e.thresholds = threshold.NewManager(cfg.Thresholds, cfg.Competitive, e.baselines, cfg.Baseline.SampleSize)
	e.abtests = abtest.NewBookkeeper(cfg.ABTesting)
	e.segments = segment.NewBookkeeper(cfg.Segmentation, rand.New(rand.NewPCG(seed, 3)))
	e.alerts = alerting.NewManager(cfg.Alerts, clk, e.bus, e.quality, metrics, log)
	e.correlator = correlation.New(cfg.Alerts)
	e.recs = recommend.New(cfg.Recommendations, clk, e.bus, metrics, log)
	e.scheduler = scheduler.New(clk, log, metrics)

	if err := e.registerJobs(); err != nil {
		e.ingestor.Close()
		e.store.Close()
		return nil, err
	}
	e.restore(ctx)
	return e, nil
}

func (e *Engine) restore(ctx context.Context) {
	n, err := e.baselines.Restore(ctx, e.store)
	if err != nil {
		e.log.WithError(err).Warn("baseline restore failed")
	} else if n > 0 {
		e.log.Info("baselines restored", "count", n)
	}
	n, err = e.recs.Restore(ctx, e.store)
	if err != nil {
		e.log.WithError(err).Warn("recommendation restore failed")
	} else if n > 0 {
		e.log.Info("recommendations restored", "count", n)
	}
}

// Start runs the periodic jobs and the batch delivery loop. It is
// idempotent.
func (e *Engine) Start() {
	if e.stopped.Load() || !e.started.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.scheduler.Start()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.ingestor.Kick():
				e.ingestor.Deliver(ctx)
			}
		}
	}()
	e.log.Info("engine started", "jobs", len(e.scheduler.ListTasks()))
}

// Shutdown stops every timer, drains the buffer into one final batch,
// persists baselines, recommendations, and quality counters, and releases
// the sink and the store. Later ingests are rejected. A second call is a
// no-op that returns nil.
func (e *Engine) Shutdown(ctx context.Context) error {
	var err error
	e.stopOnce.Do(func() {
		err = e.shutdown(ctx)
	})
	return err
}

func (e *Engine) shutdown(ctx context.Context) error {
	e.stopped.Store(true)
	e.log.Info("engine shutting down")

	if e.started.Load() {
		e.scheduler.Stop(ctx)
		e.cancel()
		e.wg.Wait()
	}
	e.alerts.Stop()

	delivered, failed := e.ingestor.Flush(ctx)
	e.log.Info("final flush", "delivered", delivered, "failed", failed)

	if err := e.Persist(ctx); err != nil {
		e.log.WithError(err).Warn("final persistence incomplete")
	}

	var closeErr error
	if err := e.ingestor.Close(); err != nil {
		closeErr = err
		e.log.WithError(err).Warn("sink close failed")
	}
	if err := e.store.Close(); err != nil && closeErr == nil {
		closeErr = err
		e.log.WithError(err).Warn("store close failed")
	}
	e.bus.Close()
	e.log.Info("engine stopped")
	return closeErr
}

// Persist writes baselines, recommendations, and the quality report to the
// store concurrently. Failures are already counted by the store; the first
// one is returned.
func (e *Engine) Persist(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "engine.persist")
	defer span.End()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := e.baselines.Persist(ctx, e.store)
		if err == nil {
			e.log.Debug("baselines persisted", "count", n)
		}
		return err
	})
	g.Go(func() error {
		return e.recs.Persist(ctx, e.store)
	})
	g.Go(func() error {
		return e.quality.Persist(ctx, e.store, 0)
	})
	err := g.Wait()
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// Stopped reports whether Shutdown has been called.
func (e *Engine) Stopped() bool {
	return e.stopped.Load()
}

// Bus exposes the notification hub for subscribers.
func (e *Engine) Bus() *bus.Bus {
	return e.bus
}

// Metrics exposes the engine's Prometheus collectors.
func (e *Engine) Metrics() *monitoring.Metrics {
	return e.metrics
}

// Config returns the validated configuration.
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// Clock returns the engine's time source.
func (e *Engine) Clock() clock.Clock {
	return e.clk
}

// Tasks lists the periodic jobs and their last run.
func (e *Engine) Tasks() []scheduler.Task {
	return e.scheduler.ListTasks()
}

// Subscribe registers h for topic; see the bus topic constants.
func (e *Engine) Subscribe(topic string, h bus.Handler) func() {
	return e.bus.Subscribe(topic, h)
}

func (e *Engine) nowMs() int64 {
	return clock.NowMs(e.clk)
}

func (e *Engine) rejectStopped(op string) bool {
	if !e.stopped.Load() {
		return false
	}
	e.quality.Record(quality.EngineStopped, map[string]interface{}{"op": op})
	return true
}

// guard turns a panic on the hot path into an internal_error quality issue.
func (e *Engine) guard(op string) {
	if r := recover(); r != nil {
		e.quality.Record(quality.InternalError, map[string]interface{}{"op": op, "panic": r})
		e.log.Error("recovered panic", "op", op, "panic", r)
	}
}
