package engine

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"perfwatch/internal/abtest"
	"perfwatch/internal/bus"
	"perfwatch/internal/config"
	"perfwatch/internal/quality"
	"perfwatch/internal/scheduler"
	"perfwatch/internal/types"
)

var tracer = otel.Tracer("perfwatch.engine")

const (
	sweepInterval        = time.Minute
	historySweepInterval = 10 * time.Minute
	timerSweepInterval   = 30 * time.Second
)

// Job names as registered with the scheduler.
const (
	JobFlush           = "flush"
	JobRollup          = "rollup"
	JobSweep           = "sweep"
	JobAlertHistory    = "alert-history"
	JobTimers          = "timers"
	JobABAnalysis      = "ab-analysis"
	JobRecommendations = "recommendations"
	JobPersist         = "persist"
)

func (e *Engine) registerJobs() error {
	jobs := []struct {
		name  string
		every time.Duration
		fn    scheduler.JobFunc
	}{
		{JobFlush, config.Ms(e.cfg.Buffering.FlushIntervalMs), func(ctx context.Context) error {
			e.Flush(ctx)
			return nil
		}},
		{JobRollup, config.Ms(e.cfg.Aggregation.Realtime.IntervalMs), func(ctx context.Context) error {
			e.RunRollups(ctx)
			return nil
		}},
		{JobSweep, sweepInterval, func(ctx context.Context) error {
			e.Sweep(ctx)
			return nil
		}},
		{JobAlertHistory, historySweepInterval, func(context.Context) error {
			e.alerts.SweepHistory(e.nowMs())
			return nil
		}},
		{JobTimers, timerSweepInterval, func(context.Context) error {
			e.ExpireTimers()
			return nil
		}},
		{JobABAnalysis, config.Ms(e.cfg.ABTesting.AnalysisIntervalMs), func(ctx context.Context) error {
			e.AnalyzeAB(ctx)
			return nil
		}},
		{JobRecommendations, config.Ms(e.cfg.Recommendations.RefreshIntervalMs), func(context.Context) error {
			e.RefreshRecommendations()
			return nil
		}},
		{JobPersist, config.Ms(e.cfg.Baseline.PersistIntervalMs), e.Persist},
	}
	for _, j := range jobs {
		if err := e.scheduler.Add(j.name, scheduler.Every(j.every), j.fn); err != nil {
			return err
		}
	}
	return nil
}

// RunJob runs a registered job immediately.
func (e *Engine) RunJob(ctx context.Context, name string) error {
	return e.scheduler.RunNow(ctx, name)
}

// Flush drains the buffer into batches and delivers them to the sink.
func (e *Engine) Flush(ctx context.Context) (delivered, failed int) {
	return e.ingestor.Flush(ctx)
}

// RunRollups rolls up every level boundary crossed since the last run.
func (e *Engine) RunRollups(ctx context.Context) int {
	ctx, span := tracer.Start(ctx, "engine.rollups")
	defer span.End()

	done := e.rollups.Advance(ctx, e.nowMs())
	for _, c := range done {
		e.bus.Publish(bus.TopicAggregationCompleted, c)
	}
	span.SetAttributes(attribute.Int("rollups.completed", len(done)))
	return len(done)
}

// Sweep drops buckets past their retention.
func (e *Engine) Sweep(ctx context.Context) int {
	n := e.rollups.Sweep(ctx, e.nowMs())
	if n > 0 {
		e.log.Debug("buckets swept", "count", n)
	}
	return n
}

// ExpireTimers drops timers older than the maximum age.
func (e *Engine) ExpireTimers() int {
	n := e.timers.Expire(e.nowMs())
	if n > 0 {
		e.quality.Add(quality.TimerExpired, int64(n), map[string]interface{}{"reason": "max_age"})
	}
	return n
}

// AnalyzeAB runs significance tests on every live experiment, announces
// significant and concluded results, and stores concluded ones.
func (e *Engine) AnalyzeAB(ctx context.Context) (significant, concluded []abtest.Analysis) {
	ctx, span := tracer.Start(ctx, "engine.ab_analysis")
	defer span.End()

	significant, concluded = e.abtests.Analyze(e.nowMs())
	for _, a := range significant {
		e.bus.Publish(bus.TopicABSignificantResult, a)
	}
	for _, a := range concluded {
		e.bus.Publish(bus.TopicABConcluded, a)
		data, err := json.Marshal(a)
		if err != nil {
			continue
		}
		if err := e.store.Put(ctx, "concludedTests:"+a.TestID, string(data), 0); err != nil {
			span.RecordError(err)
			e.log.WithError(err).Warn("concluded test not stored", "test", a.TestID)
		}
	}
	span.SetAttributes(
		attribute.Int("ab.significant", len(significant)),
		attribute.Int("ab.concluded", len(concluded)),
	)
	return significant, concluded
}

// RefreshRecommendations re-scores recommendations against the current
// alert levels and drops expired ones.
func (e *Engine) RefreshRecommendations() int {
	_, span := tracer.Start(context.Background(), "engine.recommendations",
		trace.WithAttributes(attribute.Int("recommendations.before", e.recs.Len())))
	defer span.End()

	expired := e.recs.Refresh(e.nowMs(), func(alertID string) (types.AlertLevel, bool) {
		a, err := e.alerts.Get(alertID)
		if err != nil || a.Status == types.StatusResolved {
			return "", false
		}
		return a.Level, true
	})
	span.SetAttributes(attribute.Int("recommendations.expired", expired))
	return expired
}
