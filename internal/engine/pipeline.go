package engine

import (
	"fmt"
	"sync"
	"time"

	"perfwatch/internal/abtest"
	"perfwatch/internal/aggregate"
	"perfwatch/internal/bus"
	"perfwatch/internal/errors"
	"perfwatch/internal/ingest"
	"perfwatch/internal/quality"
	"perfwatch/internal/threshold"
	"perfwatch/internal/types"
)

// contextState is the shared device/network snapshot used to derive
// segments. device and network events update it.
type contextState struct {
	mu      sync.RWMutex
	segment types.Segment
}

func newContextState() contextState {
	return contextState{segment: types.DefaultSegment()}
}

func (c *contextState) get() types.Segment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.segment
}

// observe folds device and network context into the snapshot.
func (c *contextState) observe(et types.EventType, ev types.Event) {
	var update func(*types.Segment)
	switch et {
	case types.EventDevice:
		update = func(s *types.Segment) {
			if v := ev.ContextString("device"); v != "" {
				s.Device = v
			}
			if v := ev.ContextString("region"); v != "" {
				s.Region = v
			}
			if v := ev.ContextString("userType"); v != "" {
				s.UserType = v
			}
		}
	case types.EventNetwork:
		update = func(s *types.Segment) {
			if v := ev.ContextString("effectiveType"); v != "" {
				s.Network = v
			}
			if v := ev.ContextString("network"); v != "" {
				s.Network = v
			}
		}
	default:
		return
	}
	c.mu.Lock()
	update(&c.segment)
	c.segment = c.segment.Normalize()
	c.mu.Unlock()
}

// segmentFor applies per-event overrides to the shared snapshot.
func (c *contextState) segmentFor(ev types.Event) types.Segment {
	s := c.get()
	if v := ev.ContextString("device"); v != "" {
		s.Device = v
	}
	if v := ev.ContextString("network"); v != "" {
		s.Network = v
	}
	if v := ev.ContextString("region"); v != "" {
		s.Region = v
	}
	if v := ev.ContextString("userType"); v != "" {
		s.UserType = v
	}
	return s.Normalize()
}

// Ingest validates, samples, enriches, buffers, and processes one event.
// It never fails: rejected events are counted under quality. The result
// reports whether the event was accepted.
func (e *Engine) Ingest(eventType string, ev types.Event) bool {
	if e.rejectStopped("ingest") {
		return false
	}
	defer e.guard("ingest")

	start := e.clk.Now()
	now := e.nowMs()
	et, ok := e.ingestor.Admit(eventType, ev, now)
	if !ok {
		return false
	}

	enriched := e.enrich(et, ev, now)
	e.ingestor.Buffer(enriched)
	e.bus.Publish(bus.TopicEventIngested, enriched)
	e.process(&enriched)
	e.metrics.RecordIngest(string(et), e.clk.Now().Sub(start))
	return true
}

func (e *Engine) enrich(et types.EventType, ev types.Event, now int64) types.EnrichedEvent {
	e.context.observe(et, ev)
	seg := e.context.segmentFor(ev)

	out := types.EnrichedEvent{
		Event:           ev,
		Type:            et,
		Category:        et.Category(),
		IngestTimestamp: now,
		Segment:         seg,
		ABAssignments:   e.abtests.Assignments(ev.UserID, seg, now),
		Competitive:     e.competitive.Load() || ev.ContextBool("isCompetitive"),
		HighStakes:      e.highStakes(ev),
	}
	if v, ok := ev.Sample(); ok && ev.Name != "" {
		bc := e.cfg.Baseline
		if e.baselines.IsAnomaly(out.Category, ev.Name, v, bc.AnomalyK, bc.AnomalyMinSamples) {
			out.QualityFlags = append(out.QualityFlags, types.FlagAnomaly)
			e.quality.Record(quality.Anomaly, map[string]interface{}{"category": out.Category, "metric": ev.Name, "value": v})
		}
	}
	return out
}

func (e *Engine) highStakes(ev types.Event) bool {
	if ev.ContextBool("isHighStakes") {
		return true
	}
	amount, ok := ev.ContextFloat("mlgAmount")
	return ok && amount >= e.cfg.Competitive.HighStakesAmount
}

// measured reports whether a category carries baselines, budgets, and
// thresholds. Engine-generated event types only aggregate.
func measured(category string) bool {
	return category != types.CategoryEngine
}

// process runs one accepted sample through aggregation and detection.
// The regression check reads the baseline before the sample joins it.
func (e *Engine) process(ev *types.EnrichedEvent) {
	v, ok := ev.Sample()
	if !ok {
		return
	}
	failed := ev.Failed()

	res := e.realtime.Add(aggregate.Sample{
		EventType:   ev.Type,
		Value:       v,
		Failed:      failed,
		Competitive: ev.Competitive,
		SegmentKey:  ev.Segment.Key(),
		VariantKeys: ev.VariantKeys(),
		IngestMs:    ev.IngestTimestamp,
	})
	if res.BucketsEvicted > 0 {
		e.quality.Add(quality.BucketEvicted, int64(res.BucketsEvicted), map[string]interface{}{"eventType": ev.Type})
	}
	if res.ReservoirEvicted {
		e.quality.Count(quality.ReservoirEvicted)
	}
	e.bus.Publish(bus.TopicRealtimeUpdated, res.View)

	out := e.segments.Record(ev.Segment, ev.Type, v, failed, ev.Competitive, ev.IngestTimestamp)
	if out.SegmentEvicted {
		e.quality.Record(quality.SegmentEvicted, map[string]interface{}{"segment": ev.Segment.Key()})
	}
	if out.ReservoirEvicted {
		e.quality.Count(quality.ReservoirEvicted)
	}
	if n := e.abtests.Record(ev.ABAssignments, v, failed, ev.Competitive); n > 0 {
		e.quality.Add(quality.VariantEvicted, int64(n), nil)
	}

	if ev.Name == "" || !measured(ev.Category) {
		return
	}
	e.detect(ev, v)
}

func (e *Engine) detect(ev *types.EnrichedEvent, v float64) {
	category, metric, now := ev.Category, ev.Name, ev.IngestTimestamp

	if r, ok := e.regressions.Check(category, metric, v, now); ok {
		e.bus.Publish(bus.TopicRegressionDetected, r)
		e.raise(types.Alert{
			Type:        types.AlertTypeRegression,
			Category:    category,
			Metric:      metric,
			Value:       v,
			Threshold:   r.BaselineP95,
			Level:       r.Severity.AlertLevel(ev.HighStakes),
			Message:     r.Message(),
			Competitive: ev.Competitive,
			HighStakes:  ev.HighStakes,
			Details: map[string]interface{}{
				"severity":        r.Severity,
				"zScore":          r.ZScore,
				"percentIncrease": r.PercentIncrease,
				"confidence":      r.Confidence,
				"baselineMean":    r.BaselineMean,
			},
		})
	}
	e.baselines.Add(category, metric, v)

	if viol, ok := e.budgets.Check(category, metric, v, now); ok {
		e.bus.Publish(bus.TopicBudgetViolation, viol)
		e.raise(types.Alert{
			Type:        types.AlertTypeBudget,
			Category:    category,
			Metric:      metric,
			Value:       v,
			Threshold:   viol.Budget,
			Level:       viol.Severity.AlertLevel(ev.HighStakes),
			Message:     viol.Message(),
			Competitive: ev.Competitive,
			HighStakes:  ev.HighStakes,
			Details: map[string]interface{}{
				"severity":       viol.Severity,
				"overage":        viol.Overage,
				"overagePercent": viol.OveragePercent,
				"target":         viol.Target,
			},
		})
	}

	if b, ok := e.thresholds.Check(category, metric, v, ev.Competitive, ev.HighStakes); ok {
		e.raise(types.Alert{
			Type:        types.AlertTypeThreshold,
			Category:    category,
			Metric:      metric,
			Value:       v,
			Threshold:   b.Threshold,
			Level:       b.Level,
			Message:     b.Message(),
			Competitive: ev.Competitive,
			HighStakes:  ev.HighStakes,
		})
	}
}

// BeginTimer starts a duration measurement for (scope, id).
func (e *Engine) BeginTimer(scope, id string, ctx map[string]interface{}) {
	if e.rejectStopped("begin_timer") {
		return
	}
	if dropped := e.timers.Begin(scope, id, ctx, e.nowMs()); dropped > 0 {
		e.quality.Add(quality.TimerExpired, int64(dropped), map[string]interface{}{"reason": "max_pending"})
	}
}

// EndTimer completes (scope, id) and ingests the resulting duration
// event. It reports false for unknown or expired timers.
func (e *Engine) EndTimer(scope, id string, extra map[string]interface{}) bool {
	if e.rejectStopped("end_timer") {
		return false
	}
	eventType, ev, status := e.timers.End(scope, id, extra, e.nowMs())
	switch status {
	case ingest.TimerExpired:
		e.quality.Record(quality.TimerExpired, map[string]interface{}{"scope": scope, "id": id, "reason": "ended_late"})
		return false
	case ingest.TimerUnknown:
		e.quality.Record(quality.TimerUnknown, map[string]interface{}{"scope": scope, "id": id})
		return false
	}
	return e.Ingest(eventType, ev)
}

// SetCompetitive sets the shared competitive flag attached to every event.
func (e *Engine) SetCompetitive(on bool) {
	e.competitive.Store(on)
	e.log.Info("competitive context changed", "competitive", on)
}

// Competitive reports the shared competitive flag.
func (e *Engine) Competitive() bool {
	return e.competitive.Load()
}

// AdjustThresholds switches the global threshold mode: competitive,
// high_stakes, or normal.
func (e *Engine) AdjustThresholds(mode string) error {
	if err := e.thresholds.Adjust(threshold.Mode(mode)); err != nil {
		return err
	}
	e.log.Info("threshold mode changed", "mode", mode)
	return nil
}

// RegisterABTest adds an experiment. A zero start time means now.
func (e *Engine) RegisterABTest(t abtest.Test) (abtest.Test, error) {
	if e.stopped.Load() {
		return t, errors.ErrEngineStopped
	}
	if t.StartTime == 0 {
		t.StartTime = e.nowMs()
	}
	registered, err := e.abtests.Register(t)
	if err != nil {
		return registered, err
	}
	e.log.Info("ab test registered", "id", registered.ID, "variants", fmt.Sprint(registered.Variants),
		"ends", time.UnixMilli(registered.EndTime).UTC().Format(time.RFC3339))
	return registered, nil
}
