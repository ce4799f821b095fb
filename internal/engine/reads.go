package engine

import (
	"math"
	"sort"

	"perfwatch/internal/abtest"
	"perfwatch/internal/aggregate"
	"perfwatch/internal/baseline"
	"perfwatch/internal/errors"
	"perfwatch/internal/quality"
	"perfwatch/internal/recommend"
	"perfwatch/internal/segment"
	"perfwatch/internal/stats"
	"perfwatch/internal/threshold"
	"perfwatch/internal/types"
)

const (
	predictionWindow  = 30
	predictionHorizon = 5
	// trendBand is the relative change below which a trend is stable.
	trendBand = 0.05
)

// CategorySnapshot is the current picture of one event type.
type CategorySnapshot struct {
	EventType types.EventType           `json:"eventType"`
	Latest    *aggregate.View           `json:"latest,omitempty"`
	Metrics   map[string]baseline.Stats `json:"metrics"`
}

// ContextSnapshot is the shared enrichment context.
type ContextSnapshot struct {
	Segment       types.Segment  `json:"segment"`
	Competitive   bool           `json:"competitive"`
	ThresholdMode threshold.Mode `json:"thresholdMode"`
}

// Snapshot is the dashboard view returned by Engine.Snapshot.
type Snapshot struct {
	Timestamp       int64                      `json:"timestamp"`
	Vitals          CategorySnapshot           `json:"vitals"`
	Gaming          CategorySnapshot           `json:"gaming"`
	UserExperience  CategorySnapshot           `json:"userExperience"`
	Network         CategorySnapshot           `json:"network"`
	Device          CategorySnapshot           `json:"device"`
	Alerts          []*types.Alert             `json:"alerts"`
	Incidents       []types.Incident           `json:"incidents"`
	Recommendations []recommend.Recommendation `json:"recommendations"`
	Context         ContextSnapshot            `json:"context"`
}

// Bottleneck is a metric whose baseline p95 sits above its warning
// threshold.
type Bottleneck struct {
	Category string  `json:"category"`
	Metric   string  `json:"metric"`
	P95      float64 `json:"p95"`
	Warning  float64 `json:"warning"`
	Critical float64 `json:"critical"`
	Ratio    float64 `json:"ratio"`
	Samples  int     `json:"sampleCount"`
}

// Trend labels the direction of a prediction.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// Prediction projects an event type's minute means a few minutes ahead.
type Prediction struct {
	EventType types.EventType `json:"eventType"`
	Current   float64         `json:"current"`
	Predicted float64         `json:"predicted"`
	Slope     float64         `json:"slopePerMinute"`
	Trend     Trend           `json:"trend"`
	Points    int             `json:"points"`
	HorizonMs int64           `json:"horizonMs"`
	Metric    string          `json:"metric,omitempty"`
	Critical  float64         `json:"critical,omitempty"`
	Breach    bool            `json:"breach"`
}

func (e *Engine) categorySnapshot(et types.EventType, byCategory map[string]map[string]baseline.Stats) CategorySnapshot {
	cs := CategorySnapshot{EventType: et, Metrics: byCategory[et.Category()]}
	if cs.Metrics == nil {
		cs.Metrics = map[string]baseline.Stats{}
	}
	if v, ok := e.realtime.Latest(et); ok {
		cs.Latest = &v
	}
	return cs
}

func (e *Engine) baselinesByCategory() map[string]map[string]baseline.Stats {
	out := make(map[string]map[string]baseline.Stats)
	for _, b := range e.baselines.All() {
		st, ok := e.baselines.Stats(b.Category, b.Metric)
		if !ok {
			continue
		}
		if out[b.Category] == nil {
			out[b.Category] = make(map[string]baseline.Stats)
		}
		out[b.Category][b.Metric] = st
	}
	return out
}

// Snapshot returns the latest real-time view, baseline stats, open alerts,
// incidents, and recommendations.
func (e *Engine) Snapshot() Snapshot {
	byCategory := e.baselinesByCategory()
	active := e.alerts.Active()
	s := Snapshot{
		Timestamp:       e.nowMs(),
		Vitals:          e.categorySnapshot(types.EventWebVital, byCategory),
		Gaming:          e.categorySnapshot(types.EventGamingPerformance, byCategory),
		UserExperience:  e.categorySnapshot(types.EventUserExperience, byCategory),
		Network:         e.categorySnapshot(types.EventNetwork, byCategory),
		Device:          e.categorySnapshot(types.EventDevice, byCategory),
		Alerts:          active,
		Incidents:       []types.Incident{},
		Recommendations: e.recs.List(),
		Context: ContextSnapshot{
			Segment:       e.context.get(),
			Competitive:   e.competitive.Load(),
			ThresholdMode: e.thresholds.Mode(),
		},
	}
	for _, a := range active {
		if a.IsAggregate() && a.Incident != nil {
			s.Incidents = append(s.Incidents, *a.Incident)
		}
	}
	return s
}

// Aggregates returns bucket views at level for eventType (every type when
// empty) with slot ≥ sinceMs.
func (e *Engine) Aggregates(level, eventType string, sinceMs int64) ([]aggregate.View, error) {
	l, ok := aggregate.ParseLevel(level)
	if !ok {
		return nil, errors.NewAppError(errors.ErrCodeValidationFailed, "unknown aggregation level "+level, nil)
	}
	var et types.EventType
	if eventType != "" {
		if et, ok = types.ParseEventType(eventType); !ok {
			return nil, errors.NewAppError(errors.ErrCodeValidationFailed, "unknown event type "+eventType, nil)
		}
	}
	views := e.rollups.Views(l, et, sinceMs)
	if views == nil {
		views = []aggregate.View{}
	}
	return views, nil
}

// SegmentPerformance returns per-segment stats, optionally filtered.
func (e *Engine) SegmentPerformance(filter *types.Segment) []segment.Performance {
	return e.segments.Performance(filter)
}

// ABResults returns the latest analysis of one test, or of all tests when
// testID is empty.
func (e *Engine) ABResults(testID string) ([]abtest.Analysis, error) {
	return e.abtests.Results(testID, e.nowMs())
}

// ABTests lists registered experiments.
func (e *Engine) ABTests() []abtest.Test {
	return e.abtests.Tests()
}

// Bottlenecks ranks metrics of eventType's category (all categories when
// empty) by how far their baseline p95 exceeds the effective warning
// threshold.
func (e *Engine) Bottlenecks(eventType string) ([]Bottleneck, error) {
	category, err := categoryFilter(eventType)
	if err != nil {
		return nil, err
	}
	competitive := e.competitive.Load()
	out := []Bottleneck{}
	for _, b := range e.baselines.All() {
		if category != "" && b.Category != category {
			continue
		}
		st, ok := e.baselines.Stats(b.Category, b.Metric)
		if !ok || st.SampleCount == 0 {
			continue
		}
		eff, ok := e.thresholds.Effective(b.Category, b.Metric, competitive, false)
		if !ok || eff.Warning <= 0 || st.P95 <= eff.Warning {
			continue
		}
		out = append(out, Bottleneck{
			Category: b.Category,
			Metric:   b.Metric,
			P95:      st.P95,
			Warning:  eff.Warning,
			Critical: eff.Critical,
			Ratio:    st.P95 / eff.Warning,
			Samples:  st.SampleCount,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Ratio > out[j].Ratio })
	return out, nil
}

// Predictions fits a line through the last minute-level means of each
// measured event type and projects it a few minutes ahead.
func (e *Engine) Predictions(eventType string) ([]Prediction, error) {
	targets := measuredEventTypes()
	if eventType != "" {
		et, ok := types.ParseEventType(eventType)
		if !ok {
			return nil, errors.NewAppError(errors.ErrCodeValidationFailed, "unknown event type "+eventType, nil)
		}
		targets = []types.EventType{et}
	}
	out := []Prediction{}
	for _, et := range targets {
		if p, ok := e.predict(et); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (e *Engine) predict(et types.EventType) (Prediction, bool) {
	series := e.rollups.Series(aggregate.LevelMinute, et, predictionWindow)
	if len(series) < 2 {
		return Prediction{}, false
	}
	interval := float64(series[0].SlotEnd - series[0].SlotStart)
	origin := series[0].SlotStart
	xs := make([]float64, len(series))
	ys := make([]float64, len(series))
	for i, v := range series {
		xs[i] = float64(v.SlotStart-origin) / interval
		ys[i] = v.Stats.Mean
	}
	alpha, beta := stats.LinearFit(xs, ys)
	last := xs[len(xs)-1]
	predicted := alpha + beta*(last+predictionHorizon)
	current := ys[len(ys)-1]

	p := Prediction{
		EventType: et,
		Current:   current,
		Predicted: predicted,
		Slope:     beta,
		Trend:     trendOf(current, predicted),
		Points:    len(series),
		HorizonMs: int64(predictionHorizon * interval),
	}
	if metric, ok := e.dominantMetric(et.Category()); ok {
		eff, _ := e.thresholds.Effective(et.Category(), metric, e.competitive.Load(), false)
		p.Metric = metric
		p.Critical = eff.Critical
		p.Breach = eff.Critical > 0 && predicted > eff.Critical
	}
	return p, true
}

func trendOf(current, predicted float64) Trend {
	base := math.Abs(current)
	if base == 0 {
		base = 1
	}
	change := (predicted - current) / base
	switch {
	case change > trendBand:
		return TrendIncreasing
	case change < -trendBand:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// dominantMetric is the thresholded metric of category with the most
// baseline samples.
func (e *Engine) dominantMetric(category string) (string, bool) {
	best, bestN := "", -1
	for _, b := range e.baselines.All() {
		if b.Category != category {
			continue
		}
		if _, ok := e.thresholds.Base(b.Category, b.Metric); !ok {
			continue
		}
		if n := len(b.Values); n > bestN || (n == bestN && b.Metric < best) {
			best, bestN = b.Metric, n
		}
	}
	return best, bestN >= 0
}

func measuredEventTypes() []types.EventType {
	var out []types.EventType
	for _, et := range types.AllEventTypes() {
		if measured(et.Category()) {
			out = append(out, et)
		}
	}
	return out
}

func categoryFilter(eventType string) (string, error) {
	if eventType == "" {
		return "", nil
	}
	et, ok := types.ParseEventType(eventType)
	if !ok {
		return "", errors.NewAppError(errors.ErrCodeValidationFailed, "unknown event type "+eventType, nil)
	}
	return et.Category(), nil
}

// Quality returns the quality counters.
func (e *Engine) Quality() quality.Report {
	return e.quality.Report()
}

// Recommendations returns the current recommendations, best first.
func (e *Engine) Recommendations() []recommend.Recommendation {
	return e.recs.List()
}
