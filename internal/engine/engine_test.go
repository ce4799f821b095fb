package engine

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perfwatch/internal/abtest"
	"perfwatch/internal/bus"
	"perfwatch/internal/clock"
	"perfwatch/internal/config"
	"perfwatch/internal/correlation"
	"perfwatch/internal/errors"
	"perfwatch/internal/logger"
	"perfwatch/internal/monitoring"
	"perfwatch/internal/quality"
	"perfwatch/internal/store"
	"perfwatch/internal/testutils"
	"perfwatch/internal/types"
)

type harness struct {
	e     *Engine
	clk   *clock.Manual
	store *store.MemoryStore
	sink  *testutils.CaptureSink
	rec   *testutils.Recorder
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := testutils.DefaultTestConfig()
	cfg.Mutate = mutate
	suite := testutils.NewTestSuite(t, cfg)

	e, err := New(context.Background(), Options{
		Config:  suite.Config,
		Clock:   suite.Clock,
		Logger:  logger.Discard(),
		Metrics: monitoring.NewMetrics(),
		Store:   suite.Store,
		Sink:    suite.Sink,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

	return &harness{
		e:     e,
		clk:   suite.Clock,
		store: suite.Store,
		sink:  suite.Sink,
		rec:   testutils.Record(e),
	}
}

func (h *harness) ingest(t *testing.T, eventType, name string, v float64) {
	t.Helper()
	require.True(t, h.e.Ingest(eventType, types.Event{Name: name, Value: types.Float(v), Timestamp: clock.NowMs(h.clk), SessionID: "s1", UserID: "u1"}))
}

func (h *harness) alertsOfType(alertType string) []*types.Alert {
	var out []*types.Alert
	for _, a := range h.e.ActiveAlerts() {
		if a.Type == alertType {
			out = append(out, a)
		}
	}
	return out
}

func TestBaselineColdStart(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 10; i++ {
		h.ingest(t, "web_vital", "LCP", 2000)
	}
	h.ingest(t, "web_vital", "LCP", 2200)

	assert.Empty(t, h.alertsOfType(types.AlertTypeRegression))
	assert.Empty(t, h.rec.Messages(bus.TopicRegressionDetected))

	st, ok := h.e.Snapshot().Vitals.Metrics["LCP"]
	require.True(t, ok)
	assert.Equal(t, 11, st.SampleCount)
	assert.InDelta(t, 2018.18, st.Mean, 0.01)
	assert.Greater(t, st.StdDev, 0.0)
}

func TestRegressionWarmState(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 60; i++ {
		h.ingest(t, "web_vital", "LCP", 1900+200*float64(i)/59)
	}
	require.Empty(t, h.alertsOfType(types.AlertTypeRegression))

	h.ingest(t, "web_vital", "LCP", 2800)

	alerts := h.alertsOfType(types.AlertTypeRegression)
	require.Len(t, alerts, 1)
	a := alerts[0]
	assert.Equal(t, types.SeverityModerate, a.Details["severity"])
	assert.Equal(t, types.LevelWarning, a.Level)
	assert.InDelta(t, 40, a.Details["percentIncrease"].(float64), 0.5)
	assert.InDelta(t, 13.8, a.Details["zScore"].(float64), 0.5)
	// 40 from z, 16 from the 40% increase, 12 from 60 samples
	assert.InDelta(t, 68, a.Details["confidence"].(float64), 0.5)

	require.Len(t, h.rec.Messages(bus.TopicRegressionDetected), 1)
	assert.Equal(t, int64(1), h.e.Quality().Counters[string(quality.Anomaly)])
	assert.NotEmpty(t, h.e.Recommendations())
}

func TestBudgetViolation(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Budgets = map[string]map[string]config.Budget{
			types.CategoryGaming: {"voteLatency": {Target: 100, Budget: 300}},
		}
	})
	h.ingest(t, "gaming_performance", "voteLatency", 700)

	alerts := h.alertsOfType(types.AlertTypeBudget)
	require.Len(t, alerts, 1)
	assert.Equal(t, types.SeverityCritical, alerts[0].Details["severity"])
	assert.InDelta(t, 133.3, alerts[0].Details["overagePercent"].(float64), 0.1)
	assert.Equal(t, types.LevelCritical, alerts[0].Level)
	require.Len(t, h.rec.Messages(bus.TopicBudgetViolation), 1)

	// 700 also crosses the 300 warning threshold
	thresholds := h.alertsOfType(types.AlertTypeThreshold)
	require.Len(t, thresholds, 1)
	assert.Equal(t, types.LevelWarning, thresholds[0].Level)
}

var criticalReadings = []struct {
	eventType, name string
	v               float64
}{
	{"web_vital", "LCP", 7000},
	{"web_vital", "FCP", 5000},
	{"web_vital", "FID", 600},
	{"web_vital", "INP", 900},
	{"web_vital", "CLS", 0.6},
	{"web_vital", "TTFB", 3500},
	{"gaming_performance", "voteLatency", 1500},
	{"gaming_performance", "walletInteraction", 6000},
	{"gaming_performance", "leaderboardLoad", 4000},
	{"gaming_performance", "tournamentBracket", 4500},
	{"gaming_performance", "clanManagement", 3500},
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, nil)
	for _, r := range criticalReadings {
		h.ingest(t, r.eventType, r.name, r.v)
		h.clk.Advance(4 * time.Millisecond)
	}
	require.Len(t, h.alertsOfType(types.AlertTypeThreshold), 11)

	// past the cooldown every metric is admitted again until the type hits 20 in the hour
	h.clk.Advance(5*time.Minute + time.Second)
	for _, r := range criticalReadings {
		h.ingest(t, r.eventType, r.name, r.v)
		h.clk.Advance(4 * time.Millisecond)
	}
	assert.Len(t, h.alertsOfType(types.AlertTypeThreshold), 20)
	assert.Equal(t, int64(2), h.e.Quality().Counters[string(quality.AlertSuppressed)])
}

func TestCooldownIsPerMetric(t *testing.T) {
	h := newHarness(t, nil)
	h.ingest(t, "web_vital", "LCP", 7000)
	h.ingest(t, "web_vital", "FCP", 5000)
	h.ingest(t, "web_vital", "CLS", 0.5)
	require.Len(t, h.alertsOfType(types.AlertTypeThreshold), 3)
	assert.Zero(t, h.e.Quality().Counters[string(quality.AlertSuppressed)])

	h.clk.Advance(time.Minute)
	h.ingest(t, "web_vital", "LCP", 7000)
	assert.Len(t, h.alertsOfType(types.AlertTypeThreshold), 3)
	assert.Equal(t, int64(1), h.e.Quality().Counters[string(quality.AlertSuppressed)])

	h.clk.Advance(4 * time.Minute)
	h.ingest(t, "web_vital", "LCP", 7000)
	assert.Len(t, h.alertsOfType(types.AlertTypeThreshold), 4)
}

func TestCorrelationOpensIncident(t *testing.T) {
	h := newHarness(t, nil)
	h.ingest(t, "web_vital", "LCP", 7000)
	h.clk.Advance(10 * time.Second)
	h.ingest(t, "web_vital", "FCP", 5000)
	h.clk.Advance(10 * time.Second)
	h.ingest(t, "gaming_performance", "walletInteraction", 6000)

	require.Len(t, h.rec.Messages(bus.TopicIncidentCreated), 1)
	inc := h.rec.Messages(bus.TopicIncidentCreated)[0].Payload.(types.Incident)
	assert.Equal(t, correlation.PatternNetworkCascade, inc.PatternType)
	assert.Equal(t, correlation.CauseNetwork, inc.ProbableCause.Category)
	assert.Equal(t, 0.8, inc.ProbableCause.Confidence)
	assert.Len(t, inc.AlertIDs, 3)

	aggregates := h.alertsOfType(types.AlertTypeAggregate)
	require.Len(t, aggregates, 1)
	assert.Equal(t, aggregates[0].ID, inc.ID)
	for _, id := range inc.AlertIDs {
		member, err := h.e.GetAlert(id)
		require.NoError(t, err)
		assert.Equal(t, inc.ID, member.IncidentID)
		assert.Len(t, member.CorrelatedAlertIDs, 2)
	}

	snap := h.e.Snapshot()
	require.Len(t, snap.Incidents, 1)
	assert.Equal(t, inc.ID, snap.Incidents[0].ID)
}

func TestABAssignmentIsStable(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.ABTesting.Enabled = true })
	_, err := h.e.RegisterABTest(abtest.Test{ID: "t1", Variants: []string{"A", "B"}, SampleRatio: 1.0})
	require.NoError(t, err)

	var first string
	for i := 0; i < 100; i++ {
		require.True(t, h.e.Ingest("user_experience", types.Event{Name: "clickDelay", Value: types.Float(50), Timestamp: clock.NowMs(h.clk), UserID: "u42"}))
	}
	for _, m := range h.rec.Messages(bus.TopicEventIngested) {
		ev := m.Payload.(types.EnrichedEvent)
		v, ok := ev.ABAssignments["t1"]
		require.True(t, ok)
		if first == "" {
			first = v
		}
		assert.Equal(t, first, v)
	}
	results, err := h.e.ABResults("t1")
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestContextEnrichment(t *testing.T) {
	h := newHarness(t, nil)
	h.e.SetCompetitive(true)
	require.True(t, h.e.Ingest("network", types.Event{Name: "rtt", Value: types.Float(120), Timestamp: clock.NowMs(h.clk), Context: map[string]interface{}{"effectiveType": "3g"}}))
	require.True(t, h.e.Ingest("gaming_performance", types.Event{
		Name: "voteLatency", Value: types.Float(90), Timestamp: clock.NowMs(h.clk),
		Context: map[string]interface{}{"mlgAmount": 250.0, "device": "mobile"},
	}))

	msgs := h.rec.Messages(bus.TopicEventIngested)
	require.Len(t, msgs, 2)
	last := msgs[1].Payload.(types.EnrichedEvent)
	assert.True(t, last.Competitive)
	assert.True(t, last.HighStakes)
	assert.Equal(t, "3g", last.Segment.Network)
	assert.Equal(t, "mobile", last.Segment.Device)
	assert.Equal(t, "3g", h.e.Snapshot().Context.Segment.Network)
}

func TestInvalidEventsAreCounted(t *testing.T) {
	h := newHarness(t, nil)
	assert.False(t, h.e.Ingest("not_a_type", types.Event{Name: "x", Value: types.Float(1), Timestamp: clock.NowMs(h.clk)}))
	assert.Equal(t, int64(1), h.e.Quality().Counters[string(quality.ValidationFailed)])
	assert.Empty(t, h.rec.Messages(bus.TopicEventIngested))
}

func TestTimers(t *testing.T) {
	h := newHarness(t, nil)
	h.e.BeginTimer("render", "r1", map[string]interface{}{"component": "bracket"})
	h.clk.Advance(250 * time.Millisecond)
	assert.True(t, h.e.EndTimer("render", "r1", nil))
	assert.False(t, h.e.EndTimer("render", "r1", nil))
	assert.Equal(t, int64(1), h.e.Quality().Counters[string(quality.TimerUnknown)])

	h.e.BeginTimer("render", "r2", nil)
	h.clk.Advance(6 * time.Minute)
	assert.Equal(t, 1, h.e.ExpireTimers())
	assert.Equal(t, int64(1), h.e.Quality().Counters[string(quality.TimerExpired)])

	// ending the swept timer is a late end, not an unknown one
	assert.False(t, h.e.EndTimer("render", "r2", nil))
	assert.Equal(t, int64(2), h.e.Quality().Counters[string(quality.TimerExpired)])
	assert.Equal(t, int64(1), h.e.Quality().Counters[string(quality.TimerUnknown)])

	h.e.BeginTimer("render", "r3", nil)
	h.clk.Advance(6 * time.Minute)
	assert.False(t, h.e.EndTimer("render", "r3", nil))
	assert.Equal(t, int64(3), h.e.Quality().Counters[string(quality.TimerExpired)])
	assert.Equal(t, int64(1), h.e.Quality().Counters[string(quality.TimerUnknown)])
}

func TestRollupsAndPredictions(t *testing.T) {
	h := newHarness(t, nil)
	// four samples a minute keeps the baseline cold, so thresholds stay at
	// their configured values
	for minute := 0; minute < 10; minute++ {
		for i := 0; i < 4; i++ {
			h.ingest(t, "web_vital", "LCP", 1000+float64(minute)*500)
			h.clk.Advance(15 * time.Second)
		}
		h.e.RunRollups(context.Background())
	}
	assert.NotEmpty(t, h.rec.Messages(bus.TopicAggregationCompleted))

	views, err := h.e.Aggregates("minute", "web_vital", 0)
	require.NoError(t, err)
	require.NotEmpty(t, views)
	assert.Equal(t, int64(4), views[0].Stats.Count)
	assert.Len(t, views, 10)

	preds, err := h.e.Predictions("web_vital")
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.Equal(t, TrendIncreasing, preds[0].Trend)
	assert.Equal(t, "LCP", preds[0].Metric)
	assert.True(t, preds[0].Breach)

	_, err = h.e.Aggregates("fortnight", "", 0)
	assert.Error(t, err)
}

func TestBottlenecks(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 20; i++ {
		h.ingest(t, "web_vital", "TTFB", 2400)
		h.ingest(t, "web_vital", "FCP", 1000)
	}
	got, err := h.e.Bottlenecks("web_vital")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "TTFB", got[0].Metric)
	assert.InDelta(t, 2400.0/1800, got[0].Ratio, 1e-9)
}

func TestAdjustThresholds(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.e.AdjustThresholds("high_stakes"))
	assert.Equal(t, "high_stakes", string(h.e.Snapshot().Context.ThresholdMode))
	assert.Error(t, h.e.AdjustThresholds("panic"))
	require.NoError(t, h.e.AdjustThresholds("normal"))
}

func TestAcknowledgeAndResolve(t *testing.T) {
	h := newHarness(t, nil)
	h.ingest(t, "web_vital", "LCP", 7000)
	active := h.e.ActiveAlerts()
	require.Len(t, active, 1)
	id := active[0].ID

	_, err := h.e.Acknowledge(id, "oncall")
	require.NoError(t, err)
	_, err = h.e.Resolve(id, "fixed", "oncall")
	require.NoError(t, err)
	assert.Empty(t, h.e.ActiveAlerts())
	assert.Len(t, h.e.AlertHistory(types.AlertTypeThreshold), 1)

	_, err = h.e.Resolve(id, "again", "oncall")
	assert.Equal(t, errors.ErrCodeInvalidState, errors.GetAppError(err).Code)
}

func TestShutdownFlushesAndPersists(t *testing.T) {
	h := newHarness(t, nil)
	h.e.Start()
	for i := 0; i < 5; i++ {
		h.ingest(t, "web_vital", "LCP", 2000)
	}
	require.NoError(t, h.e.Shutdown(context.Background()))
	require.NoError(t, h.e.Shutdown(context.Background()))

	assert.Equal(t, 5, h.sink.Events())
	assert.True(t, h.sink.Closed())
	_, found, err := h.store.Get(context.Background(), "qualityMetrics:latest")
	require.NoError(t, err)
	assert.True(t, found)

	assert.False(t, h.e.Ingest("web_vital", types.Event{Name: "LCP", Value: types.Float(1), Timestamp: clock.NowMs(h.clk)}))
	assert.Equal(t, int64(1), h.e.Quality().Counters[string(quality.EngineStopped)])
}

func TestBaselinesSurviveRestart(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 12; i++ {
		h.ingest(t, "web_vital", "INP", 180)
	}
	require.NoError(t, h.e.Persist(context.Background()))

	e, err := New(context.Background(), Options{
		Config: config.Default(),
		Clock:  h.clk,
		Logger: logger.Discard(),
		Store:  h.store,
		Sink:   &testutils.CaptureSink{},
	})
	require.NoError(t, err)
	defer e.Shutdown(context.Background())
	st, ok := e.Snapshot().Vitals.Metrics["INP"]
	require.True(t, ok)
	assert.Equal(t, 12, st.SampleCount)
}

func TestSubscriberPanicIsContained(t *testing.T) {
	h := newHarness(t, nil)
	h.e.Subscribe(bus.TopicEventIngested, func(bus.Message) { panic("boom") })
	h.ingest(t, "web_vital", "LCP", 2000)
	assert.Equal(t, int64(1), h.e.Quality().Counters[string(quality.SubscriberPanic)])
	assert.Len(t, h.rec.Messages(bus.TopicRealtimeUpdated), 1)
}

func TestInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Sampling.SampleRate = 2
	cfg.Buffering.BufferSize = 0
	_, err := New(context.Background(), Options{Config: cfg, Logger: logger.Discard()})
	require.Error(t, err)
	var cerr *errors.ConfigError
	require.True(t, stderrors.As(err, &cerr))
}

func TestJobsAreRegistered(t *testing.T) {
	h := newHarness(t, nil)
	names := map[string]bool{}
	for _, task := range h.e.Tasks() {
		names[task.Name] = true
	}
	for _, n := range []string{JobFlush, JobRollup, JobSweep, JobAlertHistory, JobTimers, JobABAnalysis, JobRecommendations, JobPersist} {
		assert.True(t, names[n], n)
	}
	require.NoError(t, h.e.RunJob(context.Background(), JobFlush))
}
