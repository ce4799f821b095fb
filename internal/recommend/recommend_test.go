package recommend

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perfwatch/internal/bus"
	"perfwatch/internal/clock"
	"perfwatch/internal/config"
	"perfwatch/internal/correlation"
	"perfwatch/internal/logger"
	"perfwatch/internal/monitoring"
	"perfwatch/internal/store"
	"perfwatch/internal/types"
)

type fixture struct {
	e      *Engine
	clk    *clock.Manual
	topics map[string]int
	auto   []AutomationIntent
}

func newFixture(mutate func(*config.RecommendationConfig)) *fixture {
	cfg := config.Default().Recommendations
	if mutate != nil {
		mutate(&cfg)
	}
	clk := clock.NewManual(time.UnixMilli(1_700_000_000_000))
	b := bus.New(clk)
	f := &fixture{clk: clk, topics: map[string]int{}}
	b.Subscribe(bus.All, func(m bus.Message) { f.topics[m.Topic]++ })
	b.Subscribe(bus.TopicRecommendationAutomate, func(m bus.Message) {
		f.auto = append(f.auto, m.Payload.(AutomationIntent))
	})
	f.e = New(cfg, clk, b, monitoring.NewMetrics(), logger.Discard())
	return f
}

func alertOf(id, category, metric string, level types.AlertLevel) *types.Alert {
	return &types.Alert{ID: id, Type: types.AlertTypeThreshold, Category: category, Metric: metric, Level: level}
}

func TestScore(t *testing.T) {
	assert.InDelta(t, 75.5, Score(High, Low, 0.85, Medium), 1e-9)
	assert.InDelta(t, 100, Score(Critical, Label("none"), 1, Critical), 1e-9)
	assert.InDelta(t, 12.5, Score(Low, Critical, 0, Low), 1e-9)
	assert.Equal(t, Critical, UrgencyOf(types.LevelEmergency))
	assert.Equal(t, Low, UrgencyOf(types.LevelInfo))
}

func TestOnAlertUsesCauseCatalog(t *testing.T) {
	f := newFixture(nil)
	recs := f.e.OnAlert(alertOf("a1", types.CategoryWebVitals, "LCP", types.LevelWarning))
	require.Len(t, recs, 2)
	assert.Equal(t, 2, f.topics[bus.TopicRecommendationNew])
	assert.Zero(t, f.topics[bus.TopicRecommendationAutomate])

	list := f.e.List()
	require.Len(t, list, 2)
	assert.Equal(t, "batch_network_requests", list[0].Type)
	assert.InDelta(t, 75.5, list[0].Score, 1e-9)
	assert.Equal(t, "prefetch_critical_resources", list[1].Type)
	assert.InDelta(t, 56, list[1].Score, 1e-9)
	assert.Equal(t, correlation.CauseNetwork, list[0].Cause)
	assert.Equal(t, 3, list[0].Priority)

	recs = f.e.OnAlert(alertOf("a2", types.CategoryDevice, "memory", types.LevelInfo))
	assert.Equal(t, "defer_non_critical_scripts", recs[0].Type)
}

func TestIncidentUsesProbableCause(t *testing.T) {
	f := newFixture(nil)
	inc := &types.Alert{
		ID:       "inc",
		Type:     types.AlertTypeAggregate,
		Category: correlation.CauseNetwork,
		Metric:   correlation.PatternNetworkCascade,
		Level:    types.LevelCritical,
		Incident: &types.Incident{ProbableCause: types.ProbableCause{Category: correlation.CauseNetwork, Confidence: 0.8}},
	}
	recs := f.e.OnAlert(inc)
	require.Len(t, recs, 2)
	assert.Equal(t, 0.8, recs[0].Confidence)
	assert.InDelta(t, 76.5, recs[0].Score, 1e-9)
	assert.False(t, recs[0].Automatable)
}

func TestAutomationIsAnnounced(t *testing.T) {
	f := newFixture(nil)
	recs := f.e.OnAlert(alertOf("a1", types.CategoryGaming, "walletInteraction", types.LevelEmergency))
	require.Len(t, recs, 2)
	assert.True(t, recs[0].Automatable)
	assert.InDelta(t, 80.5, recs[0].Score, 1e-9)
	assert.False(t, recs[1].Automatable, "medium difficulty never automates")

	require.Len(t, f.auto, 1)
	assert.Equal(t, recs[0].ID, f.auto[0].RecommendationID)
	assert.Equal(t, "a1", f.auto[0].AlertID)
}

func TestRepeatAlertRefreshesEntry(t *testing.T) {
	f := newFixture(nil)
	first := f.e.OnAlert(alertOf("a1", types.CategoryWebVitals, "LCP", types.LevelWarning))
	f.clk.Advance(time.Minute)
	again := f.e.OnAlert(alertOf("a2", types.CategoryWebVitals, "LCP", types.LevelEmergency))

	assert.Equal(t, 2, f.e.Len())
	assert.Equal(t, first[0].ID, again[0].ID)
	assert.Equal(t, Critical, again[0].Urgency)
	assert.Equal(t, "a2", again[0].AlertID)
	assert.Len(t, f.auto, 1)
	assert.Equal(t, 2, f.topics[bus.TopicRecommendationNew])
}

func TestCapEvictsOldest(t *testing.T) {
	f := newFixture(func(c *config.RecommendationConfig) { c.MaxRecommendations = 3 })
	for i := 0; i < 4; i++ {
		f.clk.Advance(time.Second)
		f.e.OnAlert(alertOf(fmt.Sprintf("a%d", i), types.CategoryEngine, fmt.Sprintf("m%d", i), types.LevelInfo))
	}
	list := f.e.List()
	require.Len(t, list, 3)
	for _, r := range list {
		assert.NotEqual(t, "a0", r.AlertID)
	}
}

func TestRefreshExpiresAndRescores(t *testing.T) {
	f := newFixture(nil)
	f.e.OnAlert(alertOf("a1", types.CategoryWebVitals, "LCP", types.LevelWarning))

	escalated := func(id string) (types.AlertLevel, bool) { return types.LevelEmergency, id == "a1" }
	f.clk.Advance(10 * time.Minute)
	assert.Zero(t, f.e.Refresh(clock.NowMs(f.clk), escalated))
	assert.Equal(t, 2, f.topics[bus.TopicRecommendationRefresh])
	list := f.e.List()
	assert.Equal(t, Critical, list[0].Urgency)
	assert.True(t, list[0].Automatable)
	require.Len(t, f.auto, 1)

	closed := func(string) (types.AlertLevel, bool) { return "", false }
	f.e.Refresh(clock.NowMs(f.clk), closed)
	assert.Equal(t, Low, f.e.List()[0].Urgency)

	f.clk.Advance(time.Hour)
	assert.Equal(t, 2, f.e.Refresh(clock.NowMs(f.clk), closed))
	assert.Zero(t, f.e.Len())
}

func TestPersistAndRestore(t *testing.T) {
	f := newFixture(nil)
	st := store.NewMemoryStore(100, f.clk)
	f.e.OnAlert(alertOf("a1", types.CategoryGaming, "leaderboardLoad", types.LevelCritical))
	require.NoError(t, f.e.Persist(context.Background(), st))

	g := newFixture(nil)
	g.clk.Set(f.clk.Now())
	n, err := g.e.Restore(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, f.e.List(), g.e.List())

	late := newFixture(nil)
	late.clk.Set(f.clk.Now().Add(2 * time.Hour))
	n, err = late.e.Restore(context.Background(), st)
	require.NoError(t, err)
	assert.Zero(t, n)
}
