package alerting

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perfwatch/internal/bus"
	"perfwatch/internal/clock"
	"perfwatch/internal/config"
	"perfwatch/internal/errors"
	"perfwatch/internal/logger"
	"perfwatch/internal/monitoring"
	"perfwatch/internal/quality"
	"perfwatch/internal/types"
)

type fixture struct {
	m       *Manager
	clk     *clock.Manual
	quality *quality.Recorder
	topics  map[string]int
}

func newFixture(mutate func(*config.AlertsConfig)) *fixture {
	cfg := config.Default().Alerts
	if mutate != nil {
		mutate(&cfg)
	}
	clk := clock.NewManual(time.UnixMilli(1_700_000_000_000))
	b := bus.New(clk)
	metrics := monitoring.NewMetrics()
	q := quality.NewRecorder(config.Default().Quality, clk, b, metrics, logger.Discard())
	f := &fixture{clk: clk, quality: q, topics: map[string]int{}}
	b.Subscribe(bus.All, func(msg bus.Message) { f.topics[msg.Topic]++ })
	f.m = NewManager(cfg, clk, b, q, metrics, logger.Discard())
	return f
}

func candidate(metric string, level types.AlertLevel) types.Alert {
	return types.Alert{Type: types.AlertTypeThreshold, Category: types.CategoryWebVitals, Metric: metric, Value: 1, Level: level}
}

func TestHourlyCapPerType(t *testing.T) {
	f := newFixture(nil)
	admitted := 0
	for i := 0; i < 25; i++ {
		f.clk.Advance(4 * time.Millisecond)
		if _, ok := f.m.Create(candidate(fmt.Sprintf("metric-%d", i), types.LevelInfo)); ok {
			admitted++
		}
	}
	assert.Equal(t, 20, admitted)
	assert.Equal(t, int64(5), f.quality.Get(quality.AlertSuppressed))
	assert.Equal(t, 20, f.topics[bus.TopicAlertCreated])

	// another type has its own budget
	other := candidate("LCP", types.LevelInfo)
	other.Type = types.AlertTypeBudget
	_, ok := f.m.Create(other)
	assert.True(t, ok)

	// the window slides
	f.clk.Advance(time.Hour)
	_, ok = f.m.Create(candidate("metric-late", types.LevelInfo))
	assert.True(t, ok)
}

func TestCooldownPerSignature(t *testing.T) {
	f := newFixture(nil)
	_, ok := f.m.Create(candidate("LCP", types.LevelWarning))
	require.True(t, ok)
	_, ok = f.m.Create(candidate("LCP", types.LevelWarning))
	assert.False(t, ok)
	_, ok = f.m.Create(candidate("FCP", types.LevelWarning))
	assert.True(t, ok)

	f.clk.Advance(5 * time.Minute)
	_, ok = f.m.Create(candidate("LCP", types.LevelWarning))
	assert.True(t, ok)

	noCooldown := newFixture(func(c *config.AlertsConfig) { c.CooldownMs = 0 })
	for i := 0; i < 3; i++ {
		_, ok := noCooldown.m.Create(candidate("LCP", types.LevelWarning))
		assert.True(t, ok)
	}
}

func TestIncidentsBypassLimits(t *testing.T) {
	f := newFixture(func(c *config.AlertsConfig) { c.MaxPerHour = 1 })
	incident := types.Alert{Type: types.AlertTypeAggregate, Category: "network", Level: types.LevelCritical}
	for i := 0; i < 3; i++ {
		_, ok := f.m.Create(incident)
		assert.True(t, ok)
	}
}

func TestLifecycle(t *testing.T) {
	f := newFixture(nil)
	a, ok := f.m.Create(candidate("LCP", types.LevelWarning))
	require.True(t, ok)
	assert.Equal(t, types.StatusActive, a.Status)
	assert.Equal(t, 1, a.EscalationLevel)
	assert.Equal(t, types.ImpactMedium, a.Impact.UserExperience)

	acked, err := f.m.Acknowledge(a.ID, "oncall")
	require.NoError(t, err)
	assert.Equal(t, types.StatusAcknowledged, acked.Status)
	assert.Len(t, f.m.Active(), 1)

	_, err = f.m.Acknowledge(a.ID, "oncall")
	assert.ErrorIs(t, err, errors.ErrInvalidState)

	resolved, err := f.m.Resolve(a.ID, "fixed", "oncall")
	require.NoError(t, err)
	assert.Equal(t, types.StatusResolved, resolved.Status)
	assert.Empty(t, f.m.Active())
	require.Len(t, f.m.History(types.AlertTypeThreshold), 1)

	_, err = f.m.Resolve(a.ID, "again", "oncall")
	assert.ErrorIs(t, err, errors.ErrInvalidState)
	_, err = f.m.Acknowledge("nope", "oncall")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	got, err := f.m.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "fixed", got.ResolveReason)

	f.clk.Advance(25 * time.Hour)
	assert.Equal(t, 1, f.m.SweepHistory(clock.NowMs(f.clk)))
	assert.Empty(t, f.m.History(""))
	_, err = f.m.Resolve(a.ID, "again", "oncall")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestCriticalAlertsEscalate(t *testing.T) {
	f := newFixture(nil)
	a, ok := f.m.Create(candidate("LCP", types.LevelCritical))
	require.True(t, ok)
	assert.Equal(t, 2, a.EscalationLevel)
	assert.Equal(t, 1, f.clk.Pending())

	f.clk.Advance(10 * time.Minute)
	got, err := f.m.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.EscalationLevel)
	assert.Equal(t, types.LevelEmergency, got.Level)
	assert.Equal(t, 1, f.topics[bus.TopicAlertEscalated])
	assert.Zero(t, f.clk.Pending())
}

func TestEscalationRearmsAndStopsOnAcknowledge(t *testing.T) {
	f := newFixture(func(c *config.AlertsConfig) {
		c.EscalationOrder = []string{"info", "warning", "critical", "emergency", "emergency"}
	})
	a, _ := f.m.Create(candidate("LCP", types.LevelCritical))
	f.clk.Advance(10 * time.Minute)
	assert.Equal(t, 1, f.clk.Pending())

	_, err := f.m.Acknowledge(a.ID, "oncall")
	require.NoError(t, err)
	assert.Zero(t, f.clk.Pending())
	f.clk.Advance(time.Hour)
	got, _ := f.m.Get(a.ID)
	assert.Equal(t, 3, got.EscalationLevel)
}

func TestLinkSetsCorrelatedIDs(t *testing.T) {
	f := newFixture(nil)
	var ids []string
	for _, metric := range []string{"LCP", "FCP", "TTFB"} {
		a, _ := f.m.Create(candidate(metric, types.LevelWarning))
		ids = append(ids, a.ID)
	}
	f.m.Link("inc-1", ids)
	got, _ := f.m.Get(ids[0])
	assert.Equal(t, "inc-1", got.IncidentID)
	assert.ElementsMatch(t, ids[1:], got.CorrelatedAlertIDs)
}

func TestComputeImpact(t *testing.T) {
	impact := ComputeImpact(&types.Alert{Level: types.LevelCritical, Competitive: true, HighStakes: true})
	assert.Equal(t, types.Impact{UserExperience: types.ImpactHigh, Competitive: types.ImpactHigh, Business: types.ImpactHigh}, impact)

	impact = ComputeImpact(&types.Alert{Level: types.LevelInfo, Category: types.CategoryGaming, Competitive: true})
	assert.Equal(t, types.ImpactLow, impact.UserExperience)
	assert.Equal(t, types.ImpactMedium, impact.Competitive)
	assert.Equal(t, types.ImpactMedium, impact.Business)
}
