package threshold

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perfwatch/internal/baseline"
	"perfwatch/internal/clock"
	"perfwatch/internal/config"
	"perfwatch/internal/types"
)

func newManager(t *testing.T) (*Manager, *baseline.Store) {
	t.Helper()
	cfg := config.Default()
	clk := clock.NewManual(time.UnixMilli(1_700_000_000_000))
	bs := baseline.NewStore(cfg.Baseline, clk)
	return NewManager(cfg.Thresholds, cfg.Competitive, bs, cfg.Baseline.SampleSize), bs
}

func TestEffectiveEqualsBaseWhenCold(t *testing.T) {
	m, _ := newManager(t)
	eff, ok := m.Effective("webVitals", "LCP", false, false)
	require.True(t, ok)
	assert.Equal(t, config.Threshold{Target: 2500, Warning: 4000, Critical: 6000}, eff)

	_, ok = m.Effective("webVitals", "unknownMetric", false, false)
	assert.False(t, ok)
}

func TestContextMultipliers(t *testing.T) {
	m, _ := newManager(t)

	eff, _ := m.Effective("gaming", "voteLatency", true, false)
	assert.InDelta(t, 200, eff.Warning, 1e-9)

	eff, _ = m.Effective("gaming", "voteLatency", false, true)
	assert.InDelta(t, 210, eff.Warning, 1e-9)

	eff, _ = m.Effective("gaming", "voteLatency", true, true)
	assert.InDelta(t, 140, eff.Warning, 1e-9)
	assert.Less(t, eff.Target, eff.Warning)
	assert.Less(t, eff.Warning, eff.Critical)
}

func TestAdjustModes(t *testing.T) {
	m, _ := newManager(t)

	require.NoError(t, m.Adjust(ModeCompetitive))
	eff, _ := m.Effective("gaming", "voteLatency", false, false)
	assert.InDelta(t, 200, eff.Warning, 1e-9)

	// per-event flag does not apply the multiplier twice
	eff, _ = m.Effective("gaming", "voteLatency", true, false)
	assert.InDelta(t, 200, eff.Warning, 1e-9)

	require.NoError(t, m.Adjust(ModeHighStakes))
	eff, _ = m.Effective("gaming", "voteLatency", false, false)
	assert.InDelta(t, 210, eff.Warning, 1e-9)

	require.NoError(t, m.Adjust(ModeNormal))
	eff, _ = m.Effective("gaming", "voteLatency", false, false)
	assert.Equal(t, 300.0, eff.Warning)

	assert.Error(t, m.Adjust("panic"))
	assert.Equal(t, ModeNormal, m.Mode())
}

func TestAdaptiveMultiplierIsBounded(t *testing.T) {
	m, bs := newManager(t)

	// observed p95 far above warning: relaxed by at most 2x
	for i := 0; i < 60; i++ {
		bs.Add("gaming", "voteLatency", 5000)
	}
	eff, _ := m.Effective("gaming", "voteLatency", false, false)
	assert.InDelta(t, 600, eff.Warning, 1e-9)

	// observed p95 far below warning: tightened by at most 0.5x
	for i := 0; i < 100; i++ {
		bs.Add("webVitals", "FCP", 10)
	}
	eff, _ = m.Effective("webVitals", "FCP", false, false)
	assert.InDelta(t, 1500, eff.Warning, 1e-9)
}

func TestCheck(t *testing.T) {
	m, _ := newManager(t)

	_, breached := m.Check("webVitals", "LCP", 3000, false, false)
	assert.False(t, breached)

	b, breached := m.Check("webVitals", "LCP", 4500, false, false)
	require.True(t, breached)
	assert.Equal(t, types.LevelWarning, b.Level)
	assert.Equal(t, 4000.0, b.Threshold)

	b, breached = m.Check("webVitals", "LCP", 6500, false, false)
	require.True(t, breached)
	assert.Equal(t, types.LevelCritical, b.Level)
	assert.Contains(t, b.Message(), "LCP")
}
