package regression

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

func seeded(t *testing.T, n int) (*Detector, *baseline.Store) {
	t.Helper()
	cfg := config.Default().Baseline
	bs := baseline.NewStore(cfg, clock.NewManual(time.UnixMilli(1_700_000_000_000)))
	for i := 0; i < n; i++ {
		// evenly spread over [1900, 2100]
		bs.Add("webVitals", "LCP", 1900+200*float64(i)/float64(n-1))
	}
	return NewDetector(bs, cfg), bs
}

func TestNoRegressionBeforeWarmUp(t *testing.T) {
	d, _ := seeded(t, 49)
	_, ok := d.Check("webVitals", "LCP", 10_000, 0)
	assert.False(t, ok)
}

func TestRegressionWarmState(t *testing.T) {
	d, bs := seeded(t, 60)
	st, _ := bs.Stats("webVitals", "LCP")
	assert.InDelta(t, 2000, st.Mean, 0.5)
	assert.InDelta(t, 58, st.StdDev, 1.5)

	r, ok := d.Check("webVitals", "LCP", 2800, 42)
	require.True(t, ok)
	assert.InDelta(t, 13.8, r.ZScore, 0.4)
	assert.InDelta(t, 40, r.PercentIncrease, 0.1)
	assert.Equal(t, types.SeverityModerate, r.Severity)
	// 40 (z capped) + 16 (pct) + 12 (n=60)
	assert.InDelta(t, 68, r.Confidence, 0.1)
	assert.Equal(t, int64(42), r.Timestamp)
	assert.Equal(t, "LCP", r.Metric)
}

func TestAllThreeConditionsRequired(t *testing.T) {
	st := baseline.Stats{Mean: 1000, StdDev: 100, P95: 1150, SampleCount: 60}

	// z > 1.96 and v > p95 but only 19.9 % increase
	_, ok := Evaluate(st, 1199, 50, 1.96, 20)
	assert.False(t, ok)

	// pct and p95 satisfied but z too small
	wide := st
	wide.StdDev = 400
	_, ok = Evaluate(wide, 1300, 50, 1.96, 20)
	assert.False(t, ok)

	// z and pct satisfied but value under p95
	skewed := st
	skewed.P95 = 5000
	_, ok = Evaluate(skewed, 1300, 50, 1.96, 20)
	assert.False(t, ok)

	r, ok := Evaluate(st, 1300, 50, 1.96, 20)
	require.True(t, ok)
	assert.Equal(t, types.SeverityMinor, r.Severity)
}

func TestDegenerateBaselines(t *testing.T) {
	_, ok := Evaluate(baseline.Stats{Mean: 1000, StdDev: 0, P95: 1000, SampleCount: 100}, 5000, 50, 1.96, 20)
	assert.False(t, ok)
	_, ok = Evaluate(baseline.Stats{Mean: 0, StdDev: 1, P95: 0, SampleCount: 100}, 5, 50, 1.96, 20)
	assert.False(t, ok)
}

func TestSeverityMapping(t *testing.T) {
	assert.Equal(t, types.SeverityCritical, SeverityFor(101))
	assert.Equal(t, types.SeverityMajor, SeverityFor(100))
	assert.Equal(t, types.SeverityMajor, SeverityFor(51))
	assert.Equal(t, types.SeverityModerate, SeverityFor(31))
	assert.Equal(t, types.SeverityMinor, SeverityFor(30))
}

func TestConfidenceBounds(t *testing.T) {
	assert.InDelta(t, 100, Confidence(100, 1000, 1000), 1e-9)
	assert.InDelta(t, 20+20+10, Confidence(1.5, 50, 50), 1e-9)
}

func TestZCritical(t *testing.T) {
	assert.Equal(t, 1.96, ZCritical(0.05))
	assert.Equal(t, 2.576, ZCritical(0.01))
	assert.Equal(t, 1.645, ZCritical(0.1))
}
