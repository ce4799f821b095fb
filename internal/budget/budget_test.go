package budget

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perfwatch/internal/config"
	"perfwatch/internal/types"
)

func newMonitor() *Monitor {
	return NewMonitor(map[string]map[string]config.Budget{
		"gaming": {"voteLatency": {Target: 100, Budget: 300}},
	})
}

func TestViolation(t *testing.T) {
	m := newMonitor()
	v, ok := m.Check("gaming", "voteLatency", 700, 1)
	require.True(t, ok)
	assert.Equal(t, 400.0, v.Overage)
	assert.InDelta(t, 133.33, v.OveragePercent, 0.01)
	assert.Equal(t, types.SeverityCritical, v.Severity)
	assert.Equal(t, 100.0, v.Target)
}

func TestWithinBudget(t *testing.T) {
	m := newMonitor()
	_, ok := m.Check("gaming", "voteLatency", 300, 1)
	assert.False(t, ok)
	assert.Len(t, m.History("gaming", "voteLatency"), 1)
}

func TestUnmonitoredMetric(t *testing.T) {
	m := newMonitor()
	_, ok := m.Check("webVitals", "LCP", 1e9, 1)
	assert.False(t, ok)
	assert.Nil(t, m.History("webVitals", "LCP"))
}

func TestSeverityBands(t *testing.T) {
	assert.Equal(t, types.SeverityMinor, SeverityFor(20))
	assert.Equal(t, types.SeverityModerate, SeverityFor(21))
	assert.Equal(t, types.SeverityMajor, SeverityFor(51))
	assert.Equal(t, types.SeverityCritical, SeverityFor(100.5))
}

func TestHistoryIsCapped(t *testing.T) {
	m := newMonitor()
	for i := 0; i < 250; i++ {
		m.Check("gaming", "voteLatency", float64(i), int64(i))
	}
	h := m.History("gaming", "voteLatency")
	require.Len(t, h, HistorySize)
	assert.Equal(t, 150.0, h[0].Value)
	assert.Equal(t, 249.0, h[HistorySize-1].Value)
	assert.Equal(t, 300.0, h[0].Budget)
}
