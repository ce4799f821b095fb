package baseline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perfwatch/internal/clock"
	"perfwatch/internal/config"
	"perfwatch/internal/stats"
	"perfwatch/internal/store"
)

func newStore(sampleSize int) (*Store, *clock.Manual) {
	clk := clock.NewManual(time.UnixMilli(1_700_000_000_000))
	return NewStore(config.BaselineConfig{SampleSize: sampleSize}, clk), clk
}

func TestColdStartStatistics(t *testing.T) {
	s, _ := newStore(50)
	for i := 0; i < 10; i++ {
		s.Add("webVitals", "LCP", 2000)
	}
	st, ok := s.Add("webVitals", "LCP", 2200)
	require.True(t, ok)

	assert.Equal(t, 11, st.SampleCount)
	assert.InDelta(t, 2018.18, st.Mean, 0.01)
	assert.Greater(t, st.StdDev, 0.0)
}

func TestWindowIsBoundedAndStatsMatchDirectComputation(t *testing.T) {
	s, _ := newStore(5)
	for i := 0; i < 37; i++ {
		s.Add("gaming", "voteLatency", float64(i*3%17))
	}
	b, ok := s.Get("gaming", "voteLatency")
	require.True(t, ok)
	assert.Len(t, b.Values, 10)
	assert.Equal(t, 10, s.WindowSize())

	mean, std := stats.MeanStdDev(b.Values)
	assert.InDelta(t, mean, b.Mean, 1e-9)
	assert.InDelta(t, std, b.StdDev, 1e-9)
	// oldest evicted first
	assert.Equal(t, float64(36*3%17), b.Values[9])
	assert.Equal(t, float64(27*3%17), b.Values[0])
}

func TestRejectsNegativeValues(t *testing.T) {
	s, _ := newStore(50)
	_, ok := s.Add("webVitals", "CLS", -0.1)
	assert.False(t, ok)
	_, found := s.Stats("webVitals", "CLS")
	assert.False(t, found)
}

func TestIsAnomaly(t *testing.T) {
	s, _ := newStore(50)
	for i := 0; i < 9; i++ {
		s.Add("webVitals", "FCP", 1000+float64(i%3))
	}
	assert.False(t, s.IsAnomaly("webVitals", "FCP", 5000, 2.5, 10), "needs ten prior samples")

	s.Add("webVitals", "FCP", 1001)
	assert.True(t, s.IsAnomaly("webVitals", "FCP", 5000, 2.5, 10))
	assert.False(t, s.IsAnomaly("webVitals", "FCP", 1001.5, 2.5, 10))
}

func TestPersistAndRestore(t *testing.T) {
	s, clk := newStore(50)
	for i := 0; i < 20; i++ {
		s.Add("webVitals", "LCP", 2000+float64(i))
		s.Add("gaming", "walletInteraction", 800+float64(i))
	}
	kv := store.NewMemoryStore(100, clk)
	n, err := s.Persist(context.Background(), kv)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	restored, _ := newStore(50)
	got, err := restored.Restore(context.Background(), kv)
	require.NoError(t, err)
	assert.Equal(t, 2, got)

	want, _ := s.Stats("webVitals", "LCP")
	have, ok := restored.Stats("webVitals", "LCP")
	require.True(t, ok)
	assert.InDelta(t, want.Mean, have.Mean, 1e-9)
	assert.Equal(t, want.SampleCount, have.SampleCount)
}

func TestRestoreTrimsToWindow(t *testing.T) {
	big, clk := newStore(50)
	for i := 0; i < 100; i++ {
		big.Add("network", "rtt", float64(i))
	}
	kv := store.NewMemoryStore(100, clk)
	_, err := big.Persist(context.Background(), kv)
	require.NoError(t, err)

	small, _ := newStore(10)
	_, err = small.Restore(context.Background(), kv)
	require.NoError(t, err)
	b, _ := small.Get("network", "rtt")
	assert.Len(t, b.Values, 20)
	assert.Equal(t, 99.0, b.Values[19])
}

func TestRestoreWithoutIndex(t *testing.T) {
	s, clk := newStore(50)
	n, err := s.Restore(context.Background(), store.NewMemoryStore(10, clk))
	require.NoError(t, err)
	assert.Zero(t, n)
}
