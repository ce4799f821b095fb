// Package baseline maintains sliding-window statistics per (category, metric).
package baseline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"perfwatch/internal/clock"
	"perfwatch/internal/config"
	"perfwatch/internal/stats"
	"perfwatch/internal/store"
)

const (
	keyPrefix = "baselines:"
	indexKey  = "baselines:index"
)

// Stats is the cached summary of one window. SampleCount is the number of
// values currently in the window.
type Stats struct {
	Mean        float64 `json:"mean"`
	StdDev      float64 `json:"stdDev"`
	P95         float64 `json:"p95"`
	P99         float64 `json:"p99"`
	SampleCount int     `json:"sampleCount"`
	LastUpdated int64   `json:"lastUpdated"`
}

// Baseline is a point-in-time copy of one window.
type Baseline struct {
	Category string    `json:"category"`
	Metric   string    `json:"metric"`
	Values   []float64 `json:"values"`
	Stats
}

type window struct {
	category string
	metric   string
	values   []float64
	stats    Stats
}

// Store owns every baseline window. Mutations are serialized by one mutex;
// reads return copies.
type Store struct {
	mu      sync.RWMutex
	windows map[string]*window
	size    int
	clk     clock.Clock
}

// NewStore creates a store whose windows hold 2 × SampleSize values.
func NewStore(cfg config.BaselineConfig, clk clock.Clock) *Store {
	return &Store{
		windows: make(map[string]*window),
		size:    2 * cfg.SampleSize,
		clk:     clk,
	}
}

// Key renders the (category, metric) pair.
func Key(category, metric string) string {
	return category + ":" + metric
}

// WindowSize returns W.
func (s *Store) WindowSize() int {
	return s.size
}

// Add appends v, evicting the oldest value beyond W, and recomputes the
// cached statistics. Negative or non-finite values are refused.
func (s *Store) Add(category, metric string, v float64) (Stats, bool) {
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return Stats{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := Key(category, metric)
	w, ok := s.windows[k]
	if !ok {
		w = &window{category: category, metric: metric, values: make([]float64, 0, s.size)}
		s.windows[k] = w
	}
	if len(w.values) >= s.size {
		copy(w.values, w.values[1:])
		w.values = w.values[:len(w.values)-1]
	}
	w.values = append(w.values, v)
	w.recompute(clock.NowMs(s.clk))
	return w.stats, true
}

func (w *window) recompute(now int64) {
	mean, std := stats.MeanStdDev(w.values)
	q := stats.Quantiles(w.values, 0.95, 0.99)
	w.stats = Stats{
		Mean:        mean,
		StdDev:      std,
		P95:         q[0],
		P99:         q[1],
		SampleCount: len(w.values),
		LastUpdated: now,
	}
}

// Stats returns the cached statistics for (category, metric).
func (s *Store) Stats(category, metric string) (Stats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.windows[Key(category, metric)]
	if !ok {
		return Stats{}, false
	}
	return w.stats, true
}

// Get returns a copy of the window.
func (s *Store) Get(category, metric string) (Baseline, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.windows[Key(category, metric)]
	if !ok {
		return Baseline{}, false
	}
	return w.snapshot(), true
}

func (w *window) snapshot() Baseline {
	return Baseline{
		Category: w.category,
		Metric:   w.metric,
		Values:   append([]float64(nil), w.values...),
		Stats:    w.stats,
	}
}

// All returns copies of every window ordered by key.
func (s *Store) All() []Baseline {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.windows))
	for k := range s.windows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Baseline, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.windows[k].snapshot())
	}
	return out
}

// IsAnomaly reports v > mean + k·stdDev when the window holds at least
// minSamples values.
func (s *Store) IsAnomaly(category, metric string, v, k float64, minSamples int) bool {
	st, ok := s.Stats(category, metric)
	if !ok || st.SampleCount < minSamples {
		return false
	}
	return v > st.Mean+k*st.StdDev
}

// Persist writes each window under baselines:<category>:<metric> plus an
// index of the written keys. It stops at the first failure.
func (s *Store) Persist(ctx context.Context, st store.Store) (int, error) {
	all := s.All()
	keys := make([]string, 0, len(all))
	for _, b := range all {
		data, err := json.Marshal(b)
		if err != nil {
			return len(keys), err
		}
		k := keyPrefix + Key(b.Category, b.Metric)
		if err := st.Put(ctx, k, string(data), 0); err != nil {
			return len(keys), fmt.Errorf("persist %s: %w", k, err)
		}
		keys = append(keys, k)
	}
	index, _ := json.Marshal(keys)
	if err := st.Put(ctx, indexKey, string(index), 0); err != nil {
		return len(keys), fmt.Errorf("persist baseline index: %w", err)
	}
	return len(keys), nil
}

// Restore loads every window named in the index. Entries that fail to
// decode are skipped; values are re-validated and trimmed to W.
func (s *Store) Restore(ctx context.Context, st store.Store) (int, error) {
	raw, found, err := st.Get(ctx, indexKey)
	if err != nil || !found {
		return 0, err
	}
	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return 0, fmt.Errorf("decode baseline index: %w", err)
	}

	restored := 0
	for _, k := range keys {
		if !strings.HasPrefix(k, keyPrefix) {
			continue
		}
		data, found, err := st.Get(ctx, k)
		if err != nil {
			return restored, err
		}
		if !found {
			continue
		}
		var b Baseline
		if err := json.Unmarshal([]byte(data), &b); err != nil {
			continue
		}
		if s.load(b) {
			restored++
		}
	}
	return restored, nil
}

func (s *Store) load(b Baseline) bool {
	values := make([]float64, 0, len(b.Values))
	for _, v := range b.Values {
		if v >= 0 && !math.IsNaN(v) && !math.IsInf(v, 0) {
			values = append(values, v)
		}
	}
	if len(values) == 0 || b.Category == "" || b.Metric == "" {
		return false
	}
	if len(values) > s.size {
		values = values[len(values)-s.size:]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	w := &window{category: b.Category, metric: b.Metric, values: values}
	w.recompute(b.LastUpdated)
	s.windows[Key(b.Category, b.Metric)] = w
	return true
}
