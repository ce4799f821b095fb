// Package abtest assigns users to variants deterministically and accumulates
// per-variant statistics.
package abtest

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"unicode/utf16"

	"perfwatch/internal/config"
	"perfwatch/internal/errors"
	"perfwatch/internal/stats"
	"perfwatch/internal/types"
)

// Test describes one experiment. Times are wall-clock Unix milliseconds.
type Test struct {
	ID          string         `json:"id"`
	Variants    []string       `json:"variants"`
	SampleRatio float64        `json:"sampleRatio"`
	StartTime   int64          `json:"startTime"`
	EndTime     int64          `json:"endTime"`
	Targeting   *types.Segment `json:"targeting,omitempty"`
}

// Hash mixes the assignment key "userID:testID". It is DJB2 over UTF-16
// code units followed by a 32-bit avalanche finalizer.
func Hash(userID, testID string) uint32 {
	h := uint32(5381)
	for _, c := range utf16.Encode([]rune(userID + ":" + testID)) {
		h = h*33 + uint32(c)
	}
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16
	return h
}

// Assign is a pure function of (userID, test, now). ok is false when the
// test window is closed or the user falls outside the sample ratio.
func Assign(userID string, t Test, nowMs int64) (variant string, ok bool) {
	if userID == "" || len(t.Variants) == 0 {
		return "", false
	}
	if nowMs < t.StartTime || nowMs > t.EndTime {
		return "", false
	}
	h := Hash(userID, t.ID)
	if float64(h) >= t.SampleRatio*math.Exp2(32) {
		return "", false
	}
	return t.Variants[h%uint32(len(t.Variants))], true
}

// VariantSummary is the read model of one variant.
type VariantSummary struct {
	Variant string     `json:"variant"`
	Stats   stats.View `json:"stats"`
}

// Analysis is the ab:significant_result and ab:concluded payload.
type Analysis struct {
	TestID      string           `json:"testId"`
	Variants    []VariantSummary `json:"variants"`
	TStatistic  float64          `json:"tStatistic"`
	PValue      float64          `json:"pValue"`
	Significant bool             `json:"significant"`
	Winner      string           `json:"winner,omitempty"`
	Improvement float64          `json:"improvementPercent"`
	Concluded   bool             `json:"concluded"`
	Reason      string           `json:"reason,omitempty"`
	Timestamp   int64            `json:"timestamp"`
}

type testState struct {
	test        Test
	variants    map[string]*stats.Aggregate
	significant bool
	concluded   bool
	result      *Analysis
}

// Bookkeeper owns registered tests and their per-variant accumulators.
type Bookkeeper struct {
	mu    sync.RWMutex
	cfg   config.ABTestingConfig
	tests map[string]*testState
	order []string
}

// NewBookkeeper creates an empty bookkeeper.
func NewBookkeeper(cfg config.ABTestingConfig) *Bookkeeper {
	return &Bookkeeper{cfg: cfg, tests: make(map[string]*testState)}
}

// Enabled reports whether assignment is switched on.
func (b *Bookkeeper) Enabled() bool {
	return b.cfg.Enabled
}

// Register adds a test. A zero SampleRatio takes the configured default; a
// zero EndTime or a window longer than the maximum duration is capped.
func (b *Bookkeeper) Register(t Test) (Test, error) {
	if t.ID == "" {
		return t, errors.NewAppErrorWithDetails(errors.ErrCodeValidationFailed, "invalid test", "id is required", nil)
	}
	if len(t.Variants) < 2 {
		return t, errors.NewAppErrorWithDetails(errors.ErrCodeValidationFailed, "invalid test", "at least two variants required", nil)
	}
	seen := make(map[string]bool, len(t.Variants))
	for _, v := range t.Variants {
		if v == "" || seen[v] {
			return t, errors.NewAppErrorWithDetails(errors.ErrCodeValidationFailed, "invalid test", fmt.Sprintf("variant %q empty or duplicated", v), nil)
		}
		seen[v] = true
	}
	if t.SampleRatio == 0 {
		t.SampleRatio = b.cfg.SampleRatio
	}
	if t.SampleRatio <= 0 || t.SampleRatio > 1 {
		return t, errors.NewAppErrorWithDetails(errors.ErrCodeValidationFailed, "invalid test", "sampleRatio must be in (0, 1]", nil)
	}
	maxEnd := t.StartTime + b.cfg.MaxTestDurationMs
	if t.EndTime == 0 || t.EndTime > maxEnd {
		t.EndTime = maxEnd
	}
	if t.EndTime < t.StartTime {
		return t, errors.NewAppErrorWithDetails(errors.ErrCodeValidationFailed, "invalid test", "endTime before startTime", nil)
	}
	t.Variants = append([]string(nil), t.Variants...)

	st := &testState{test: t, variants: make(map[string]*stats.Aggregate, len(t.Variants))}
	for _, v := range t.Variants {
		st.variants[v] = stats.NewAggregate(stats.NewRing(b.cfg.MaxValuesPerVariant))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.tests[t.ID]; exists {
		return t, errors.NewAppErrorWithDetails(errors.ErrCodeInvalidState, "test already registered", t.ID, nil)
	}
	b.tests[t.ID] = st
	b.order = append(b.order, t.ID)
	return t, nil
}

// Assignments returns testID → variant for every open test the user is
// eligible for and whose targeting matches seg.
func (b *Bookkeeper) Assignments(userID string, seg types.Segment, nowMs int64) map[string]string {
	if !b.cfg.Enabled || userID == "" {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out map[string]string
	for _, id := range b.order {
		st := b.tests[id]
		if st.concluded {
			continue
		}
		if st.test.Targeting != nil && !seg.Matches(*st.test.Targeting) {
			continue
		}
		if v, ok := Assign(userID, st.test, nowMs); ok {
			if out == nil {
				out = make(map[string]string)
			}
			out[id] = v
		}
	}
	return out
}

// Record folds one sample into every attributed variant and returns how
// many values were evicted from full variant lists.
func (b *Bookkeeper) Record(assignments map[string]string, v float64, failed, competitive bool) int {
	if len(assignments) == 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	evicted := 0
	for testID, variant := range assignments {
		st, ok := b.tests[testID]
		if !ok || st.concluded {
			continue
		}
		if agg, ok := st.variants[variant]; ok && agg.Add(v, failed, competitive) {
			evicted++
		}
	}
	return evicted
}

// Analyze evaluates every open test. It returns analyses that newly became
// significant and tests that concluded during this pass.
func (b *Bookkeeper) Analyze(nowMs int64) (significant, concluded []Analysis) {
	b.mu.Lock()
	defer b.mu.Unlock()

	alpha := 1 - b.cfg.ConfidenceLevel
	for _, id := range b.order {
		st := b.tests[id]
		if st.concluded {
			continue
		}
		a := b.analyze(st, alpha, nowMs)

		if a.Significant && !st.significant {
			st.significant = true
			significant = append(significant, a)
		}

		switch {
		case nowMs > st.test.EndTime:
			a.Reason = "end_time"
		case a.Significant && b.allVariantsReach(st, b.cfg.ConclusionSamples):
			a.Reason = "significant"
		default:
			continue
		}
		a.Concluded = true
		st.concluded = true
		result := a
		st.result = &result
		concluded = append(concluded, a)
	}
	return significant, concluded
}

func (b *Bookkeeper) analyze(st *testState, alpha float64, nowMs int64) Analysis {
	a := Analysis{TestID: st.test.ID, PValue: 1, Timestamp: nowMs}
	for _, v := range st.test.Variants {
		a.Variants = append(a.Variants, VariantSummary{Variant: v, Stats: st.variants[v].View()})
	}
	if len(st.test.Variants) != 2 || !b.allVariantsReach(st, b.cfg.MinSamples) {
		return a
	}

	control := st.variants[st.test.Variants[0]].Samples()
	treatment := st.variants[st.test.Variants[1]].Samples()
	tt := stats.PooledTTest(control, treatment)
	a.TStatistic = tt.T
	a.PValue = tt.PValue
	a.Significant = tt.PValue <= alpha+1e-9
	if tt.MeanA > 0 {
		a.Improvement = (tt.MeanA - tt.MeanB) / tt.MeanA * 100
	}
	if a.Significant {
		// lower latency wins
		if tt.MeanB < tt.MeanA {
			a.Winner = st.test.Variants[1]
		} else {
			a.Winner = st.test.Variants[0]
		}
	}
	return a
}

func (b *Bookkeeper) allVariantsReach(st *testState, n int) bool {
	for _, agg := range st.variants {
		if agg.Count < int64(n) {
			return false
		}
	}
	return true
}

// Results returns the latest analysis of testID, or of every test when
// testID is empty.
func (b *Bookkeeper) Results(testID string, nowMs int64) ([]Analysis, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	alpha := 1 - b.cfg.ConfidenceLevel
	ids := b.order
	if testID != "" {
		if _, ok := b.tests[testID]; !ok {
			return nil, errors.NotFound("ab test", testID)
		}
		ids = []string{testID}
	}
	out := make([]Analysis, 0, len(ids))
	for _, id := range ids {
		st := b.tests[id]
		if st.result != nil {
			out = append(out, *st.result)
			continue
		}
		out = append(out, b.analyze(st, alpha, nowMs))
	}
	return out, nil
}

// Tests lists registered tests sorted by id.
func (b *Bookkeeper) Tests() []Test {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Test, 0, len(b.tests))
	for _, st := range b.tests {
		out = append(out, st.test)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
