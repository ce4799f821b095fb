// Package regression decides whether a sample is a statistically
// significant and practically meaningful increase over its baseline.
package regression

import (
	"fmt"
	"math"

	"perfwatch/internal/baseline"
	"perfwatch/internal/config"
	"perfwatch/internal/types"
)

// Regression is the regression:detected payload.
type Regression struct {
	Category        string         `json:"category"`
	Metric          string         `json:"metric"`
	Value           float64        `json:"value"`
	BaselineMean    float64        `json:"baselineMean"`
	BaselineStdDev  float64        `json:"baselineStdDev"`
	BaselineP95     float64        `json:"baselineP95"`
	SampleCount     int            `json:"sampleCount"`
	ZScore          float64        `json:"zScore"`
	PercentIncrease float64        `json:"percentIncrease"`
	Severity        types.Severity `json:"severity"`
	Confidence      float64        `json:"confidence"`
	Timestamp       int64          `json:"timestamp"`
}

// Message describes the regression for alert text.
func (r *Regression) Message() string {
	return fmt.Sprintf("%s %s regressed %.1f%% over baseline (%.2f vs %.2f, z=%.2f)",
		r.Category, r.Metric, r.PercentIncrease, r.Value, r.BaselineMean, r.ZScore)
}

// Detector evaluates samples against a baseline store.
type Detector struct {
	baselines  *baseline.Store
	sampleSize int
	zCritical  float64
	minPercent float64
}

// NewDetector creates a detector. The z cut-off follows the configured
// significance level.
func NewDetector(baselines *baseline.Store, cfg config.BaselineConfig) *Detector {
	return &Detector{
		baselines:  baselines,
		sampleSize: cfg.SampleSize,
		zCritical:  ZCritical(cfg.Significance),
		minPercent: cfg.MinRegressionPercent,
	}
}

// ZCritical maps a one-sided significance level to a z cut-off. 0.05
// yields the 95 % confidence value 1.96.
func ZCritical(significance float64) float64 {
	switch {
	case significance <= 0.01:
		return 2.576
	case significance <= 0.05:
		return 1.96
	default:
		return 1.645
	}
}

// Check evaluates v against the current baseline of (category, metric).
// Callers must check before adding v to the baseline.
func (d *Detector) Check(category, metric string, v float64, now int64) (*Regression, bool) {
	st, ok := d.baselines.Stats(category, metric)
	if !ok {
		return nil, false
	}
	r, ok := Evaluate(st, v, d.sampleSize, d.zCritical, d.minPercent)
	if !ok {
		return nil, false
	}
	r.Category, r.Metric, r.Timestamp = category, metric, now
	return r, true
}

// Evaluate declares a regression only when the baseline is warm and all of
// z > zCritical, percent increase > minPercent, and v > p95 hold.
func Evaluate(st baseline.Stats, v float64, sampleSize int, zCritical, minPercent float64) (*Regression, bool) {
	if st.SampleCount < sampleSize || st.StdDev <= 0 || st.Mean <= 0 {
		return nil, false
	}
	z := (v - st.Mean) / st.StdDev
	pct := (v - st.Mean) / st.Mean * 100
	if !(z > zCritical && pct > minPercent && v > st.P95) {
		return nil, false
	}
	return &Regression{
		Value:           v,
		BaselineMean:    st.Mean,
		BaselineStdDev:  st.StdDev,
		BaselineP95:     st.P95,
		SampleCount:     st.SampleCount,
		ZScore:          z,
		PercentIncrease: pct,
		Severity:        SeverityFor(pct),
		Confidence:      Confidence(z, pct, st.SampleCount),
	}, true
}

// SeverityFor maps percent increase onto a severity.
func SeverityFor(pct float64) types.Severity {
	switch {
	case pct > 100:
		return types.SeverityCritical
	case pct > 50:
		return types.SeverityMajor
	case pct > 30:
		return types.SeverityModerate
	default:
		return types.SeverityMinor
	}
}

// Confidence is a 0..100 score: up to 40 points from z, 40 from percent
// increase, and 20 from sample count.
func Confidence(z, pct float64, n int) float64 {
	return math.Min(40, z/3*40) + math.Min(40, pct/100*40) + math.Min(20, float64(n)/100*20)
}
