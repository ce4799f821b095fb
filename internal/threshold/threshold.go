// Package threshold derives effective alert thresholds from the configured
// base values, the competitive context, and the observed baseline.
package threshold

import (
	"fmt"
	"sync"

	"perfwatch/internal/baseline"
	"perfwatch/internal/config"
	"perfwatch/internal/errors"
	"perfwatch/internal/stats"
	"perfwatch/internal/types"
)

// Mode is the global adjustment applied by Adjust.
type Mode string

const (
	ModeNormal      Mode = "normal"
	ModeCompetitive Mode = "competitive"
	ModeHighStakes  Mode = "high_stakes"
)

const (
	minAdaptive = 0.5
	maxAdaptive = 2.0
)

// Manager computes effective thresholds on every read.
type Manager struct {
	mu         sync.RWMutex
	base       map[string]map[string]config.Threshold
	mode       Mode
	cfg        config.CompetitiveConfig
	baselines  *baseline.Store
	sampleSize int
}

// NewManager copies the configured thresholds.
func NewManager(thresholds map[string]map[string]config.Threshold, cfg config.CompetitiveConfig, baselines *baseline.Store, sampleSize int) *Manager {
	base := make(map[string]map[string]config.Threshold, len(thresholds))
	for category, metrics := range thresholds {
		base[category] = make(map[string]config.Threshold, len(metrics))
		for metric, t := range metrics {
			base[category][metric] = t
		}
	}
	return &Manager{
		base:       base,
		mode:       ModeNormal,
		cfg:        cfg,
		baselines:  baselines,
		sampleSize: sampleSize,
	}
}

// Adjust switches the global mode. ModeNormal restores the configured base
// thresholds.
func (m *Manager) Adjust(mode Mode) error {
	switch mode {
	case ModeNormal, ModeCompetitive, ModeHighStakes:
	default:
		return errors.NewAppErrorWithDetails(errors.ErrCodeValidationFailed, "unknown threshold mode", string(mode), nil)
	}
	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()
	return nil
}

// Mode returns the active global mode.
func (m *Manager) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// Base returns the configured threshold.
func (m *Manager) Base(category, metric string) (config.Threshold, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.base[category][metric]
	return t, ok
}

// Effective is the base threshold scaled by the context multiplier and the
// adaptive multiplier. Scaling is uniform, so target < warning < critical
// still holds.
func (m *Manager) Effective(category, metric string, competitive, highStakes bool) (config.Threshold, bool) {
	m.mu.RLock()
	t, ok := m.base[category][metric]
	mode := m.mode
	m.mu.RUnlock()
	if !ok {
		return config.Threshold{}, false
	}

	factor := m.contextMultiplier(mode, competitive, highStakes) * m.adaptiveMultiplier(category, metric, t)
	return config.Threshold{
		Target:   t.Target * factor,
		Warning:  t.Warning * factor,
		Critical: t.Critical * factor,
	}, true
}

// contextMultiplier tightens thresholds in competitive play (divide by the
// sensitivity multiplier) and in high-stakes play (multiply by the
// high-stakes multiplier). The global mode and the per-event flags do not
// stack with each other.
func (m *Manager) contextMultiplier(mode Mode, competitive, highStakes bool) float64 {
	f := 1.0
	if (competitive || mode == ModeCompetitive) && m.cfg.CompetitiveSensitivityMultiplier > 0 {
		f /= m.cfg.CompetitiveSensitivityMultiplier
	}
	if (highStakes || mode == ModeHighStakes) && m.cfg.HighStakesMultiplier > 0 {
		f *= m.cfg.HighStakesMultiplier
	}
	return f
}

// adaptiveMultiplier follows the observed p95 relative to the base warning
// level once the baseline is warm, bounded to [0.5, 2].
func (m *Manager) adaptiveMultiplier(category, metric string, t config.Threshold) float64 {
	if m.baselines == nil || t.Warning <= 0 {
		return 1
	}
	st, ok := m.baselines.Stats(category, metric)
	if !ok || st.SampleCount < m.sampleSize || st.P95 <= 0 {
		return 1
	}
	return stats.Clamp(st.P95/t.Warning, minAdaptive, maxAdaptive)
}

// Breach is a sample above the warning or critical level.
type Breach struct {
	Category  string           `json:"category"`
	Metric    string           `json:"metric"`
	Value     float64          `json:"value"`
	Threshold float64          `json:"threshold"`
	Level     types.AlertLevel `json:"level"`
	Effective config.Threshold `json:"effective"`
}

// Check compares v with the effective threshold: above critical is a
// critical breach, above warning a warning breach.
func (m *Manager) Check(category, metric string, v float64, competitive, highStakes bool) (*Breach, bool) {
	eff, ok := m.Effective(category, metric, competitive, highStakes)
	if !ok {
		return nil, false
	}
	b := &Breach{Category: category, Metric: metric, Value: v, Effective: eff}
	switch {
	case v > eff.Critical:
		b.Level, b.Threshold = types.LevelCritical, eff.Critical
	case v > eff.Warning:
		b.Level, b.Threshold = types.LevelWarning, eff.Warning
	default:
		return nil, false
	}
	return b, true
}

// Message renders a human readable description of the breach.
func (b *Breach) Message() string {
	return fmt.Sprintf("%s %s at %.2f exceeds %s threshold %.2f", b.Category, b.Metric, b.Value, b.Level, b.Threshold)
}
