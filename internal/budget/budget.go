// Package budget compares samples with fixed per-metric budgets.
package budget

import (
	"fmt"
	"sync"

	"perfwatch/internal/config"
	"perfwatch/internal/types"
)

// HistorySize is the number of samples kept per (category, metric).
const HistorySize = 100

// Violation is the budget:violation payload.
type Violation struct {
	Category       string         `json:"category"`
	Metric         string         `json:"metric"`
	Value          float64        `json:"value"`
	Target         float64        `json:"target"`
	Budget         float64        `json:"budget"`
	Overage        float64        `json:"overage"`
	OveragePercent float64        `json:"overagePercent"`
	Severity       types.Severity `json:"severity"`
	Timestamp      int64          `json:"timestamp"`
}

// Message describes the violation for alert text.
func (v *Violation) Message() string {
	return fmt.Sprintf("%s %s at %.2f is %.1f%% over budget %.2f", v.Category, v.Metric, v.Value, v.OveragePercent, v.Budget)
}

// Entry is one history tuple.
type Entry struct {
	Value     float64 `json:"value"`
	Budget    float64 `json:"budget"`
	Target    float64 `json:"target"`
	Timestamp int64   `json:"timestamp"`
}

type history struct {
	entries []Entry
	next    int
}

func (h *history) add(e Entry) {
	if len(h.entries) < HistorySize {
		h.entries = append(h.entries, e)
		return
	}
	h.entries[h.next] = e
	h.next = (h.next + 1) % HistorySize
}

func (h *history) list() []Entry {
	out := make([]Entry, 0, len(h.entries))
	out = append(out, h.entries[h.next:]...)
	return append(out, h.entries[:h.next]...)
}

// Monitor holds budgets and their recent history. Metrics without a budget
// are not monitored.
type Monitor struct {
	mu      sync.Mutex
	budgets map[string]map[string]config.Budget
	history map[string]*history
}

// NewMonitor copies the configured budgets.
func NewMonitor(budgets map[string]map[string]config.Budget) *Monitor {
	m := &Monitor{
		budgets: make(map[string]map[string]config.Budget, len(budgets)),
		history: make(map[string]*history),
	}
	for category, metrics := range budgets {
		m.budgets[category] = make(map[string]config.Budget, len(metrics))
		for metric, b := range metrics {
			m.budgets[category][metric] = b
		}
	}
	return m
}

// Budget returns the budget for (category, metric).
func (m *Monitor) Budget(category, metric string) (config.Budget, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.budgets[category][metric]
	return b, ok
}

// Check records the sample and returns a violation when value > budget.
func (m *Monitor) Check(category, metric string, value float64, now int64) (*Violation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.budgets[category][metric]
	if !ok {
		return nil, false
	}
	key := category + ":" + metric
	h, ok := m.history[key]
	if !ok {
		h = &history{}
		m.history[key] = h
	}
	h.add(Entry{Value: value, Budget: b.Budget, Target: b.Target, Timestamp: now})

	if value <= b.Budget {
		return nil, false
	}
	overage := value - b.Budget
	pct := overage / b.Budget * 100
	return &Violation{
		Category:       category,
		Metric:         metric,
		Value:          value,
		Target:         b.Target,
		Budget:         b.Budget,
		Overage:        overage,
		OveragePercent: pct,
		Severity:       SeverityFor(pct),
		Timestamp:      now,
	}, true
}

// SeverityFor maps overage percent onto a severity.
func SeverityFor(pct float64) types.Severity {
	switch {
	case pct > 100:
		return types.SeverityCritical
	case pct > 50:
		return types.SeverityMajor
	case pct > 20:
		return types.SeverityModerate
	default:
		return types.SeverityMinor
	}
}

// History returns the recorded tuples oldest first.
func (m *Monitor) History(category, metric string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.history[category+":"+metric]
	if !ok {
		return nil
	}
	return h.list()
}
