// Package alerting owns the alert lifecycle: admission under rate limits,
// escalation, acknowledgement, resolution, and history.
package alerting

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"perfwatch/internal/bus"
	"perfwatch/internal/clock"
	"perfwatch/internal/config"
	"perfwatch/internal/errors"
	"perfwatch/internal/logger"
	"perfwatch/internal/monitoring"
	"perfwatch/internal/quality"
	"perfwatch/internal/types"
)

const hourMs = 3_600_000

// Suppression is the alert_suppressed quality sample.
type Suppression struct {
	Type   string `json:"type"`
	Metric string `json:"metric"`
	Reason string `json:"reason"`
}

// Manager manages performance alerts
type Manager struct {
	mu  sync.Mutex
	cfg config.AlertsConfig

	active   map[string]*types.Alert
	resolved map[string]bool
	history  map[string][]*types.Alert
	timers   map[string]clock.Timer
	// lastAdmitted is keyed by type:category:metric.
	lastAdmitted map[string]int64
	// admittedAt holds admission times per type within the last hour.
	admittedAt map[string][]int64

	clk     clock.Clock
	bus     *bus.Bus
	quality *quality.Recorder
	metrics *monitoring.Metrics
	log     logger.Logger
}

// NewManager creates an alert manager.
func NewManager(cfg config.AlertsConfig, clk clock.Clock, b *bus.Bus, q *quality.Recorder, m *monitoring.Metrics, log logger.Logger) *Manager {
	return &Manager{
		cfg:          cfg,
		active:       make(map[string]*types.Alert),
		resolved:     make(map[string]bool),
		history:      make(map[string][]*types.Alert),
		timers:       make(map[string]clock.Timer),
		lastAdmitted: make(map[string]int64),
		admittedAt:   make(map[string][]int64),
		clk:          clk,
		bus:          b,
		quality:      q,
		metrics:      m,
		log:          log.WithField("component", "alerts"),
	}
}

// signature keys the cooldown. The hourly cap is counted per type.
func signature(a *types.Alert) string {
	return a.Type + ":" + a.Category + ":" + a.Metric
}

// Create admits a candidate alert. Incidents bypass the rate limits. The
// admitted alert gets an id, creation time, impact, and, when critical or
// of high competitive impact, an escalation timer. It returns a copy.
func (m *Manager) Create(candidate types.Alert) (*types.Alert, bool) {
	now := clock.NowMs(m.clk)
	a := candidate.Clone()

	m.mu.Lock()
	if !a.IsAggregate() {
		if reason, limited := m.limited(a, now); limited {
			m.mu.Unlock()
			m.quality.Record(quality.AlertSuppressed, Suppression{Type: a.Type, Metric: a.Metric, Reason: reason})
			return nil, false
		}
	}

	a.ID = uuid.NewString()
	a.Created = now
	a.Status = types.StatusActive
	a.EscalationLevel = m.levelIndex(a.Level)
	a.Impact = ComputeImpact(a)
	if a.Incident != nil {
		a.Incident.ID = a.ID
		a.Incident.Created = now
	}

	m.active[a.ID] = a
	m.lastAdmitted[signature(a)] = now
	m.admittedAt[a.Type] = append(m.admittedAt[a.Type], now)
	escalates := a.Level == types.LevelCritical || a.Level == types.LevelEmergency || a.Impact.Competitive == types.ImpactHigh
	if escalates && a.EscalationLevel < len(m.cfg.EscalationOrder)-1 {
		m.armEscalation(a.ID)
	}
	activeCount := len(m.active)
	out := a.Clone()
	m.mu.Unlock()

	m.metrics.RecordAlert(out.Type, string(out.Level))
	m.metrics.SetActiveAlerts(activeCount)
	m.log.Info("alert created", "id", out.ID, "type", out.Type, "metric", out.Metric, "level", out.Level)
	m.bus.Publish(bus.TopicAlertCreated, out)
	return out, true
}

// limited applies the per-signature cooldown and the per-type hourly cap.
func (m *Manager) limited(a *types.Alert, now int64) (string, bool) {
	if m.cfg.CooldownMs > 0 {
		if last, ok := m.lastAdmitted[signature(a)]; ok && now-last < m.cfg.CooldownMs {
			return "cooldown", true
		}
	}
	times := m.admittedAt[a.Type]
	i := 0
	for i < len(times) && times[i] <= now-hourMs {
		i++
	}
	times = times[i:]
	m.admittedAt[a.Type] = times
	if len(times) >= m.cfg.MaxPerHour {
		return "max_per_hour", true
	}
	return "", false
}

func (m *Manager) levelIndex(level types.AlertLevel) int {
	for i, l := range m.cfg.EscalationOrder {
		if l == string(level) {
			return i
		}
	}
	return 0
}

// armEscalation must be called with m.mu held.
func (m *Manager) armEscalation(id string) {
	if m.cfg.EscalationTimeoutMs <= 0 {
		return
	}
	m.timers[id] = m.clk.AfterFunc(config.Ms(m.cfg.EscalationTimeoutMs), func() {
		m.escalate(id)
	})
}

func (m *Manager) escalate(id string) {
	m.mu.Lock()
	a, ok := m.active[id]
	if !ok || a.Status != types.StatusActive {
		delete(m.timers, id)
		m.mu.Unlock()
		return
	}
	top := len(m.cfg.EscalationOrder) - 1
	if a.EscalationLevel >= top {
		delete(m.timers, id)
		m.mu.Unlock()
		return
	}
	a.EscalationLevel++
	a.Level = types.AlertLevel(m.cfg.EscalationOrder[a.EscalationLevel])
	if a.EscalationLevel < top {
		m.armEscalation(id)
	} else {
		delete(m.timers, id)
	}
	out := a.Clone()
	m.mu.Unlock()

	m.log.Warn("alert escalated", "id", id, "level", out.Level, "escalation_level", out.EscalationLevel)
	m.bus.Publish(bus.TopicAlertEscalated, out)
}

func (m *Manager) stopTimer(id string) {
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
}

func (m *Manager) lookup(id string) (*types.Alert, error) {
	a, ok := m.active[id]
	if ok {
		return a, nil
	}
	if m.resolved[id] {
		return nil, errors.InvalidState("alert " + id + " is already resolved")
	}
	return nil, errors.NotFound("alert", id)
}

// Acknowledge marks an active alert acknowledged. It stays in the active
// index but no longer escalates.
func (m *Manager) Acknowledge(id, who string) (*types.Alert, error) {
	m.mu.Lock()
	a, err := m.lookup(id)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if a.Status != types.StatusActive {
		m.mu.Unlock()
		return nil, errors.InvalidState("alert " + id + " is " + string(a.Status))
	}
	a.Status = types.StatusAcknowledged
	a.AcknowledgedBy = who
	a.AcknowledgedAt = clock.NowMs(m.clk)
	m.stopTimer(id)
	out := a.Clone()
	m.mu.Unlock()

	m.bus.Publish(bus.TopicAlertAcknowledged, out)
	return out, nil
}

// Resolve moves an active or acknowledged alert into history.
func (m *Manager) Resolve(id, reason, who string) (*types.Alert, error) {
	m.mu.Lock()
	a, err := m.lookup(id)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	a.Status = types.StatusResolved
	a.ResolvedBy = who
	a.ResolvedAt = clock.NowMs(m.clk)
	a.ResolveReason = reason
	m.stopTimer(id)
	delete(m.active, id)
	m.resolved[id] = true
	m.history[a.Type] = append(m.history[a.Type], a)
	activeCount := len(m.active)
	out := a.Clone()
	m.mu.Unlock()

	m.metrics.SetActiveAlerts(activeCount)
	m.log.Info("alert resolved", "id", id, "by", who, "reason", reason)
	m.bus.Publish(bus.TopicAlertResolved, out)
	return out, nil
}

// Link records that members form incidentID: each member's correlated set
// becomes the other members.
func (m *Manager) Link(incidentID string, members []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range members {
		a, ok := m.active[id]
		if !ok {
			continue
		}
		a.IncidentID = incidentID
		a.CorrelatedAlertIDs = a.CorrelatedAlertIDs[:0]
		for _, other := range members {
			if other != id {
				a.CorrelatedAlertIDs = append(a.CorrelatedAlertIDs, other)
			}
		}
	}
}

// Get returns a copy of an active or historical alert.
func (m *Manager) Get(id string) (*types.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.active[id]; ok {
		return a.Clone(), nil
	}
	for _, list := range m.history {
		for _, a := range list {
			if a.ID == id {
				return a.Clone(), nil
			}
		}
	}
	return nil, errors.NotFound("alert", id)
}

// Active returns copies of active and acknowledged alerts, oldest first.
func (m *Manager) Active() []*types.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, a.Clone())
	}
	sortAlerts(out)
	return out
}

// History returns resolved alerts of alertType (every type when empty),
// oldest first.
func (m *Manager) History(alertType string) []*types.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Alert
	for t, list := range m.history {
		if alertType != "" && t != alertType {
			continue
		}
		for _, a := range list {
			out = append(out, a.Clone())
		}
	}
	sortAlerts(out)
	return out
}

// SweepHistory discards resolved alerts older than the retention window.
func (m *Manager) SweepHistory(nowMs int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := nowMs - m.cfg.HistoryRetentionMs
	removed := 0
	for t, list := range m.history {
		kept := list[:0]
		for _, a := range list {
			if a.ResolvedAt < cutoff {
				delete(m.resolved, a.ID)
				removed++
				continue
			}
			kept = append(kept, a)
		}
		if len(kept) == 0 {
			delete(m.history, t)
		} else {
			m.history[t] = kept
		}
	}
	return removed
}

// Stop cancels every escalation timer.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}

func sortAlerts(list []*types.Alert) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Created != list[j].Created {
			return list[i].Created < list[j].Created
		}
		return list[i].ID < list[j].ID
	})
}

// ComputeImpact grades an alert along user experience, competitive play,
// and business exposure.
func ComputeImpact(a *types.Alert) types.Impact {
	impact := types.Impact{
		UserExperience: types.ImpactLow,
		Competitive:    types.ImpactLow,
		Business:       types.ImpactLow,
	}
	severe := a.Level == types.LevelCritical || a.Level == types.LevelEmergency
	switch {
	case severe:
		impact.UserExperience = types.ImpactHigh
	case a.Level == types.LevelWarning:
		impact.UserExperience = types.ImpactMedium
	}
	if a.Competitive {
		impact.Competitive = types.ImpactMedium
		if severe {
			impact.Competitive = types.ImpactHigh
		}
	}
	switch {
	case a.HighStakes:
		impact.Business = types.ImpactHigh
	case a.Category == types.CategoryGaming:
		impact.Business = types.ImpactMedium
	}
	return impact
}
