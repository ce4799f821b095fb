package engine

import (
	"perfwatch/internal/bus"
	"perfwatch/internal/types"
)

// raise admits a candidate alert, correlates it against the open alerts,
// and hands both the alert and any resulting incident to the
// recommendation engine.
func (e *Engine) raise(candidate types.Alert) {
	created, ok := e.alerts.Create(candidate)
	if !ok {
		return
	}
	if inc, members, found := e.correlator.Observe(created, e.alerts.Active()); found {
		e.openIncident(inc, members)
	}
	e.recs.OnAlert(created)
}

func (e *Engine) openIncident(inc types.Incident, members []*types.Alert) {
	aggregate := types.Alert{
		Type:     types.AlertTypeAggregate,
		Category: inc.ProbableCause.Category,
		Metric:   inc.PatternType,
		Value:    float64(len(members)),
		Level:    types.LevelCritical,
		Message:  inc.ProbableCause.Description + ": " + inc.PatternType,
		Incident: &inc,
	}
	for _, m := range members {
		aggregate.Competitive = aggregate.Competitive || m.Competitive
		aggregate.HighStakes = aggregate.HighStakes || m.HighStakes
	}
	created, ok := e.alerts.Create(aggregate)
	if !ok {
		return
	}
	e.alerts.Link(created.ID, created.Incident.AlertIDs)
	e.metrics.RecordIncident()
	e.log.Warn("incident opened", "id", created.ID, "pattern", inc.PatternType,
		"cause", inc.ProbableCause.Category, "members", len(members))
	e.bus.Publish(bus.TopicIncidentCreated, *created.Incident)
	e.recs.OnAlert(created)
}

// ActiveAlerts returns open alerts, incidents included, oldest first.
func (e *Engine) ActiveAlerts() []*types.Alert {
	return e.alerts.Active()
}

// AlertHistory returns resolved alerts of alertType, every type when empty.
func (e *Engine) AlertHistory(alertType string) []*types.Alert {
	return e.alerts.History(alertType)
}

// GetAlert looks up an active or resolved alert.
func (e *Engine) GetAlert(id string) (*types.Alert, error) {
	return e.alerts.Get(id)
}

// Acknowledge stops an alert's escalation.
func (e *Engine) Acknowledge(id, who string) (*types.Alert, error) {
	return e.alerts.Acknowledge(id, who)
}

// Resolve closes an alert.
func (e *Engine) Resolve(id, reason, who string) (*types.Alert, error) {
	return e.alerts.Resolve(id, reason, who)
}
