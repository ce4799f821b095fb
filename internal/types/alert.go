package types

// AlertLevel orders alert urgency.
type AlertLevel string

const (
	LevelInfo      AlertLevel = "info"
	LevelWarning   AlertLevel = "warning"
	LevelCritical  AlertLevel = "critical"
	LevelEmergency AlertLevel = "emergency"
)

// AlertStatus is the lifecycle state: active → acknowledged? → resolved.
type AlertStatus string

const (
	StatusActive       AlertStatus = "active"
	StatusAcknowledged AlertStatus = "acknowledged"
	StatusResolved     AlertStatus = "resolved"
)

// ImpactLevel grades one impact dimension.
type ImpactLevel string

const (
	ImpactLow    ImpactLevel = "low"
	ImpactMedium ImpactLevel = "medium"
	ImpactHigh   ImpactLevel = "high"
)

// Impact is attached to every admitted alert.
type Impact struct {
	UserExperience ImpactLevel `json:"userExperience"`
	Competitive    ImpactLevel `json:"competitive"`
	Business       ImpactLevel `json:"business"`
}

// Alert types raised by the engine.
const (
	AlertTypeRegression = "performance_regression"
	AlertTypeBudget     = "budget_violation"
	AlertTypeThreshold  = "threshold_exceeded"
	AlertTypeAggregate  = "aggregate_performance_issue"
)

// Alert is a durable record of a rule breach.
type Alert struct {
	ID                 string                 `json:"id"`
	Type               string                 `json:"type"`
	Category           string                 `json:"category"`
	Metric             string                 `json:"metric"`
	Value              float64                `json:"value"`
	Threshold          float64                `json:"threshold,omitempty"`
	Level              AlertLevel             `json:"level"`
	Message            string                 `json:"message"`
	Created            int64                  `json:"created"`
	Status             AlertStatus            `json:"status"`
	EscalationLevel    int                    `json:"escalationLevel"`
	CorrelatedAlertIDs []string               `json:"correlatedAlertIds,omitempty"`
	IncidentID         string                 `json:"incidentId,omitempty"`
	Impact             Impact                 `json:"impact"`
	Competitive        bool                   `json:"competitive"`
	HighStakes         bool                   `json:"highStakes"`
	AcknowledgedBy     string                 `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt     int64                  `json:"acknowledgedAt,omitempty"`
	ResolvedBy         string                 `json:"resolvedBy,omitempty"`
	ResolvedAt         int64                  `json:"resolvedAt,omitempty"`
	ResolveReason      string                 `json:"resolveReason,omitempty"`
	Details            map[string]interface{} `json:"details,omitempty"`
	Incident           *Incident              `json:"incident,omitempty"`
}

// IsAggregate reports whether the alert stands for an incident.
func (a *Alert) IsAggregate() bool {
	return a.Type == AlertTypeAggregate
}

// Clone returns a copy safe to hand to subscribers.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	c := *a
	c.CorrelatedAlertIDs = append([]string(nil), a.CorrelatedAlertIDs...)
	if a.Details != nil {
		c.Details = make(map[string]interface{}, len(a.Details))
		for k, v := range a.Details {
			c.Details[k] = v
		}
	}
	if a.Incident != nil {
		inc := *a.Incident
		inc.AlertIDs = append([]string(nil), a.Incident.AlertIDs...)
		c.Incident = &inc
	}
	return &c
}

// ProbableCause is the correlator's inference for an incident.
type ProbableCause struct {
	Category    string  `json:"category"`
	Confidence  float64 `json:"confidence"`
	Description string  `json:"description"`
}

// Incident groups three or more correlated alerts.
type Incident struct {
	ID            string        `json:"id"`
	PatternType   string        `json:"patternType"`
	ProbableCause ProbableCause `json:"probableCause"`
	AlertIDs      []string      `json:"alertIds"`
	Created       int64         `json:"created"`
}

// Severity grades regressions and budget violations.
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

// AlertLevel maps a severity onto the alert ladder. High-stakes critical
// breaches go straight to emergency.
func (s Severity) AlertLevel(highStakes bool) AlertLevel {
	switch s {
	case SeverityCritical:
		if highStakes {
			return LevelEmergency
		}
		return LevelCritical
	case SeverityMajor:
		return LevelCritical
	case SeverityModerate:
		return LevelWarning
	default:
		return LevelInfo
	}
}
