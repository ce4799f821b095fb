package types

import (
	"math"
	"sort"
	"strings"
)

// EventType is the closed set of event kinds the engine accepts.
type EventType string

const (
	EventWebVital          EventType = "web_vital"
	EventGamingPerformance EventType = "gaming_performance"
	EventUserExperience    EventType = "user_experience"
	EventNetwork           EventType = "network"
	EventDevice            EventType = "device"
	EventAlert             EventType = "alert"
	EventRegression        EventType = "regression"
	EventBudgetViolation   EventType = "budget_violation"
)

var eventTypes = []EventType{
	EventWebVital,
	EventGamingPerformance,
	EventUserExperience,
	EventNetwork,
	EventDevice,
	EventAlert,
	EventRegression,
	EventBudgetViolation,
}

// AllEventTypes lists every accepted event type in declaration order.
func AllEventTypes() []EventType {
	out := make([]EventType, len(eventTypes))
	copy(out, eventTypes)
	return out
}

// ParseEventType accepts only members of the closed enumeration.
func ParseEventType(s string) (EventType, bool) {
	for _, t := range eventTypes {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// Valid reports membership in the enumeration.
func (t EventType) Valid() bool {
	_, ok := ParseEventType(string(t))
	return ok
}

// Metric categories used to key baselines, thresholds, and budgets.
const (
	CategoryWebVitals      = "webVitals"
	CategoryGaming         = "gaming"
	CategoryUserExperience = "userExperience"
	CategoryNetwork        = "network"
	CategoryDevice         = "device"
	CategoryEngine         = "engine"
)

// Category maps an event type onto its metric category.
func (t EventType) Category() string {
	switch t {
	case EventWebVital:
		return CategoryWebVitals
	case EventGamingPerformance:
		return CategoryGaming
	case EventUserExperience:
		return CategoryUserExperience
	case EventNetwork:
		return CategoryNetwork
	case EventDevice:
		return CategoryDevice
	default:
		return CategoryEngine
	}
}

// Event is one measurement pushed by a producer. Timestamp is wall time in
// Unix milliseconds.
type Event struct {
	Name      string                 `json:"name"`
	Value     *float64               `json:"value,omitempty" validate:"omitempty,gte=0"`
	Duration  *float64               `json:"duration,omitempty" validate:"omitempty,gte=0,lte=300000"`
	Success   *bool                  `json:"success,omitempty"`
	Timestamp int64                  `json:"timestamp" validate:"required,gt=0"`
	SessionID string                 `json:"sessionId"`
	UserID    string                 `json:"userId,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// Sample returns the event's usable value. Aggregation only considers
// events carrying exactly one of value or duration.
func (e Event) Sample() (float64, bool) {
	switch {
	case e.Value != nil && e.Duration == nil:
		return *e.Value, true
	case e.Duration != nil && e.Value == nil:
		return *e.Duration, true
	default:
		return 0, false
	}
}

// Failed reports an explicit success=false.
func (e Event) Failed() bool {
	return e.Success != nil && !*e.Success
}

// ContextBool reads a boolean context flag.
func (e Event) ContextBool(key string) bool {
	v, ok := e.Context[key]
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(b, "true")
	default:
		return false
	}
}

// ContextFloat reads a numeric context field.
func (e Event) ContextFloat(key string) (float64, bool) {
	switch n := e.Context[key].(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// ContextString reads a string context field.
func (e Event) ContextString(key string) string {
	s, _ := e.Context[key].(string)
	return s
}

// Float is a convenience for building events.
func Float(v float64) *float64 { return &v }

// Bool is a convenience for building events.
func Bool(v bool) *bool { return &v }

// QualityFlag marks an event that passed ingestion with caveats.
type QualityFlag string

const (
	FlagValidationFailed QualityFlag = "validation_failed"
	FlagAnomaly          QualityFlag = "anomaly"
)

// EnrichedEvent is an Event after validation and enrichment.
type EnrichedEvent struct {
	Event
	Type            EventType         `json:"eventType"`
	Category        string            `json:"category"`
	IngestTimestamp int64             `json:"ingestTimestamp"`
	Segment         Segment           `json:"segment"`
	ABAssignments   map[string]string `json:"abAssignments,omitempty"`
	Competitive     bool              `json:"competitive"`
	HighStakes      bool              `json:"highStakes"`
	QualityFlags    []QualityFlag     `json:"qualityFlags,omitempty"`
}

// HasFlag reports whether f was attached.
func (e *EnrichedEvent) HasFlag(f QualityFlag) bool {
	for _, x := range e.QualityFlags {
		if x == f {
			return true
		}
	}
	return false
}

// VariantKeys returns "test:variant" keys in a stable order.
func (e *EnrichedEvent) VariantKeys() []string {
	keys := make([]string, 0, len(e.ABAssignments))
	for test, variant := range e.ABAssignments {
		keys = append(keys, test+":"+variant)
	}
	sort.Strings(keys)
	return keys
}
