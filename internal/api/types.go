package api

import "perfwatch/internal/types"

// EventRequest is one event pushed by a producer.
type EventRequest struct {
	EventType string      `json:"eventType" binding:"required"`
	Data      types.Event `json:"data"`
}

// IngestRequest carries a batch of events.
type IngestRequest struct {
	Events []EventRequest `json:"events" binding:"required,min=1,max=1000,dive"`
}

// IngestResponse reports how many events passed validation and sampling.
type IngestResponse struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

// TimerRequest begins or ends a duration measurement. Context is used on
// begin, Extra on end.
type TimerRequest struct {
	Scope   string                 `json:"scope" binding:"required"`
	ID      string                 `json:"id" binding:"required"`
	Context map[string]interface{} `json:"context"`
	Extra   map[string]interface{} `json:"extra"`
}

// AlertActionRequest acknowledges or resolves an alert.
type AlertActionRequest struct {
	By     string `json:"by" binding:"required"`
	Reason string `json:"reason"`
}

// ContextRequest changes the shared competitive flag or the global
// threshold mode.
type ContextRequest struct {
	Competitive   *bool  `json:"competitive"`
	ThresholdMode string `json:"thresholdMode" binding:"omitempty,oneof=normal competitive high_stakes"`
}

// ABTestRequest registers an experiment.
type ABTestRequest struct {
	ID          string         `json:"id" binding:"required"`
	Variants    []string       `json:"variants" binding:"required,min=2"`
	SampleRatio float64        `json:"sampleRatio" binding:"gte=0,lte=1"`
	StartTime   int64          `json:"startTime"`
	EndTime     int64          `json:"endTime"`
	Targeting   *types.Segment `json:"targeting"`
}
