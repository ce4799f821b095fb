// Package ingest validates, samples, and buffers incoming events and delivers
// flushed batches to a sink.
package ingest

import (
	"fmt"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"

	"perfwatch/internal/errors"
	"perfwatch/internal/types"
)

const (
	// MaxEventAgeMs is how far in the past a timestamp may lie.
	MaxEventAgeMs = 24 * 60 * 60 * 1000
	// MaxClockSkewMs is how far in the future a timestamp may lie.
	MaxClockSkewMs = 5000
)

// Validator applies the event acceptance rules.
type Validator struct {
	v *validator.Validate
}

// NewValidator creates a validator.
func NewValidator() *Validator {
	return &Validator{v: validator.New()}
}

// Validate checks e against the closed type enumeration, the timestamp
// window around nowMs, and the value rules. It returns the parsed type.
func (v *Validator) Validate(eventType string, e types.Event, nowMs int64) (types.EventType, error) {
	et, ok := types.ParseEventType(eventType)
	if !ok {
		return "", invalid("unknown event type %q", eventType)
	}
	for name, p := range map[string]*float64{"value": e.Value, "duration": e.Duration} {
		if p != nil && (math.IsNaN(*p) || math.IsInf(*p, 0)) {
			return et, invalid("%s must be finite", name)
		}
	}
	if err := v.v.Struct(e); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s%s", fe.Field(), fe.Tag(), param(fe)))
			}
			return et, invalid("%s", strings.Join(msgs, "; "))
		}
		return et, invalid("%v", err)
	}
	if e.Timestamp < nowMs-MaxEventAgeMs {
		return et, invalid("timestamp %d older than 24h", e.Timestamp)
	}
	if e.Timestamp > nowMs+MaxClockSkewMs {
		return et, invalid("timestamp %d in the future", e.Timestamp)
	}
	return et, nil
}

func param(fe validator.FieldError) string {
	if fe.Param() == "" {
		return ""
	}
	return "=" + fe.Param()
}

func invalid(format string, args ...interface{}) error {
	return errors.NewAppErrorWithDetails(errors.ErrCodeValidationFailed, "invalid event", fmt.Sprintf(format, args...), nil)
}
