package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrorCode classifies an AppError.
type ErrorCode string

const (
	ErrCodeInternal          ErrorCode = "INTERNAL_ERROR"
	ErrCodeConfigInvalid     ErrorCode = "CONFIG_INVALID"
	ErrCodeValidationFailed  ErrorCode = "VALIDATION_FAILED"
	ErrCodePersistenceFailed ErrorCode = "PERSISTENCE_FAILED"
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeInvalidState      ErrorCode = "INVALID_STATE"
	ErrCodeEngineStopped     ErrorCode = "ENGINE_STOPPED"
	ErrCodeTimeout           ErrorCode = "TIMEOUT"
)

// ErrorSeverity ranks how urgently an error needs attention.
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// AppError is the error type returned across package boundaries.
type AppError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Severity  ErrorSeverity          `json:"severity"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches any AppError carrying the same code, so sentinel values below
// work with errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewAppError creates an AppError with severity derived from code.
func NewAppError(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Severity:  getSeverityByCode(code),
		Timestamp: time.Now(),
		Cause:     cause,
		Context:   make(map[string]interface{}),
	}
}

// NewAppErrorWithDetails creates an AppError carrying extra details.
func NewAppErrorWithDetails(code ErrorCode, message, details string, cause error) *AppError {
	err := NewAppError(code, message, cause)
	err.Details = details
	return err
}

// WithContext attaches a key/value pair and returns e.
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func getSeverityByCode(code ErrorCode) ErrorSeverity {
	switch code {
	case ErrCodeInternal, ErrCodeConfigInvalid:
		return SeverityCritical
	case ErrCodePersistenceFailed, ErrCodeEngineStopped:
		return SeverityHigh
	case ErrCodeTimeout, ErrCodeInvalidState:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// HTTPStatus maps the error code onto a response status.
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeValidationFailed, ErrCodeConfigInvalid:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidState:
		return http.StatusConflict
	case ErrCodeEngineStopped:
		return http.StatusServiceUnavailable
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// IsRetryable reports whether the operation may succeed if repeated.
func (e *AppError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTimeout, ErrCodePersistenceFailed:
		return true
	default:
		return false
	}
}

// ConfigError is the single error raised at construction for invalid
// configuration. Problems lists every violation found.
type ConfigError struct {
	*AppError
	Problems []string
}

// NewConfigError folds all problems into one error. It returns nil when
// problems is empty.
func NewConfigError(problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	app := NewAppErrorWithDetails(ErrCodeConfigInvalid, "invalid configuration", strings.Join(problems, "; "), nil)
	return &ConfigError{AppError: app, Problems: append([]string(nil), problems...)}
}

// Unwrap exposes the embedded AppError so errors.Is(err, ErrConfigInvalid)
// holds for ConfigError values.
func (e *ConfigError) Unwrap() error {
	return e.AppError
}

// Sentinels for errors.Is comparisons.
var (
	ErrConfigInvalid  = NewAppError(ErrCodeConfigInvalid, "invalid configuration", nil)
	ErrValidation     = NewAppError(ErrCodeValidationFailed, "validation failed", nil)
	ErrPersistence    = NewAppError(ErrCodePersistenceFailed, "persistence failed", nil)
	ErrNotFound       = NewAppError(ErrCodeNotFound, "resource not found", nil)
	ErrInvalidState   = NewAppError(ErrCodeInvalidState, "invalid state transition", nil)
	ErrEngineStopped  = NewAppError(ErrCodeEngineStopped, "engine stopped", nil)
	ErrInternalFailed = NewAppError(ErrCodeInternal, "internal error", nil)
)

// WrapError converts err into an AppError unless it already is one.
func WrapError(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return NewAppError(code, message, err)
}

// NotFound builds a NOT_FOUND error naming the missing resource.
func NotFound(kind, id string) *AppError {
	return NewAppErrorWithDetails(ErrCodeNotFound, kind+" not found", id, nil)
}

// InvalidState builds an INVALID_STATE error.
func InvalidState(details string) *AppError {
	return NewAppErrorWithDetails(ErrCodeInvalidState, "invalid state transition", details, nil)
}

// GetAppError returns the AppError in err's chain, if any.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}
