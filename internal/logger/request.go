package logger

import (
	"fmt"
	"time"
)

// RequestLogger logs HTTP requests served by the API, choosing the level
// from the status code.
type RequestLogger struct {
	logger Logger
}

// NewRequestLogger wraps logger for request logging.
func NewRequestLogger(logger Logger) *RequestLogger {
	return &RequestLogger{logger: logger}
}

// LogRequest writes one line per request.
func (rl *RequestLogger) LogRequest(method, path string, statusCode int, latency time.Duration, fields map[string]interface{}) {
	msg := fmt.Sprintf("%s %s - %d", method, path, statusCode)

	logFields := map[string]interface{}{
		"method":      method,
		"path":        path,
		"status_code": statusCode,
		"latency_ms":  latency.Milliseconds(),
	}
	for k, v := range fields {
		logFields[k] = v
	}

	switch {
	case statusCode >= 500:
		rl.logger.WithFields(logFields).Error(msg)
	case statusCode >= 400:
		rl.logger.WithFields(logFields).Warn(msg)
	default:
		rl.logger.WithFields(logFields).Debug(msg)
	}
}
