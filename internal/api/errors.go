package api

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"perfwatch/internal/errors"
	"perfwatch/internal/logger"
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{Success: true, Data: data})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, Response{
		Success: false,
		Error:   err.Error(),
		Code:    string(errors.ErrCodeValidationFailed),
	})
}

// fail writes err as a JSON error, mapping AppError codes onto statuses.
func fail(c *gin.Context, log logger.Logger, err error) {
	appErr := errors.GetAppError(err)
	if appErr == nil {
		appErr = errors.WrapError(err, errors.ErrCodeInternal, "internal server error")
	}
	logError(c, log, appErr)
	c.AbortWithStatusJSON(appErr.HTTPStatus(), Response{
		Success: false,
		Error:   appErr.Error(),
		Code:    string(appErr.Code),
		Message: appErr.Message,
	})
}

// logError picks the level from the error's severity.
func logError(c *gin.Context, log logger.Logger, err *errors.AppError) {
	fields := []interface{}{
		"error_code", err.Code,
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
	}
	if err.Details != "" {
		fields = append(fields, "details", err.Details)
	}
	if err.Cause != nil {
		fields = append(fields, "cause", err.Cause.Error())
	}

	switch err.Severity {
	case errors.SeverityCritical, errors.SeverityHigh:
		log.Error(err.Message, fields...)
	case errors.SeverityMedium:
		log.Warn(err.Message, fields...)
	default:
		log.Debug(err.Message, fields...)
	}
}

func recoverHandler(log logger.Logger) gin.RecoveryFunc {
	return func(c *gin.Context, recovered interface{}) {
		log.Error("panic recovered",
			"error", recovered,
			"stack", string(debug.Stack()),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		fail(c, log, errors.NewAppError(errors.ErrCodeInternal, "internal server error", nil))
	}
}
