// errors.go - Structured error handling for API responses
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/power-topology/backend/internal/asset"
	"github.com/power-topology/backend/internal/diagram"
	"github.com/power-topology/backend/internal/power"
	"github.com/power-topology/backend/internal/session"
	"github.com/power-topology/backend/internal/storage"
)

// APIError represents a structured API error response
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error constructors for consistent error handling

// NewBadRequestError creates a 400 Bad Request error
func NewBadRequestError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusBadRequest,
		Code:    "BAD_REQUEST",
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewValidationError creates a 400 validation error for a specific field
func NewValidationError(field string) *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Code:    "VALIDATION_ERROR",
		Message: fmt.Sprintf("validation failed for field: %s", field),
	}
}

// NewNotFoundError creates a 404 Not Found error
func NewNotFoundError(resource string, id string) *APIError {
	return &APIError{
		Status:  http.StatusNotFound,
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// NewConflictError creates a 409 Conflict error
func NewConflictError(message string) *APIError {
	return &APIError{
		Status:  http.StatusConflict,
		Code:    "CONFLICT",
		Message: message,
	}
}

// NewForbiddenError creates a 403 error for operations disabled by configuration
func NewForbiddenError(message string) *APIError {
	return &APIError{
		Status:  http.StatusForbidden,
		Code:    "FORBIDDEN",
		Message: message,
	}
}

// NewInternalError creates a 500 Internal Server Error
func NewInternalError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusInternalServerError,
		Code:    "INTERNAL_ERROR",
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewServiceUnavailableError creates a 503 Service Unavailable error
func NewServiceUnavailableError(message string) *APIError {
	return &APIError{
		Status:  http.StatusServiceUnavailable,
		Code:    "SERVICE_UNAVAILABLE",
		Message: message,
	}
}

// FromError maps domain errors onto the API taxonomy. Contract violations
// (double mount, acting on a destroyed asset, a gesture held elsewhere) are
// conflicts; unknown ids are not found.
func FromError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var rejected *power.RejectedError
	switch {
	case errors.Is(err, diagram.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return &APIError{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: err.Error()}
	case errors.Is(err, asset.ErrAlreadyMounted),
		errors.Is(err, asset.ErrDestroyed),
		errors.Is(err, asset.ErrNotMounted),
		errors.Is(err, session.ErrGestureHeld):
		return &APIError{Status: http.StatusConflict, Code: "CONFLICT", Message: err.Error()}
	case errors.As(err, &rejected):
		return &APIError{Status: http.StatusConflict, Code: "REJECTED", Message: rejected.Reason, Details: string(rejected.ID)}
	case errors.Is(err, storage.ErrInvalidResource):
		return NewBadRequestError("invalid resource", err)
	case errors.Is(err, diagram.ErrStopped), errors.Is(err, session.ErrTooManySessions):
		return NewServiceUnavailableError(err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return &APIError{Status: http.StatusGatewayTimeout, Code: "TIMEOUT", Message: err.Error()}
	}
	return NewInternalError("unexpected error", err)
}

// ErrorHandler returns the echo error handler.
// Usage: e.HTTPErrorHandler = api.ErrorHandler(logger, verbose)
func ErrorHandler(logger *slog.Logger, verbose bool) echo.HTTPErrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "api")

	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var apiErr *APIError
		var httpErr *echo.HTTPError
		switch {
		case errors.As(err, &apiErr):
		case errors.As(err, &httpErr):
			apiErr = &APIError{
				Status:  httpErr.Code,
				Code:    "HTTP_ERROR",
				Message: fmt.Sprintf("%v", httpErr.Message),
			}
		default:
			apiErr = FromError(err)
		}

		if apiErr.Status >= http.StatusInternalServerError {
			logger.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
			if !verbose {
				apiErr = &APIError{Status: apiErr.Status, Code: apiErr.Code, Message: apiErr.Message}
			}
		}

		if c.Request().Method == http.MethodHead {
			c.NoContent(apiErr.Status)
			return
		}
		c.JSON(apiErr.Status, apiErr)
	}
}

// RespondWithError is a helper to respond with an APIError
func RespondWithError(c echo.Context, err *APIError) error {
	return c.JSON(err.Status, err)
}
