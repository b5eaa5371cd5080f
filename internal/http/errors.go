package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskpilot/internal/agent"
	"github.com/fyrsmithlabs/taskpilot/internal/checkpoint"
	"github.com/fyrsmithlabs/taskpilot/internal/logging"
	"github.com/fyrsmithlabs/taskpilot/internal/memory"
	"github.com/fyrsmithlabs/taskpilot/internal/sanitize"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code
	case errors.Is(err, agent.ErrThreadNotFound),
		errors.Is(err, checkpoint.ErrCheckpointNotFound),
		errors.Is(err, checkpoint.ErrSessionNotFound),
		errors.Is(err, memory.ErrFactNotFound):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrThreadBusy),
		errors.Is(err, agent.ErrNotRunning),
		errors.Is(err, checkpoint.ErrSessionExists),
		errors.Is(err, checkpoint.ErrSequenceConflict):
		return http.StatusConflict
	case errors.Is(err, agent.ErrEmptyGoal),
		errors.Is(err, checkpoint.ErrEmptyThread),
		errors.Is(err, memory.ErrEmptyContent),
		errors.Is(err, memory.ErrInvalidScore),
		errors.Is(err, sanitize.ErrInvalidID):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// errorHandler writes {"error": ...} with the mapped status. Internal
// errors are logged and returned without detail.
func errorHandler(logger *logging.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status := statusFor(err)
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			if m, ok := he.Message.(string); ok {
				msg = m
			} else {
				msg = http.StatusText(he.Code)
			}
		}
		if status >= http.StatusInternalServerError {
			logger.Error(c.Request().Context(), "request failed",
				zap.String("route", c.Path()),
				zap.Error(err))
			msg = http.StatusText(status)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, ErrorResponse{Error: msg})
		}
		if err != nil {
			logger.Warn(c.Request().Context(), "failed to write error response", zap.Error(err))
		}
	}
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}
