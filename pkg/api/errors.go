package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/lexpipe/lexpipe/pkg/matter"
	"github.com/lexpipe/lexpipe/pkg/services"
)

// ErrorBody is the wire shape inside the error envelope.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorResponse is the envelope every 4xx/5xx response uses.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// errorEnvelope translates errors returned by handlers into the envelope.
// Registered as the outermost middleware so every route shares the contract.
func errorEnvelope() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}
			if r, _ := echo.UnwrapResponse(c.Response()); r != nil && r.Committed {
				return err
			}

			status, body := toEnvelope(err)
			return c.JSON(status, &ErrorResponse{Error: body})
		}
	}
}

// statusCodes maps HTTP status to the envelope's UPPER_SNAKE code for errors
// raised as plain echo.HTTPError.
var statusCodes = map[int]string{
	http.StatusBadRequest:            "INVALID_REQUEST",
	http.StatusNotFound:              "NOT_FOUND",
	http.StatusConflict:              "CONFLICT",
	http.StatusRequestEntityTooLarge: "PAYLOAD_TOO_LARGE",
	http.StatusTooManyRequests:       "RATE_LIMIT_EXCEEDED",
	http.StatusServiceUnavailable:    "SERVICE_UNAVAILABLE",
}

func toEnvelope(err error) (int, ErrorBody) {
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		code, ok := statusCodes[httpErr.Code]
		if !ok {
			code = "INTERNAL_ERROR"
		}
		msg := httpErr.Message
		if msg == "" {
			msg = http.StatusText(httpErr.Code)
		}
		return httpErr.Code, ErrorBody{Code: code, Message: msg}
	}

	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return http.StatusBadRequest, ErrorBody{
			Code:    "VALIDATION_ERROR",
			Message: validErr.Error(),
			Details: map[string]any{"field": validErr.Field},
		}
	}
	if errors.Is(err, matter.ErrInvalidMatter) {
		return http.StatusBadRequest, ErrorBody{Code: "INVALID_MATTER", Message: err.Error()}
	}
	if matter.IsLeak(err) {
		// Already logged at error by the isolation layer; never leak the
		// offending row to the caller.
		return http.StatusInternalServerError, ErrorBody{
			Code:    "ISOLATION_VIOLATION",
			Message: "internal server error",
		}
	}
	if errors.Is(err, services.ErrNotFound) {
		return http.StatusNotFound, ErrorBody{Code: "NOT_FOUND", Message: "resource not found"}
	}
	if errors.Is(err, services.ErrTerminalState) {
		return http.StatusConflict, ErrorBody{
			Code:    "TERMINAL_STATE",
			Message: "job is in a terminal state and cannot transition",
		}
	}
	if errors.Is(err, services.ErrRetriesExhausted) {
		return http.StatusConflict, ErrorBody{Code: "RETRIES_EXHAUSTED", Message: err.Error()}
	}
	if errors.Is(err, services.ErrConcurrentModification) {
		return http.StatusConflict, ErrorBody{Code: "CONFLICT", Message: "resource was modified concurrently"}
	}
	if errors.Is(err, services.ErrInvalidInput) {
		return http.StatusBadRequest, ErrorBody{Code: "INVALID_INPUT", Message: err.Error()}
	}

	slog.Error("Unexpected service error", "error", err)
	return http.StatusInternalServerError, ErrorBody{
		Code:    "INTERNAL_ERROR",
		Message: "internal server error",
	}
}
