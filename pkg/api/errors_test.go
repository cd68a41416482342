package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"

	"github.com/lexpipe/lexpipe/pkg/matter"
	"github.com/lexpipe/lexpipe/pkg/services"
)

func TestToEnvelope(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "validation error",
			err:        &services.ValidationError{Field: "status", Message: "unknown status"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{
			name:       "invalid matter",
			err:        fmt.Errorf("%w: %q", matter.ErrInvalidMatter, "not-a-uuid"),
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_MATTER",
		},
		{
			name:       "isolation leak",
			err:        &matter.LeakError{Requested: "a", Found: "b"},
			wantStatus: http.StatusInternalServerError,
			wantCode:   "ISOLATION_VIOLATION",
		},
		{
			name:       "not found",
			err:        fmt.Errorf("job lookup: %w", services.ErrNotFound),
			wantStatus: http.StatusNotFound,
			wantCode:   "NOT_FOUND",
		},
		{
			name:       "terminal state",
			err:        services.ErrTerminalState,
			wantStatus: http.StatusConflict,
			wantCode:   "TERMINAL_STATE",
		},
		{
			name:       "retries exhausted",
			err:        services.ErrRetriesExhausted,
			wantStatus: http.StatusConflict,
			wantCode:   "RETRIES_EXHAUSTED",
		},
		{
			name:       "concurrent modification",
			err:        services.ErrConcurrentModification,
			wantStatus: http.StatusConflict,
			wantCode:   "CONFLICT",
		},
		{
			name:       "http error with mapped status",
			err:        echo.NewHTTPError(http.StatusServiceUnavailable, "recovery is not configured"),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "SERVICE_UNAVAILABLE",
		},
		{
			name:       "http error with unmapped status",
			err:        echo.NewHTTPError(http.StatusTeapot, "nope"),
			wantStatus: http.StatusTeapot,
			wantCode:   "INTERNAL_ERROR",
		},
		{
			name:       "unknown error",
			err:        errors.New("pq: connection reset"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := toEnvelope(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, body.Code)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestErrorEnvelope_SkipsCommittedResponse(t *testing.T) {
	e := echo.New()
	e.Use(errorEnvelope())
	e.GET("/late", func(c *echo.Context) error {
		if err := c.String(http.StatusAccepted, "already sent"); err != nil {
			return err
		}
		return errors.New("failure after the response went out")
	})

	req := httptest.NewRequest(http.MethodGet, "/late", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "already sent", rec.Body.String())
}

func TestToEnvelope_ValidationDetailsCarryField(t *testing.T) {
	_, body := toEnvelope(&services.ValidationError{Field: "reason", Message: "reason is required"})
	assert.Equal(t, "reason", body.Details["field"])
}

func TestToEnvelope_LeakNeverEchoesRowData(t *testing.T) {
	_, body := toEnvelope(&matter.LeakError{Requested: "matter-a", Found: "matter-b"})
	assert.NotContains(t, body.Message, "matter-b")
}
