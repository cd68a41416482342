package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexpipe/lexpipe/pkg/config"
)

func newLimitedRouter(t *testing.T, tier string) (*echo.Echo, *Limiter) {
	t.Helper()
	l, _ := newTestLimiter(t)

	e := echo.New()
	e.GET("/matters/:matterID/export", func(c *echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"ok": "true"})
	}, Middleware(l, tier))
	return e, l
}

func TestMiddleware_SetsRateLimitHeaders(t *testing.T) {
	e, _ := newLimitedRouter(t, config.TierExport)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/matters/matter-1/export", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "20", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "19", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
}

func TestMiddleware_DeniesWithEnvelopeAndRetryAfter(t *testing.T) {
	e, _ := newLimitedRouter(t, config.TierExport)

	for i := 0; i < 20; i++ {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/matters/matter-1/export", nil))
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/matters/matter-1/export", nil))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "45", rec.Header().Get("Retry-After"))

	var body deniedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body.Error.Code)
	assert.Contains(t, body.Error.Message, config.TierExport)
	assert.EqualValues(t, 20, body.Error.Details["limit"])
	assert.EqualValues(t, 45, body.Error.Details["retry_after"])
}

func TestMiddleware_RejectedCallDoesNotConsumeBudget(t *testing.T) {
	e, l := newLimitedRouter(t, config.TierExport)

	for i := 0; i < 22; i++ {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/matters/matter-1/export", nil))
	}

	usages, err := l.Status(t.Context(), "matter-1")
	require.NoError(t, err)
	for _, u := range usages {
		if u.Tier == config.TierExport {
			assert.Equal(t, 20, u.Used)
		}
	}
}

func TestMiddleware_FallsBackToClientIP(t *testing.T) {
	l, _ := newTestLimiter(t)
	e := echo.New()
	e.GET("/health", func(c *echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"ok": "true"})
	}, Middleware(l, config.TierHealth))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "203.0.113.9:4711"
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	usages, err := l.Status(t.Context(), "203.0.113.9")
	require.NoError(t, err)
	for _, u := range usages {
		if u.Tier == config.TierHealth {
			assert.Equal(t, 1, u.Used)
		}
	}
}
