package ratelimit

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"
)

// deniedResponse is the 429 body contract: an error envelope whose details
// carry the window state a client needs to back off correctly.
type deniedResponse struct {
	Error deniedBody `json:"error"`
}

type deniedBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

// Middleware returns echo middleware that charges each request against the
// given tier's budget. The limit key is the matter path parameter when the
// route carries one, otherwise the client IP, so unauthenticated endpoints
// still get per-client isolation.
func Middleware(l *Limiter, tier string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			key := c.Param("matterID")
			if key == "" {
				key = c.RealIP()
			}

			d := l.Allow(c.Request().Context(), tier, key)

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))

			if !d.Allowed {
				retryAfter := int(d.RetryAfter.Seconds())
				h.Set("Retry-After", strconv.Itoa(retryAfter))
				return c.JSON(http.StatusTooManyRequests, &deniedResponse{
					Error: deniedBody{
						Code:    "RATE_LIMIT_EXCEEDED",
						Message: "rate limit exceeded for tier " + d.Tier,
						Details: map[string]any{
							"limit":       d.Limit,
							"remaining":   d.Remaining,
							"reset_at":    d.Reset,
							"retry_after": retryAfter,
						},
					},
				})
			}
			return next(c)
		}
	}
}
