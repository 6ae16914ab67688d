package middleware

import (
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/parking-occupancy/internal/ratelimit"
)

// Throttle applies policy p per caller in front of a route group.  It fails
// open like the limiter itself: a nil limiter or an unreachable counter
// store lets every request through.
func Throttle(l *ratelimit.Limiter, p ratelimit.Policy) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			d := l.Check(c.Request().Context(), p, subject(c))

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(p.Limit))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
			if d.Allowed {
				return next(c)
			}

			secs := int(math.Ceil(d.RetryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			h.Set("Retry-After", strconv.Itoa(secs))
			return c.JSON(http.StatusTooManyRequests, echo.Map{
				"error":     "RATE_LIMIT_EXCEEDED",
				"message":   "rate limit exceeded",
				"retryable": true,
			})
		}
	}
}
