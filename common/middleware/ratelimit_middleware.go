package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/canvasgraph/common/ratelimit"
)

// UserIDKey is the echo context key holding the caller's user id
const UserIDKey = "user_id"

// RunRateLimitMiddleware limits node runs per user. Requires the user id to
// be set in context by the auth middleware. Redis errors fail open.
func RunRateLimitMiddleware(rateLimiter *ratelimit.RateLimiter, limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID, ok := c.Get(UserIDKey).(string)
			if !ok || userID == "" {
				return next(c)
			}

			result, err := rateLimiter.CheckUserLimit(c.Request().Context(), userID, limit, 60)
			if err != nil {
				return next(c)
			}

			if !result.Allowed {
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":   "run_rate_limit_exceeded",
					"message": "You have exceeded your run quota. Please wait before trying again.",
					"details": map[string]interface{}{
						"user_id":             userID,
						"limit":               result.Limit,
						"window":              "60 seconds",
						"current_count":       result.CurrentCount,
						"retry_after_seconds": result.RetryAfterSeconds,
					},
				})
			}

			return next(c)
		}
	}
}
