package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	commonmw "github.com/lyzr/canvasgraph/common/middleware"
)

const (
	// LockTokenKey is the context key for the caller's canvas lease token
	LockTokenKey = "lock_token"

	// ProviderKeyKey is the context key for the provider credential
	ProviderKeyKey = "provider_key"
)

// ExtractIdentity stores X-User-ID, X-Lock-Token and X-Provider-Key in the
// request context. Authentication itself happens upstream.
//
// Accessing in handlers:
//
//	userID := middleware.GetUserID(c)
func ExtractIdentity() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Request().Header
			if userID := h.Get("X-User-ID"); userID != "" {
				c.Set(commonmw.UserIDKey, userID)
			}
			if token := h.Get("X-Lock-Token"); token != "" {
				c.Set(LockTokenKey, token)
			}
			if key := h.Get("X-Provider-Key"); key != "" {
				c.Set(ProviderKeyKey, key)
			}
			return next(c)
		}
	}
}

// RequireUserID rejects requests without X-User-ID
func RequireUserID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if GetUserID(c) == "" {
				return c.JSON(http.StatusUnauthorized, map[string]interface{}{
					"error":   "unauthenticated",
					"message": "X-User-ID header is required",
				})
			}
			return next(c)
		}
	}
}

func getString(c echo.Context, key string) string {
	v, _ := c.Get(key).(string)
	return v
}

// GetUserID returns the caller id, or "" when absent
func GetUserID(c echo.Context) string {
	return getString(c, commonmw.UserIDKey)
}

// GetLockToken returns the caller's lease token, or ""
func GetLockToken(c echo.Context) string {
	return getString(c, LockTokenKey)
}

// GetProviderKey returns the provider credential, or ""
func GetProviderKey(c echo.Context) string {
	return getString(c, ProviderKeyKey)
}
