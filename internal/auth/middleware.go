package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tradesafe/tradesafe/internal/logging"
)

// Gin context keys set by Middleware.
const (
	ContextKeyAPIKey = "apiKey"
	ContextKeyUserID = "authUserID"
)

// Middleware resolves the caller's API key from the Authorization or
// X-API-Key header. A valid key is stored in the gin context and the
// user ID is attached to the request context for log correlation.
// Invalid or missing keys pass through unauthenticated; route guards
// decide whether that matters.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if raw == "" {
			raw = c.GetHeader("X-API-Key")
		}
		if raw != "" {
			if key, err := m.ValidateKey(c.Request.Context(), raw); err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyUserID, key.UserID)
				c.Request = c.Request.WithContext(
					logging.WithUserID(c.Request.Context(), key.UserID))
			}
		}
		c.Next()
	}
}

// RequireAuth aborts unauthenticated requests with 401.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin aborts with 401 when unauthenticated and 403 when the
// key lacks the admin role.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := GetAPIKey(c)
		switch {
		case !ok:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required.",
			})
		case !key.IsAdmin():
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin role required.",
			})
		default:
			c.Next()
		}
	}
}

// GetAPIKey returns the validated key for this request, if any.
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	v, ok := c.Get(ContextKeyAPIKey)
	if !ok {
		return nil, false
	}
	return v.(*APIKey), true
}

// AuthenticatedUser returns the caller's user ID, or "" when the
// request carries no valid key.
func AuthenticatedUser(c *gin.Context) string {
	v, ok := c.Get(ContextKeyUserID)
	if !ok {
		return ""
	}
	return v.(string)
}

// IsAuthenticated reports whether a valid key accompanied the request.
func IsAuthenticated(c *gin.Context) bool {
	_, ok := c.Get(ContextKeyAPIKey)
	return ok
}
