package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	ContextUserID    = "user_id"
	ContextSessionID = "session_id"

	SessionCookie = "session"
)

// SessionValidator resolves an opaque session token to the user it belongs to.
type SessionValidator interface {
	Validate(ctx context.Context, token string) (userID, sessionID string, err error)
}

// AuthMiddleware rejects requests without a valid, non-revoked session and stores the
// user id under ContextUserID.
func AuthMiddleware(validator SessionValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Unauthorized"})
			return
		}

		userID, sessionID, err := validator.Validate(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Unauthorized"})
			return
		}

		c.Set(ContextUserID, userID)
		c.Set(ContextSessionID, sessionID)
		c.Next()
	}
}

// BearerToken reads the token from the Authorization header, then the session cookie.
func BearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if cookie, err := c.Cookie(SessionCookie); err == nil {
		return cookie
	}
	return ""
}
