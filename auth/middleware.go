package auth

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"chatserver/errs"
)

// Middleware validates the bearer token and stashes the claims on the
// request context for the route handlers.
func Middleware(a *Authority) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.GetHeader("Authorization")
		if tokenString == "" {
			c.JSON(401, gin.H{"error": gin.H{"code": errs.CodeTokenRevoked, "message": "Authorization header required"}})
			c.Abort()
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		claims, err := a.ValidateAccessToken(c.Request.Context(), tokenString)
		if err != nil {
			code, message := errs.CodeTokenRevoked, "invalid or expired token"
			var e *errs.Error
			if errors.As(err, &e) {
				code, message = e.Code, e.Message
			}
			c.JSON(errs.HTTPStatus(err), gin.H{"error": gin.H{"code": code, "message": message}})
			c.Abort()
			return
		}

		c.Set("sessionID", claims.SessionID)
		c.Set("userID", claims.UserID)
		c.Next()
	}
}
