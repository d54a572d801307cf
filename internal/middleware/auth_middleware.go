package middleware

import (
	"net/http"
	"strings"

	"media-usage-tracker/internal/services"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware requires a valid Bearer token and stores the principal in
// the request context.
func AuthMiddleware(authService *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		var tokenString string
		if strings.HasPrefix(authHeader, "Bearer ") {
			tokenString = strings.TrimPrefix(authHeader, "Bearer ")
		}

		if tokenString == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			c.Abort()
			return
		}

		claims, err := authService.ValidateToken(tokenString)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			c.Abort()
			return
		}

		c.Set("principal_id", claims.PrincipalID)
		c.Set("is_admin", claims.Admin)

		c.Next()
	}
}

// AdminMiddleware gates the admin surface. Must run after AuthMiddleware.
func AdminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !c.GetBool("is_admin") {
			c.JSON(http.StatusForbidden, gin.H{"error": "Administrator access required"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// EventKeyMiddleware guards the identity provider's webhook endpoints with
// the shared service key.
func EventKeyMiddleware(authService *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-Service-Key")
		if !authService.CheckEventKey(key) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid service key"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// ValidationMiddleware rejects mutating requests without a JSON body type.
func ValidationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodPost || c.Request.Method == http.MethodPut {
			if c.Request.ContentLength == 0 {
				c.Next()
				return
			}
			contentType := c.GetHeader("Content-Type")
			if !strings.Contains(contentType, "application/json") {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Content-Type must be application/json"})
				c.Abort()
				return
			}
		}
		c.Next()
	}
}
