package auth

import (
	"net/http"
	"strings"

	"cognitive-memory-engine/internal/config"

	"github.com/gin-gonic/gin"
)

const RoleAdmin = "admin"

// AuthMiddleware validates the bearer JWT and, when requireAdmin is set,
// requires the admin role claim. The engine's admin surface has no user
// accounts to back a session store against, so this is a stateless claim
// check rather than the teacher's Redis-backed session lookup.
func AuthMiddleware(cfg *config.Config, requireAdmin bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": "Missing or invalid Authorization header"}})
			return
		}
		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
		claims, err := ParseJWT(cfg.Server.JWTSecret, tokenStr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": "Invalid or expired token"}})
			return
		}

		c.Set("subject", claims.Subject)
		c.Set("role", claims.Role)

		if requireAdmin && claims.Role != RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": gin.H{"message": "Admin only"}})
			return
		}
		c.Next()
	}
}
