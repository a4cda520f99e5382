package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/edgeswarm/edgegate/internal/config"
	"github.com/gin-gonic/gin"
)

const (
	HeaderGatewayKey = "X-Gateway-Key"
	HeaderAdminKey   = "X-Admin-Key"
)

// AuthMiddleware guards the v1 surface with a shared API key. When
// auth.require_api_key is false (development) unauthenticated requests
// pass through.
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg == nil || !cfg.Auth.RequireAPIKey {
			c.Next()
			return
		}

		apiKey := c.GetHeader(HeaderGatewayKey)
		if apiKey == "" || subtle.ConstantTimeCompare([]byte(apiKey), []byte(cfg.Auth.APIKey)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid API key"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// AdminMiddleware guards control operations (pause/resume) with a
// separate operator key.
func AdminMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		adminKey := cfg.Auth.AdminKey
		if adminKey == "" {
			c.JSON(http.StatusForbidden, gin.H{"error": "admin operations disabled: no admin key configured"})
			c.Abort()
			return
		}
		provided := c.GetHeader(HeaderAdminKey)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(adminKey)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid admin key"})
			c.Abort()
			return
		}
		c.Next()
	}
}
