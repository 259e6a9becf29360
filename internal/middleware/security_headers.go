package middleware

import (
	"github.com/gin-gonic/gin"
)

// SecurityHeaders applies the standard hardening headers to every
// response. The broker fronts for untrusted code submissions, so the
// API surface itself should never be the soft spot.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}
