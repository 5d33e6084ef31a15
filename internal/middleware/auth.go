// Package middleware provides Gin HTTP middleware for authentication, rate
// limiting, security headers, request IDs, and metrics.
//
// Middleware ordering matters and is enforced in router.go:
//
//	Recovery → RequestID → Metrics → Security → RateLimit → AdminAuth → Handler
//
// Security headers run early so they appear on all responses including
// errors. Rate limiting runs before auth to blunt brute-force attempts on the
// shared secret before any verification work. AdminAuth populates the actor
// identity for handlers and the audit trail.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/license-registry/license-registry/internal/auth"
)

const (
	// ActorKey is the gin.Context key under which the authenticated actor is
	// stored: "api-secret" for shared-secret callers, or the owner's Discord
	// ID for session-token callers.
	ActorKey = "actor"

	// AuthMethodKey records how the caller authenticated: "secret" or "session".
	AuthMethodKey = "auth_method"
)

// AdminAuth returns middleware guarding privileged endpoints. Two credentials
// are accepted in the Authorization header (with or without a Bearer prefix):
// the administrative shared secret, or an owner session JWT minted by the
// Discord login flow. Anything else is rejected with 403 and performs no
// mutation — the handler never runs.
func AdminAuth(isAuthorized auth.SecretChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		credential, err := auth.ExtractBearer(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "unauthorized"})
			return
		}

		if isAuthorized(credential) {
			c.Set(ActorKey, "api-secret")
			c.Set(AuthMethodKey, "secret")
			c.Next()
			return
		}

		// Shared-secret check is attempted first because it is a single
		// constant-time comparison; the JWT path parses and verifies a
		// signature.
		if claims, err := auth.ValidateOwnerToken(credential); err == nil {
			c.Set(ActorKey, claims.DiscordID)
			c.Set(AuthMethodKey, "session")
			c.Next()
			return
		}

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "unauthorized"})
	}
}

// Actor returns the authenticated actor recorded by AdminAuth, or "unknown"
// when called outside a privileged route.
func Actor(c *gin.Context) string {
	if v, ok := c.Get(ActorKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return "unknown"
}
