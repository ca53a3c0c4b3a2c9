// Package middleware holds the gin middleware chain: authentication, request
// logging and CORS.
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aurea-ops/orchestrator/internal/pkg/response"
	"github.com/aurea-ops/orchestrator/internal/service"
)

// ContextKeyAPIKey is the gin context key the authenticated key is stored
// under.
const ContextKeyAPIKey = "api_key"

// APIKeyAuthMiddleware builds a gin handler enforcing the given minimum role.
type APIKeyAuthMiddleware func(requiredRole string) gin.HandlerFunc

// NewAPIKeyAuthMiddleware authenticates the bearer key and checks its role
// against the readonly < service < admin hierarchy.
func NewAPIKeyAuthMiddleware(keys *service.APIKeyService) APIKeyAuthMiddleware {
	return func(requiredRole string) gin.HandlerFunc {
		return func(c *gin.Context) {
			raw := bearerKey(c)
			key, err := keys.Authenticate(c.Request.Context(), raw)
			if err != nil {
				response.AbortError(c, err)
				return
			}
			if err := keys.Authorize(key, requiredRole); err != nil {
				response.AbortError(c, err)
				return
			}
			c.Set(ContextKeyAPIKey, key)
			c.Next()
		}
	}
}

// AuthenticatedKey returns the key the auth middleware stored, or nil.
func AuthenticatedKey(c *gin.Context) *service.APIKey {
	v, ok := c.Get(ContextKeyAPIKey)
	if !ok {
		return nil
	}
	key, _ := v.(*service.APIKey)
	return key
}

func bearerKey(c *gin.Context) string {
	auth := strings.TrimSpace(c.GetHeader("Authorization"))
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return strings.TrimSpace(c.GetHeader("X-API-Key"))
}
