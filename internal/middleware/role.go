package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/navcam/dashcam/pkg/response"
)

// Token scopes. A read token may only observe; a control token may change
// recorder and backup state.
const (
	ScopeRead    = "read"
	ScopeControl = "control"
)

// RequireScope returns a middleware that allows only the given scopes. An
// empty scope claim is treated as control for tokens minted without one.
func RequireScope(scopes ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{})
	for _, s := range scopes {
		allowed[s] = struct{}{}
	}
	return func(c *gin.Context) {
		v, ok := c.Get(ContextScope)
		if !ok {
			response.Unauthorized(c, "missing token context")
			c.Abort()
			return
		}
		scope, _ := v.(string)
		if scope == "" {
			scope = ScopeControl
		}
		if _, ok := allowed[scope]; !ok {
			response.Forbidden(c, "insufficient scope")
			c.Abort()
			return
		}
		c.Next()
	}
}
