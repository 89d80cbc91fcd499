package middleware

import (
	"safekey-licensing/pkg/accesscontrol"
	"safekey-licensing/pkg/errutil"

	"github.com/gin-gonic/gin"
)

// Authorize checks the actor role against the route pattern and method.
func Authorize(a accesscontrol.Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := ActorFromContext(c.Request.Context()).Role
		if role == "" {
			role = c.GetHeader(HeaderActorRole)
		}

		ok, err := a.Authorize(role, c.Request.URL.Path, c.Request.Method)
		if err != nil {
			_ = c.Error(errutil.Internal("failed to evaluate access policy", err))
			c.Abort()
			return
		}
		if !ok {
			_ = c.Error(errutil.Forbidden("operation not permitted for role", nil))
			c.Abort()
			return
		}
		c.Next()
	}
}
