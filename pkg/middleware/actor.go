package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
)

const (
	HeaderUserID    = "X-User-ID"
	HeaderActorRole = "X-Actor-Role"
)

type actorKey struct{}

// Actor describes who triggered a request.
type Actor struct {
	IP        string
	UserAgent string
	UserID    string
	Role      string
}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFromContext returns the actor stored by ActorContext, zero when absent.
func ActorFromContext(ctx context.Context) Actor {
	a, _ := ctx.Value(actorKey{}).(Actor)
	return a
}

// ActorContext copies caller identity from the request into the request context.
func ActorContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetHeader(HeaderActorRole)
		if role == "" {
			role = "anonymous"
		}

		ctx := WithActor(c.Request.Context(), Actor{
			IP:        c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
			UserID:    c.GetHeader(HeaderUserID),
			Role:      role,
		})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
