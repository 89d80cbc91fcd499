package httpapi

import (
	"safekey-licensing/pkg/accesscontrol"
	"safekey-licensing/pkg/config"
	"safekey-licensing/pkg/health"
	"safekey-licensing/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(NewEngine, NewRouter),
	fx.Invoke(registerHealthEndpoint),
)

// Router exposes the route groups services mount on. Operator routes pass
// the access policy first.
type Router struct {
	Public   *gin.RouterGroup
	Operator *gin.RouterGroup
}

func NewEngine(cfg *config.Config) *gin.Engine {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(
		gin.Recovery(),
		middleware.RequestID(),
		middleware.ActorContext(),
		middleware.Error(),
	)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func NewRouter(r *gin.Engine, authz accesscontrol.Authorizer) *Router {
	v1 := r.Group("/v1")
	return &Router{
		Public:   v1,
		Operator: v1.Group("", middleware.Authorize(authz)),
	}
}

func registerHealthEndpoint(r *gin.Engine, h health.HealthService) {
	r.GET("/health/liveness", h.Liveness)
	r.GET("/health/readiness", h.Readiness)
}
