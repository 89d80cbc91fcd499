package tenant

import (
	"go.uber.org/fx"
)

var Module = fx.Module("tenant.service",
	fx.Provide(
		NewService,
	),
)

var HTTP = fx.Module("tenant.http",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)
