package catalog

import (
	"safekey-licensing/services/tenant"

	"go.uber.org/fx"
)

var Module = fx.Module("catalog.service",
	fx.Provide(
		NewService,
		fx.Annotate(
			NewUsageCounter,
			fx.As(new(tenant.UsageCounter)),
			fx.ResultTags(`group:"tenant.usage"`),
		),
	),
)

var HTTP = fx.Module("catalog.http",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)
