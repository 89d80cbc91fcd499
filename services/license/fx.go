package license

import (
	"safekey-licensing/services/catalog"
	"safekey-licensing/services/tenant"

	"go.uber.org/fx"
)

var Module = fx.Module("license.service",
	fx.Provide(
		NewService,
		NewTaskHooks,
		fx.Annotate(
			NewUsageCounter,
			fx.As(new(tenant.UsageCounter)),
			fx.ResultTags(`group:"tenant.usage"`),
		),
		fx.Annotate(
			NewReferenceChecker,
			fx.As(new(catalog.ReferenceChecker)),
		),
	),
)

var HTTP = fx.Module("license.http",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)
