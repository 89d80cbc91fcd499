package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"safekey-licensing/pkg/accesscontrol"
	"safekey-licensing/pkg/config"
	"safekey-licensing/pkg/db"
	"safekey-licensing/pkg/featureflags"
	"safekey-licensing/pkg/gen"
	"safekey-licensing/pkg/hashistack/secretmanager"
	"safekey-licensing/pkg/hashistack/servicediscover"
	"safekey-licensing/pkg/health"
	"safekey-licensing/pkg/httpapi"
	"safekey-licensing/pkg/logger"
	"safekey-licensing/pkg/otelcol"
	"safekey-licensing/pkg/profiling"
	"safekey-licensing/pkg/redis"
	"safekey-licensing/pkg/sequence"
	"safekey-licensing/pkg/server"
	taskqueue "safekey-licensing/pkg/task"
	"safekey-licensing/services/audit"
	"safekey-licensing/services/catalog"
	"safekey-licensing/services/license"
	"safekey-licensing/services/payment"
	"safekey-licensing/services/task"
	"safekey-licensing/services/tenant"
)

func main() {
	configModule := config.Module
	if config.RemoteEnabled() && secretmanager.Enabled() {
		configModule = config.RemoteModule
	}

	opts := []fx.Option{
		configModule,
		logger.Module,
		db.Module,
		redis.Module,
		gen.Module,
		sequence.Module,
		otelcol.Module,
		profiling.Module,
		health.Module,
		featureflags.Module,
		accesscontrol.Module,
		taskqueue.Client,
		fx.Invoke(migrate),

		audit.Module,
		tenant.Module,
		catalog.Module,
		payment.Module,
		license.Module,
		task.Module,

		httpapi.Module,
		audit.HTTP,
		tenant.HTTP,
		catalog.HTTP,
		payment.HTTP,
		license.HTTP,
		task.HTTP,

		server.ProvideGRPCServer,
		server.ProvideHTTPServer,
		servicediscover.Module,
		fxLogger,
	}

	if secretmanager.Enabled() {
		opts = append(opts, secretmanager.Module)
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "production" {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: logger}
})

func migrate(conn *gorm.DB, cfg *config.Config) error {
	return db.Migrate(conn, cfg, models...)
}

var models = []any{
	&tenant.Tenant{},
	&catalog.Software{},
	&catalog.LicenseType{},
	&payment.Payment{},
	&license.Request{},
	&license.License{},
	&license.Heartbeat{},
	&audit.Log{},
	&task.Task{},
	&task.Job{},
}
