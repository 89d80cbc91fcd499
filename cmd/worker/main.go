package main

import (
	"log"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"safekey-licensing/pkg/config"
	"safekey-licensing/pkg/db"
	"safekey-licensing/pkg/featureflags"
	"safekey-licensing/pkg/gen"
	"safekey-licensing/pkg/hashistack/secretmanager"
	"safekey-licensing/pkg/logger"
	"safekey-licensing/pkg/otelcol"
	"safekey-licensing/pkg/profiling"
	"safekey-licensing/pkg/redis"
	"safekey-licensing/pkg/sequence"
	taskqueue "safekey-licensing/pkg/task"
	"safekey-licensing/services/audit"
	"safekey-licensing/services/catalog"
	"safekey-licensing/services/license"
	"safekey-licensing/services/notification"
	"safekey-licensing/services/payment"
	"safekey-licensing/services/task"
	"safekey-licensing/services/tenant"
)

// The worker runs the maintenance scheduler and consumes the maintenance and
// notification queues. It serves no HTTP traffic.
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
		featureflags.Module,
		taskqueue.Client,
		taskqueue.Server,
		fx.Invoke(migrate, startTracing),

		audit.Module,
		tenant.Module,
		catalog.Module,
		payment.Module,
		license.Module,
		notification.Module,
		task.Module,
		task.Worker,
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
	return fxevent.NopLogger
})

// startTracing forces the tracer provider so handler spans are exported.
func startTracing(trace.TracerProvider) {}

func migrate(conn *gorm.DB, cfg *config.Config) error {
	return db.Migrate(conn, cfg,
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
	)
}
