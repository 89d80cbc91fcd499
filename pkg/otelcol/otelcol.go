package otelcol

import (
	"context"
	"time"

	"safekey-licensing/pkg/config"
	"safekey-licensing/pkg/otelcol/exporters"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("otelcol",
	fx.Provide(
		ProvideExporter,
		ProvideTrace,
		ProvideMeter,
	),
)

// ProvideExporter selects the OTLP exporter from OTEL.PROTOCOL. Without an
// OTEL.ADDR no exporter is built and spans stay in process.
func ProvideExporter(cfg *config.Config) (sdktrace.SpanExporter, error) {
	if cfg.Otel.Addr == "" {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exp, err := exporters.New(ctx, cfg)
	if err != nil {
		zap.L().Error("failed to build span exporter", zap.String("protocol", cfg.Otel.Protocol), zap.Error(err))
		return nil, err
	}
	return exp, nil
}

func resource(cfg *config.Config) *sdkresource.Resource {
	res, err := sdkresource.Merge(
		sdkresource.Default(),
		sdkresource.NewSchemaless(
			attribute.String("service.name", cfg.AppName),
			attribute.String("service.version", cfg.AppVersion),
			attribute.String("deployment.environment", cfg.AppEnv),
		),
	)
	if err != nil {
		return sdkresource.Default()
	}
	return res
}

// ProvideTrace builds the tracer provider and installs it as the otel global
// so package level tracers pick it up.
func ProvideTrace(lc fx.Lifecycle, cfg *config.Config, exporter sdktrace.SpanExporter) trace.TracerProvider {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource(cfg)),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			zap.L().Info("flushing tracer provider")
			return tp.Shutdown(ctx)
		},
	})

	return tp
}

// ProvideMeter hands out the global meter provider. Application metrics are
// exported through prometheus, so this only feeds instrumentation libraries.
func ProvideMeter() metric.MeterProvider {
	return otel.GetMeterProvider()
}
