package exporters

import (
	"context"
	"fmt"

	"safekey-licensing/pkg/config"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
)

// NewClient builds the OTLP trace client for OTEL.PROTOCOL ("grpc" or
// "http"). Both transports gzip and drop TLS when the process runs without it.
func NewClient(cfg *config.Config) (otlptrace.Client, error) {
	switch cfg.Otel.Protocol {
	case "", "grpc":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithCompressor("gzip"),
			otlptracegrpc.WithEndpoint(cfg.Otel.Addr),
		}
		if !cfg.TLS.Enable {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.NewClient(opts...), nil
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
			otlptracehttp.WithEndpoint(cfg.Otel.Addr),
		}
		if !cfg.TLS.Enable {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.NewClient(opts...), nil
	default:
		return nil, fmt.Errorf("unsupported OTEL.PROTOCOL %q", cfg.Otel.Protocol)
	}
}

// New connects the exporter. ctx bounds the initial connection only.
func New(ctx context.Context, cfg *config.Config) (*otlptrace.Exporter, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return otlptrace.New(ctx, client)
}
