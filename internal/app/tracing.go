package app

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"jobrunner/internal/config"
)

const defaultServiceName = "jobrunner"

// setupTracing installs a global TracerProvider exporting over OTLP/HTTP.
// It returns nil when tracing is disabled.
func setupTracing(ctx context.Context, tc config.TracingConfig) (*sdktrace.TracerProvider, error) {
	if !tc.Enabled {
		return nil, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(strings.TrimSpace(tc.Endpoint))}
	if p := strings.TrimSpace(tc.URLPath); p != "" {
		opts = append(opts, otlptracehttp.WithURLPath(p))
	}
	if tc.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(tc.ServiceName)
	if name == "" {
		name = defaultServiceName
	}
	ratio := tc.SampleRatio
	if ratio <= 0 {
		ratio = 1
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", name))),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}
