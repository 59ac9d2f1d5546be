package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dsr1111/toko-auction/shared/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Setup installs global tracer and meter providers exporting over OTLP/HTTP
// when OTEL_EXPORTER_OTLP_ENDPOINT is set. Without an endpoint the global
// no-op providers stay in place and the returned shutdown does nothing.
func Setup(ctx context.Context, service string) (func(context.Context) error, error) {
	endpoint := config.GetEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	insecure := config.GetEnvBool("OTEL_EXPORTER_OTLP_INSECURE", false)
	interval, err := config.ParseEnvDuration("OTEL_METRIC_EXPORT_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, err
	}

	res := resource.NewSchemaless(attribute.String("service.name", service))

	traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
	metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpointURL(endpoint)}
	if insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}

	traceExporter, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}
	metricExporter, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		traceExporter.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	mp := NewMeterProvider(res, sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(interval)))

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

// NewMeterProvider builds the SDK meter provider around reader
func NewMeterProvider(res *resource.Resource, reader sdkmetric.Reader) *sdkmetric.MeterProvider {
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
}
