package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
)

func TestSetupWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, err := Setup(context.Background(), "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupRejectsBadInterval(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://localhost:4318")
	t.Setenv("OTEL_METRIC_EXPORT_INTERVAL", "often")
	_, err := Setup(context.Background(), "test")
	assert.ErrorContains(t, err, "OTEL_METRIC_EXPORT_INTERVAL")
}

func TestMeterProviderCollects(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := NewMeterProvider(resource.NewSchemaless(attribute.String("service.name", "test")), reader)
	defer mp.Shutdown(ctx)

	counter, err := mp.Meter("test").Int64Counter("requests")
	require.NoError(t, err)
	counter.Add(ctx, 3)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	require.Len(t, rm.ScopeMetrics[0].Metrics, 1)

	sum, ok := rm.ScopeMetrics[0].Metrics[0].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(3), sum.DataPoints[0].Value)
}
