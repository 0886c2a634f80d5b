package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "wheel", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.True(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProviderEnabled(t *testing.T) {
	// Exporters connect lazily, so construction succeeds without a collector.
	cfg := DefaultConfig()
	cfg.Insecure = true
	cfg.OTLPEndpoint = "127.0.0.1:1"

	p, err := New(context.Background(), cfg)
	require.NoError(t, err)
	assert.NotNil(t, p.Tracer())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = p.Shutdown(ctx)
}

func TestSampler(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1).Description())
	assert.Equal(t, sdktrace.NeverSample().Description(), sampler(0).Description())
	assert.Equal(t, sdktrace.TraceIDRatioBased(0.5).Description(), sampler(0.5).Description())
}

func TestOutcomeOmitsEmptyCode(t *testing.T) {
	assert.Equal(t, []attribute.KeyValue{AttrPhase.String("SEALED")}, Outcome("SEALED", ""))
	assert.Len(t, Outcome("DEAD", "W-004"), 2)
	assert.Len(t, SpokeOperation("spk", "alice", "read", "doc:1"), 4)
}

func TestSpinMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewSpinMetrics(mp.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	d := 12 * time.Millisecond
	m.Started(ctx)
	m.Finished(ctx, "SEALED", "", &d)
	m.Started(ctx)
	m.Finished(ctx, "DEAD", "W-002", nil)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	got := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			got[md.Name] = md.Data
		}
	}

	spokes, ok := got["wheel.spokes"].(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range spokes.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(2), total)

	hist, ok := got["wheel.execute.duration_ms"].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)

	var nilMetrics *SpinMetrics
	nilMetrics.Started(ctx)
	nilMetrics.Finished(ctx, "SEALED", "", nil)
}
