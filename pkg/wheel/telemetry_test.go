package wheel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otelcodes "go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/murray-ux/wheel/pkg/audit"
	"github.com/murray-ux/wheel/pkg/observability"
	"github.com/murray-ux/wheel/pkg/pdp"
)

func TestSpinEmitsSpanAndMetrics(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	w := newTestWheel(allow(), audit.NewMemorySink(),
		WithTracer(tp.Tracer("test")),
		WithMeter(mp.Meter("test")),
	)
	sealed := w.Spin(context.Background(), baseSpec(returns(1)))
	require.Equal(t, Sealed, sealed.Phase)

	denied := newTestWheel(pdp.DenyAll("v", "closed"), audit.NewMemorySink(),
		WithTracer(tp.Tracer("test")),
		WithMeter(mp.Meter("test")),
	).Spin(context.Background(), baseSpec(returns(1)))
	require.Equal(t, Dead, denied.Phase)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "wheel.spin", spans[0].Name())
	assert.Equal(t, otelcodes.Ok, spans[0].Status().Code)
	assert.Len(t, spans[0].Events(), 4)
	assert.Equal(t, otelcodes.Error, spans[1].Status().Code)

	var found bool
	for _, kv := range spans[0].Attributes() {
		if kv.Key == observability.AttrSpokeID {
			found = true
			assert.Equal(t, sealed.ID, kv.Value.AsString())
		}
	}
	assert.True(t, found)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var spokes int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "wheel.spokes" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				spokes += dp.Value
			}
		}
	}
	assert.Equal(t, int64(2), spokes)
}
