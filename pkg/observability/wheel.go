package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Wheel semantic convention attributes.
var (
	AttrSpokeID   = attribute.Key("wheel.spoke.id")
	AttrPrincipal = attribute.Key("wheel.spoke.principal")
	AttrAction    = attribute.Key("wheel.spoke.action")
	AttrResource  = attribute.Key("wheel.spoke.resource")
	AttrPhase     = attribute.Key("wheel.phase")
	AttrCode      = attribute.Key("wheel.code")
	AttrDecision  = attribute.Key("wheel.pdp.decision")
	AttrPolicy    = attribute.Key("wheel.pdp.policy_version")
)

// SpokeOperation creates the attributes identifying one spoke.
func SpokeOperation(spokeID, principal, action, resource string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSpokeID.String(spokeID),
		AttrPrincipal.String(principal),
		AttrAction.String(action),
		AttrResource.String(resource),
	}
}

// Outcome creates the attributes describing how a spoke ended. An empty
// code is omitted.
func Outcome(phase, code string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrPhase.String(phase)}
	if code != "" {
		attrs = append(attrs, AttrCode.String(code))
	}
	return attrs
}

// SpinMetrics holds the RED instruments recorded per spoke.
type SpinMetrics struct {
	spokes   metric.Int64Counter
	active   metric.Int64UpDownCounter
	duration metric.Float64Histogram
}

// NewSpinMetrics registers the wheel instruments on meter.
func NewSpinMetrics(meter metric.Meter) (*SpinMetrics, error) {
	var (
		m   SpinMetrics
		err error
	)
	m.spokes, err = meter.Int64Counter("wheel.spokes",
		metric.WithDescription("Spokes finished, by final phase and code"),
		metric.WithUnit("{spoke}"),
	)
	if err != nil {
		return nil, err
	}
	m.active, err = meter.Int64UpDownCounter("wheel.spokes.active",
		metric.WithDescription("Spokes currently in flight"),
		metric.WithUnit("{spoke}"),
	)
	if err != nil {
		return nil, err
	}
	m.duration, err = meter.Float64Histogram("wheel.execute.duration_ms",
		metric.WithDescription("Executor wall-clock duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000),
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Started marks a spoke in flight.
func (m *SpinMetrics) Started(ctx context.Context) {
	if m == nil {
		return
	}
	m.active.Add(ctx, 1)
}

// Finished records a spoke's outcome. A nil duration means the executor
// never ran.
func (m *SpinMetrics) Finished(ctx context.Context, phase, code string, duration *time.Duration) {
	if m == nil {
		return
	}
	m.active.Add(ctx, -1)
	attrs := metric.WithAttributes(Outcome(phase, code)...)
	m.spokes.Add(ctx, 1, attrs)
	if duration != nil {
		m.duration.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	}
}
