package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MeterName is the instrumentation scope used for canvas instruments.
const MeterName = "github.com/tripboard/tripboard/canvas"

// Canvas records canvas sync measurements. A nil *Canvas is valid and
// records nothing.
type Canvas struct {
	connections     metric.Int64UpDownCounter
	documents       metric.Int64UpDownCounter
	applied         metric.Int64Counter
	rejected        metric.Int64Counter
	persistFailures metric.Int64Counter
}

// NewCanvas creates canvas instruments from meter. A nil meter uses the
// global meter provider. Instrument creation errors fall back to no-op
// instruments.
func NewCanvas(meter metric.Meter) *Canvas {
	if meter == nil {
		meter = otel.Meter(MeterName)
	}
	fallback := noop.NewMeterProvider().Meter(MeterName)

	c := &Canvas{}
	var err error
	if c.connections, err = meter.Int64UpDownCounter("canvas.connections",
		metric.WithDescription("Websocket connections attached to a canvas")); err != nil {
		c.connections, _ = fallback.Int64UpDownCounter("canvas.connections")
	}
	if c.documents, err = meter.Int64UpDownCounter("canvas.documents",
		metric.WithDescription("Canvas documents held in memory")); err != nil {
		c.documents, _ = fallback.Int64UpDownCounter("canvas.documents")
	}
	if c.applied, err = meter.Int64Counter("canvas.updates.applied",
		metric.WithDescription("Update fragments merged into live documents")); err != nil {
		c.applied, _ = fallback.Int64Counter("canvas.updates.applied")
	}
	if c.rejected, err = meter.Int64Counter("canvas.updates.rejected",
		metric.WithDescription("Update fragments dropped before merge")); err != nil {
		c.rejected, _ = fallback.Int64Counter("canvas.updates.rejected")
	}
	if c.persistFailures, err = meter.Int64Counter("canvas.persist.failures",
		metric.WithDescription("Update log appends abandoned after retries")); err != nil {
		c.persistFailures, _ = fallback.Int64Counter("canvas.persist.failures")
	}
	return c
}

// ConnectionAttached increments the attached connection gauge.
func (c *Canvas) ConnectionAttached(ctx context.Context) {
	if c == nil {
		return
	}
	c.connections.Add(ctx, 1)
}

// ConnectionDetached decrements the attached connection gauge.
func (c *Canvas) ConnectionDetached(ctx context.Context) {
	if c == nil {
		return
	}
	c.connections.Add(ctx, -1)
}

// DocumentLoaded increments the live document gauge.
func (c *Canvas) DocumentLoaded(ctx context.Context) {
	if c == nil {
		return
	}
	c.documents.Add(ctx, 1)
}

// DocumentEvicted decrements the live document gauge.
func (c *Canvas) DocumentEvicted(ctx context.Context) {
	if c == nil {
		return
	}
	c.documents.Add(ctx, -1)
}

// UpdateApplied counts one merged update fragment.
func (c *Canvas) UpdateApplied(ctx context.Context) {
	if c == nil {
		return
	}
	c.applied.Add(ctx, 1)
}

// UpdateRejected counts one dropped update fragment with its reason.
func (c *Canvas) UpdateRejected(ctx context.Context, reason string) {
	if c == nil {
		return
	}
	c.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// PersistFailed counts one append that exhausted its retries.
func (c *Canvas) PersistFailed(ctx context.Context) {
	if c == nil {
		return
	}
	c.persistFailures.Add(ctx, 1)
}
