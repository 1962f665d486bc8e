// Package telemetry exposes the process's OpenTelemetry metrics: one
// counter per dispatch outcome, reconciler activity, and conflicts.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics bundles the instrument set. A nil *Metrics is a valid no-op
// receiver so wiring stays optional in tests and one-shot CLI commands.
type Metrics struct {
	provider *sdkmetric.MeterProvider

	dispatched  metric.Int64Counter
	reconciles  metric.Int64Counter
	conflicts   metric.Int64Counter
	outboxDepth metric.Int64UpDownCounter
}

// New builds the metric set. When stdoutExport is set, readings are
// periodically dumped to stdout; otherwise the instruments record into
// a provider with no reader, which costs nothing.
func New(stdoutExport bool) (*Metrics, error) {
	var opts []sdkmetric.Option
	if stdoutExport {
		exporter, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(time.Minute))))
	}
	provider := sdkmetric.NewMeterProvider(opts...)
	meter := provider.Meter("autolark")

	m := &Metrics{provider: provider}
	var err error
	if m.dispatched, err = meter.Int64Counter("outbox.dispatched",
		metric.WithDescription("outbox events completed, by outcome")); err != nil {
		return nil, err
	}
	if m.reconciles, err = meter.Int64Counter("reconciler.ticks",
		metric.WithDescription("reconciler polls, by source")); err != nil {
		return nil, err
	}
	if m.conflicts, err = meter.Int64Counter("sync.conflicts",
		metric.WithDescription("conflicts detected during reconciliation")); err != nil {
		return nil, err
	}
	if m.outboxDepth, err = meter.Int64UpDownCounter("outbox.inflight",
		metric.WithDescription("events currently claimed by dispatch workers")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordDispatch counts one completed event by kind and outcome
// (sent, retried, dead).
func (m *Metrics) RecordDispatch(ctx context.Context, kind, outcome string) {
	if m == nil {
		return
	}
	m.dispatched.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind), attribute.String("outcome", outcome)))
}

// RecordReconcile counts one reconciler tick for a source.
func (m *Metrics) RecordReconcile(ctx context.Context, source string, changed int) {
	if m == nil {
		return
	}
	m.reconciles.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source), attribute.Int("changed", changed)))
}

// RecordConflict counts one detected conflict.
func (m *Metrics) RecordConflict(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// AddInflight tracks claimed-but-uncompleted events.
func (m *Metrics) AddInflight(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.outboxDepth.Add(ctx, delta)
}

// Shutdown flushes pending readings.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
