package reconcile

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/brokerlink/internal/infra/telemetry"
)

type reconcileMetrics struct {
	environment   string
	runs          metric.Int64Counter
	discrepancies metric.Int64Counter
	duration      metric.Float64Histogram
}

func newReconcileMetrics(provider metric.MeterProvider) *reconcileMetrics {
	meter := provider.Meter("brokerlink/reconcile")
	m := &reconcileMetrics{environment: telemetry.Environment()}
	m.runs, _ = meter.Int64Counter("reconcile.runs",
		metric.WithDescription("Reconciliation runs by result"),
		metric.WithUnit("{run}"))
	m.discrepancies, _ = meter.Int64Counter("reconcile.discrepancies",
		metric.WithDescription("Discrepancies found by type"),
		metric.WithUnit("{discrepancy}"))
	m.duration, _ = meter.Float64Histogram("reconcile.duration",
		metric.WithDescription("Reconciliation wall time including fetches"),
		metric.WithUnit("ms"))
	return m
}

func (m *reconcileMetrics) recordRun(ctx context.Context, start time.Time, err error) {
	if m == nil || m.runs == nil {
		return
	}
	result := telemetry.ResultSuccess
	if err != nil {
		result = telemetry.ResultError
	}
	attrs := metric.WithAttributes(telemetry.OperationResultAttributes(m.environment, "reconcile", result)...)
	m.runs.Add(ctx, 1, attrs)
	if m.duration != nil {
		m.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
	}
}

func (m *reconcileMetrics) recordDiscrepancies(ctx context.Context, found []Discrepancy) {
	if m == nil || m.discrepancies == nil {
		return
	}
	for _, d := range found {
		m.discrepancies.Add(ctx, 1, metric.WithAttributes(telemetry.DiscrepancyAttributes(m.environment, string(d.Type))...))
	}
}
