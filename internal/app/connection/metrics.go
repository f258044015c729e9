package connection

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/brokerlink/internal/domain/broker"
	"github.com/coachpo/brokerlink/internal/infra/telemetry"
)

type managerMetrics struct {
	environment     string
	attempts        metric.Int64Counter
	transitions     metric.Int64Counter
	drops           metric.Int64Counter
	connectDuration metric.Float64Histogram
}

func newManagerMetrics(provider metric.MeterProvider) *managerMetrics {
	meter := provider.Meter("brokerlink/connection")
	m := &managerMetrics{environment: telemetry.Environment()}

	m.attempts, _ = meter.Int64Counter("broker.connect.attempts",
		metric.WithDescription("Broker connect attempts by result"),
		metric.WithUnit("{attempt}"))
	m.transitions, _ = meter.Int64Counter("broker.connection.transitions",
		metric.WithDescription("Connection state transitions by target state"),
		metric.WithUnit("{transition}"))
	m.drops, _ = meter.Int64Counter("broker.connection.drops",
		metric.WithDescription("Unsolicited session disconnects"),
		metric.WithUnit("{drop}"))
	m.connectDuration, _ = meter.Float64Histogram("broker.connect.duration",
		metric.WithDescription("Wall time of a Connect call including backoff"),
		metric.WithUnit("ms"))
	return m
}

func (m *managerMetrics) recordAttempt(ctx context.Context, result string) {
	if m == nil || m.attempts == nil {
		return
	}
	m.attempts.Add(ctx, 1, metric.WithAttributes(
		telemetry.OperationResultAttributes(m.environment, "connect", result)...))
}

func (m *managerMetrics) recordTransition(ctx context.Context, state broker.ConnectionState) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		telemetry.ConnectionAttributes(m.environment, state.String())...))
}

func (m *managerMetrics) recordDrop(ctx context.Context) {
	if m == nil || m.drops == nil {
		return
	}
	m.drops.Add(ctx, 1, metric.WithAttributes(telemetry.AttrEnvironment.String(m.environment)))
}

func (m *managerMetrics) recordConnectDuration(ctx context.Context, start time.Time, result string) {
	if m == nil || m.connectDuration == nil {
		return
	}
	m.connectDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(
		telemetry.OperationResultAttributes(m.environment, "connect", result)...))
}
