package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/brokerlink/internal/infra/telemetry"
)

// ObservePoolMetrics registers observable gauges reporting pgx pool health. A
// nil provider uses the global one.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string, provider metric.MeterProvider) error {
	if pool == nil {
		return nil
	}
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	name := strings.TrimSpace(poolName)
	if name == "" {
		name = "primary"
	}
	attrs := metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("db.pool", name),
	)

	meter := provider.Meter("brokerlink/postgres")
	gauges := []struct {
		name string
		desc string
		read func(*pgxpool.Stat) int32
	}{
		{"db.pool.connections.total", "Total connections (idle + acquired + constructing)", (*pgxpool.Stat).TotalConns},
		{"db.pool.connections.idle", "Idle connections ready for checkout", (*pgxpool.Stat).IdleConns},
		{"db.pool.connections.acquired", "Connections currently acquired by callers", (*pgxpool.Stat).AcquiredConns},
		{"db.pool.connections.constructing", "Connections currently being constructed", (*pgxpool.Stat).ConstructingConns},
	}
	for _, g := range gauges {
		read := g.read
		if _, err := meter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.desc),
			metric.WithUnit("{connection}"),
			metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
				observer.Observe(int64(read(pool.Stat())), attrs)
				return nil
			}),
		); err != nil {
			return err
		}
	}
	return nil
}
