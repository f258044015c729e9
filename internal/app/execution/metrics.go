package execution

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/brokerlink/errs"
	"github.com/coachpo/brokerlink/internal/domain/broker"
	"github.com/coachpo/brokerlink/internal/domain/trade"
	"github.com/coachpo/brokerlink/internal/infra/telemetry"
)

type handlerMetrics struct {
	environment string
	submissions metric.Int64Counter
	fills       metric.Int64Counter
	filledQty   metric.Float64Counter
}

func newHandlerMetrics(provider metric.MeterProvider) *handlerMetrics {
	meter := provider.Meter("brokerlink/execution")
	m := &handlerMetrics{environment: telemetry.Environment()}

	m.submissions, _ = meter.Int64Counter("orders.submitted",
		metric.WithDescription("Order submissions by outcome"),
		metric.WithUnit("{order}"))
	m.fills, _ = meter.Int64Counter("orders.fills",
		metric.WithDescription("Fills applied to the local order log"),
		metric.WithUnit("{fill}"))
	m.filledQty, _ = meter.Float64Counter("orders.filled_quantity",
		metric.WithDescription("Quantity executed across applied fills"),
		metric.WithUnit("{share}"))
	return m
}

// recordSubmit counts a submission; an empty code means success.
func (m *handlerMetrics) recordSubmit(ctx context.Context, ticket broker.OrderTicket, code errs.Code) {
	if m == nil || m.submissions == nil {
		return
	}
	result := telemetry.ResultSuccess
	if code != "" {
		result = string(code)
	}
	attrs := telemetry.OrderAttributes(m.environment, "", string(ticket.Side), string(ticket.Kind))
	attrs = append(attrs, telemetry.AttrResult.String(result))
	m.submissions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *handlerMetrics) recordFill(ctx context.Context, fill trade.Fill) {
	if m == nil || m.fills == nil {
		return
	}
	attrs := metric.WithAttributes(telemetry.OrderAttributes(m.environment, fill.Symbol, string(fill.Side), "")...)
	m.fills.Add(ctx, 1, attrs)
	if m.filledQty != nil {
		m.filledQty.Add(ctx, fill.Quantity.InexactFloat64(), attrs)
	}
}
