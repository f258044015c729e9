package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for brokerlink telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name
const (
	// AttrBroker identifies which session adapter produced the signal (paper, clientportal).
	AttrBroker = attribute.Key("broker")
	// AttrSymbol captures the traded instrument symbol in IB format (e.g. BRK B).
	AttrSymbol = attribute.Key("symbol")
	// AttrOrderSide labels order telemetry with BUY/SELL intent.
	AttrOrderSide = attribute.Key("order.side")
	// AttrOrderType distinguishes limit vs market orders.
	AttrOrderType = attribute.Key("order.type")
	// AttrOrderStatus captures the local order lifecycle status.
	AttrOrderStatus = attribute.Key("order.status")
	// AttrOperation differentiates operations (connect, submit, reconcile, ...).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrErrorType categorizes failures by errs code.
	AttrErrorType = attribute.Key("error.type")
	// AttrConnectionState labels connection lifecycle signals.
	AttrConnectionState = attribute.Key("connection.state")
	// AttrDiscrepancyType labels reconciliation findings.
	AttrDiscrepancyType = attribute.Key("discrepancy.type")
)

// Result values
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// OrderAttributes returns attributes for order-related metrics.
func OrderAttributes(environment, symbol, side, orderType string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
	}
	if symbol != "" {
		attrs = append(attrs, AttrSymbol.String(symbol))
	}
	if side != "" {
		attrs = append(attrs, AttrOrderSide.String(side))
	}
	if orderType != "" {
		attrs = append(attrs, AttrOrderType.String(orderType))
	}
	return attrs
}

// ConnectionAttributes returns attributes for connection state metrics.
func ConnectionAttributes(environment, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrConnectionState.String(state),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// DiscrepancyAttributes returns attributes for reconciliation findings.
func DiscrepancyAttributes(environment, discrepancyType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrDiscrepancyType.String(discrepancyType),
	}
}
