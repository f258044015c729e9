package broker

import "context"

// EventKind classifies asynchronous session notifications.
type EventKind int

const (
	// EventConnected is emitted after a successful handshake.
	EventConnected EventKind = iota + 1
	// EventDisconnected is emitted when the session drops or is closed.
	EventDisconnected
	// EventOrderStatus carries an order status change.
	EventOrderStatus
	// EventExecution carries a fill.
	EventExecution
	// EventError carries a non-fatal session error.
	EventError
)

// OrderStatusUpdate is the payload of EventOrderStatus.
type OrderStatusUpdate struct {
	OrderID int64
	Status  OrderStatus
	Message string
}

// Event is a notification pushed by the session.
type Event struct {
	Kind      EventKind
	Status    *OrderStatusUpdate
	Execution *Execution
	Err       error
}

// EventHandler receives session events. Sessions invoke handlers sequentially,
// in delivery order, from a single goroutine.
type EventHandler func(Event)

// Session is the broker capability set required by the core. Any SDK or gateway
// client satisfying it is substitutable.
type Session interface {
	Connect(ctx context.Context, params ConnectParams) error
	Disconnect() error
	IsConnected() bool
	ManagedAccounts() []string

	ResolveContract(ctx context.Context, symbol string) (Contract, error)
	PlaceOrder(ctx context.Context, contract Contract, ticket OrderTicket) (OrderAck, error)
	CancelOrder(ctx context.Context, orderID int64) error

	Positions(ctx context.Context) ([]Position, error)
	AccountSummary(ctx context.Context, account string) (AccountSummary, error)
	Executions(ctx context.Context, filter ExecutionFilter) ([]Execution, error)

	// Subscribe registers h and returns a function removing it.
	Subscribe(h EventHandler) (unsubscribe func())
}
