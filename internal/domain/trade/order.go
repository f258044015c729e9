package trade

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/brokerlink/internal/domain/broker"
)

// OrderStatus is the local lifecycle status of an order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "Pending"
	OrderSubmitted OrderStatus = "Submitted"
	OrderFilled    OrderStatus = "Filled"
	OrderCancelled OrderStatus = "Cancelled"
	OrderRejected  OrderStatus = "Rejected"
)

// Terminal reports whether no further transitions are accepted.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	default:
		return false
	}
}

// StatusFromBroker maps a broker status onto the local lifecycle. Filled is
// deliberately absent: it is derived from accumulated fills.
func StatusFromBroker(status broker.OrderStatus) (OrderStatus, bool) {
	switch status {
	case broker.StatusPendingSubmit:
		return OrderPending, true
	case broker.StatusPreSubmitted, broker.StatusSubmitted, broker.StatusPendingCancel:
		return OrderSubmitted, true
	case broker.StatusCancelled, broker.StatusAPICancelled:
		return OrderCancelled, true
	case broker.StatusInactive:
		return OrderRejected, true
	default:
		return "", false
	}
}

// OrderRecord is one locally submitted order and its append-only fill list.
type OrderRecord struct {
	OrderID    int64            `json:"orderId"`
	Symbol     string           `json:"symbol"`
	Side       broker.Side      `json:"side"`
	Quantity   decimal.Decimal  `json:"quantity"`
	Kind       broker.OrderKind `json:"kind"`
	LimitPrice *decimal.Decimal `json:"limitPrice,omitempty"`
	Status     OrderStatus      `json:"status"`
	Fills      []Fill           `json:"fills"`
	Filled     decimal.Decimal  `json:"filled"`
	Remaining  decimal.Decimal  `json:"remaining"`
	CreatedAt  time.Time        `json:"createdAt"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

// NewOrderRecord builds a record for a freshly acknowledged order.
func NewOrderRecord(orderID int64, symbol string, ticket broker.OrderTicket, status OrderStatus, now time.Time) *OrderRecord {
	rec := &OrderRecord{
		OrderID:   orderID,
		Symbol:    symbol,
		Side:      ticket.Side,
		Quantity:  ticket.Quantity,
		Kind:      ticket.Kind,
		Status:    status,
		Filled:    decimal.Zero,
		Remaining: ticket.Quantity,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ticket.Kind == broker.KindLimit {
		price := ticket.LimitPrice
		rec.LimitPrice = &price
	}
	return rec
}

// HasFill reports whether a fill with the given id was already applied.
func (o *OrderRecord) HasFill(fillID string) bool {
	if fillID == "" {
		return false
	}
	for _, f := range o.Fills {
		if f.FillID == fillID {
			return true
		}
	}
	return false
}

// ApplyFill appends f and recomputes aggregates. Returns false for duplicates.
func (o *OrderRecord) ApplyFill(f Fill, now time.Time) bool {
	if o.HasFill(f.FillID) {
		return false
	}
	o.Fills = append(o.Fills, f)
	o.Recompute()
	o.UpdatedAt = now
	return true
}

// Recompute derives filled/remaining from the fill list and settles the
// Submitted/Filled status accordingly.
func (o *OrderRecord) Recompute() {
	filled := decimal.Zero
	for _, f := range o.Fills {
		filled = filled.Add(f.Quantity)
	}
	o.Filled = filled
	remaining := o.Quantity.Sub(filled)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	o.Remaining = remaining

	if o.Status == OrderCancelled || o.Status == OrderRejected {
		return
	}
	switch {
	case len(o.Fills) > 0 && filled.Equal(o.Quantity):
		o.Status = OrderFilled
	case len(o.Fills) > 0:
		o.Status = OrderSubmitted
	}
}

// AverageFillPrice returns the volume-weighted fill price, or zero without fills.
func (o *OrderRecord) AverageFillPrice() decimal.Decimal {
	return VWAP(o.Fills)
}

// Clone returns a deep copy safe to hand to callers.
func (o *OrderRecord) Clone() OrderRecord {
	out := *o
	if o.Fills != nil {
		out.Fills = append([]Fill(nil), o.Fills...)
	}
	if o.LimitPrice != nil {
		price := *o.LimitPrice
		out.LimitPrice = &price
	}
	return out
}

// VWAP returns the quantity-weighted average price of fills.
func VWAP(fills []Fill) decimal.Decimal {
	qty := decimal.Zero
	notional := decimal.Zero
	for _, f := range fills {
		qty = qty.Add(f.Quantity)
		notional = notional.Add(f.Quantity.Mul(f.Price))
	}
	if qty.IsZero() {
		return decimal.Zero
	}
	return notional.Div(qty)
}
