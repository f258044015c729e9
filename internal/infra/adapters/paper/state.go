package paper

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/brokerlink/internal/domain/broker"
)

type openOrder struct {
	id         int64
	contract   broker.Contract
	ticket     broker.OrderTicket
	remaining  decimal.Decimal
	commission decimal.Decimal
}

func (o *openOrder) crosses(price decimal.Decimal) bool {
	if o.ticket.Kind != broker.KindLimit {
		return true
	}
	if o.ticket.Side == broker.SideBuy {
		return price.LessThanOrEqual(o.ticket.LimitPrice)
	}
	return price.GreaterThanOrEqual(o.ticket.LimitPrice)
}

type holding struct {
	conID    int64
	quantity decimal.Decimal
	avgCost  decimal.Decimal
}

// apply books a fill and returns the realized PnL of any closed quantity.
func (h *holding) apply(side broker.Side, qty, price decimal.Decimal) decimal.Decimal {
	signed := qty
	if side == broker.SideSell {
		signed = qty.Neg()
	}
	if h.quantity.IsZero() || h.quantity.Sign() == signed.Sign() {
		next := h.quantity.Add(signed)
		cost := h.avgCost.Mul(h.quantity.Abs()).Add(price.Mul(qty))
		h.avgCost = cost.Div(next.Abs())
		h.quantity = next
		return decimal.Zero
	}

	closing := decimal.Min(qty, h.quantity.Abs())
	var realized decimal.Decimal
	if h.quantity.IsPositive() {
		realized = price.Sub(h.avgCost).Mul(closing)
	} else {
		realized = h.avgCost.Sub(price).Mul(closing)
	}
	wasLong := h.quantity.IsPositive()
	h.quantity = h.quantity.Add(signed)
	switch {
	case h.quantity.IsZero():
		h.avgCost = decimal.Zero
	case h.quantity.IsPositive() != wasLong:
		h.avgCost = price
	}
	return realized
}
