// Package trade holds the local order log and fill shapes shared by execution and
// reconciliation.
package trade

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/brokerlink/internal/domain/broker"
)

// Fill is an immutable record of quantity executed against an order.
type Fill struct {
	FillID     string          `json:"fillId"`
	OrderID    int64           `json:"orderId"`
	Symbol     string          `json:"symbol"`
	Side       broker.Side     `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	Time       time.Time       `json:"time"`
}

// FillFromExecution projects a broker execution into the canonical fill shape.
func FillFromExecution(exec broker.Execution) Fill {
	return Fill{
		FillID:     exec.ExecID,
		OrderID:    exec.OrderID,
		Symbol:     exec.Symbol,
		Side:       exec.Side,
		Quantity:   exec.Quantity,
		Price:      exec.Price,
		Commission: exec.Commission,
		Time:       exec.Time,
	}
}

// BrokerFill is a fill as reported by the broker's execution history.
type BrokerFill struct {
	Fill
}

// LocalFill is a fill as recorded in the local order log.
type LocalFill struct {
	Fill
}

// OnDate reports whether the fill timestamp falls on the civil date of day in loc.
func (f Fill) OnDate(day time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	y1, m1, d1 := f.Time.In(loc).Date()
	y2, m2, d2 := day.In(loc).Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}
