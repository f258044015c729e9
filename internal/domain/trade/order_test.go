package trade

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/brokerlink/internal/domain/broker"
)

func marketTicket(qty int64) broker.OrderTicket {
	return broker.OrderTicket{Side: broker.SideBuy, Kind: broker.KindMarket, Quantity: decimal.NewFromInt(qty)}
}

func fill(id string, qty int64, price string) Fill {
	return Fill{
		FillID:     id,
		OrderID:    7,
		Symbol:     "AAPL",
		Side:       broker.SideBuy,
		Quantity:   decimal.NewFromInt(qty),
		Price:      decimal.RequireFromString(price),
		Commission: decimal.RequireFromString("0.5"),
		Time:       time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC),
	}
}

func TestReplayingFillsMatchesAggregate(t *testing.T) {
	now := time.Now()
	rec := NewOrderRecord(7, "AAPL", marketTicket(100), OrderSubmitted, now)

	require.True(t, rec.ApplyFill(fill("e1", 30, "150.00"), now))
	assert.Equal(t, OrderSubmitted, rec.Status)
	assert.True(t, rec.Remaining.Equal(decimal.NewFromInt(70)))

	require.True(t, rec.ApplyFill(fill("e2", 70, "151.00"), now))
	assert.Equal(t, OrderFilled, rec.Status)
	assert.True(t, rec.Filled.Equal(decimal.NewFromInt(100)))
	assert.True(t, rec.Remaining.IsZero())

	replayed := NewOrderRecord(7, "AAPL", marketTicket(100), OrderSubmitted, now)
	for _, f := range rec.Fills {
		replayed.ApplyFill(f, now)
	}
	assert.True(t, replayed.Filled.Equal(rec.Filled))
	assert.Equal(t, rec.Status, replayed.Status)
	assert.True(t, rec.AverageFillPrice().Equal(decimal.RequireFromString("150.7")))
}

func TestDuplicateFillIgnored(t *testing.T) {
	now := time.Now()
	rec := NewOrderRecord(7, "AAPL", marketTicket(100), OrderSubmitted, now)
	require.True(t, rec.ApplyFill(fill("e1", 40, "10"), now))
	require.False(t, rec.ApplyFill(fill("e1", 40, "10"), now))
	assert.Len(t, rec.Fills, 1)
	assert.True(t, rec.Filled.Equal(decimal.NewFromInt(40)))
}

func TestCancelledOrderKeepsStatusAfterLateFill(t *testing.T) {
	now := time.Now()
	rec := NewOrderRecord(7, "AAPL", marketTicket(100), OrderCancelled, now)
	rec.ApplyFill(fill("e1", 100, "10"), now)
	assert.Equal(t, OrderCancelled, rec.Status)
	assert.True(t, rec.Filled.Equal(decimal.NewFromInt(100)))
}

func TestCloneIsolatesFills(t *testing.T) {
	now := time.Now()
	rec := NewOrderRecord(7, "AAPL", broker.OrderTicket{
		Side: broker.SideSell, Kind: broker.KindLimit,
		Quantity: decimal.NewFromInt(5), LimitPrice: decimal.NewFromInt(12),
	}, OrderSubmitted, now)
	rec.ApplyFill(fill("e1", 2, "12"), now)

	clone := rec.Clone()
	clone.Fills[0].FillID = "mutated"
	*clone.LimitPrice = decimal.NewFromInt(1)

	assert.Equal(t, "e1", rec.Fills[0].FillID)
	assert.True(t, rec.LimitPrice.Equal(decimal.NewFromInt(12)))
}

func TestStatusFromBroker(t *testing.T) {
	cases := map[broker.OrderStatus]OrderStatus{
		broker.StatusPendingSubmit: OrderPending,
		broker.StatusPreSubmitted:  OrderSubmitted,
		broker.StatusSubmitted:     OrderSubmitted,
		broker.StatusCancelled:     OrderCancelled,
		broker.StatusAPICancelled:  OrderCancelled,
		broker.StatusInactive:      OrderRejected,
	}
	for in, want := range cases {
		got, ok := StatusFromBroker(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := StatusFromBroker(broker.StatusFilled)
	assert.False(t, ok)
}

func TestFillOnDate(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	f := Fill{Time: time.Date(2024, 3, 2, 2, 0, 0, 0, time.UTC)}
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, ny)
	assert.True(t, f.OnDate(day, ny))
	assert.False(t, f.OnDate(day, time.UTC))
}
