package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/brokerlink/internal/app/reconcile"
	"github.com/coachpo/brokerlink/internal/domain/trade"
)

func TestTradeStoreNilPool(t *testing.T) {
	store := NewTradeStore(nil)
	ctx := context.Background()

	assert.Error(t, store.RecordOrder(ctx, trade.OrderRecord{OrderID: 1}))
	assert.Error(t, store.RecordFill(ctx, trade.Fill{FillID: "e1"}))
	_, err := store.LocalFills(ctx, time.Now(), time.UTC)
	assert.Error(t, err)
	assert.Error(t, store.SaveReport(ctx, reconcile.Report{}))
	_, err = store.ListReports(ctx, ReportQuery{})
	assert.Error(t, err)
}

func TestNumericConversions(t *testing.T) {
	n, err := numericFromDecimal(decimal.RequireFromString("150.125"))
	require.NoError(t, err)
	assert.True(t, n.Valid)

	null, err := numericFromOptional(nil)
	require.NoError(t, err)
	assert.False(t, null.Valid)

	d, err := decimalFromText("0.00500000")
	require.NoError(t, err)
	assert.True(t, d.Equal(decimal.RequireFromString("0.005")))

	_, err = decimalFromText("abc")
	assert.Error(t, err)
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), PoolConfig{})
	assert.Error(t, err)
}
