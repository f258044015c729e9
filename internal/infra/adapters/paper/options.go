package paper

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	defaultStartingCash       = decimal.NewFromInt(1_000_000)
	defaultCommissionPerShare = decimal.RequireFromString("0.005")
	defaultMinCommission      = decimal.RequireFromString("1.00")
)

// Options configures the paper venue.
type Options struct {
	// Accounts reported as managed after connect. Defaults to DUPAPER1.
	Accounts []string
	// StartingCash seeds the account cash balance.
	StartingCash decimal.Decimal
	// CommissionPerShare and MinCommission model IB fixed pricing; the minimum
	// applies per order.
	CommissionPerShare decimal.Decimal
	MinCommission      decimal.Decimal
	// MaxFillQuantity splits executions into chunks of at most this size. Zero
	// fills each order in one execution.
	MaxFillQuantity decimal.Decimal
	// Prices seeds last prices by symbol.
	Prices map[string]decimal.Decimal
	// ConnectLatency delays the handshake.
	ConnectLatency time.Duration
	Clock          func() time.Time
	Logger         *zap.Logger
}

func (o Options) withDefaults() Options {
	if len(o.Accounts) == 0 {
		o.Accounts = []string{"DUPAPER1"}
	}
	if o.StartingCash.IsZero() {
		o.StartingCash = defaultStartingCash
	}
	if o.CommissionPerShare.IsZero() {
		o.CommissionPerShare = defaultCommissionPerShare
	}
	if o.MinCommission.IsZero() {
		o.MinCommission = defaultMinCommission
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}
