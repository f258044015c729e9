// Package broker defines the broker-session contract consumed by the brokerlink core
// and the plain data shapes exchanged across it.
package broker

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the order direction.
type Side string

const (
	// SideBuy buys the instrument.
	SideBuy Side = "BUY"
	// SideSell sells the instrument.
	SideSell Side = "SELL"
)

// ParseSide normalises user input ("buy", "B", "Sell") into a Side.
func ParseSide(value string) (Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "BUY", "B", "BOT":
		return SideBuy, true
	case "SELL", "S", "SLD":
		return SideSell, true
	default:
		return "", false
	}
}

// OrderKind distinguishes market and limit orders.
type OrderKind string

const (
	// KindMarket executes at the prevailing price.
	KindMarket OrderKind = "MKT"
	// KindLimit executes at the limit price or better.
	KindLimit OrderKind = "LMT"
)

// ConnectParams carries the session endpoint. Timeout bounds the handshake and is
// enforced by the session implementation.
type ConnectParams struct {
	Host     string
	Port     int
	ClientID int
	Account  string
	Paper    bool
	Timeout  time.Duration
}

// Contract is a tradable instrument resolved from a symbol.
type Contract struct {
	ConID    int64  `json:"conId"`
	Symbol   string `json:"symbol"`
	SecType  string `json:"secType"`
	Exchange string `json:"exchange"`
	Currency string `json:"currency"`
}

// OrderTicket is the order sent to the broker.
type OrderTicket struct {
	Side       Side
	Kind       OrderKind
	Quantity   decimal.Decimal
	LimitPrice decimal.Decimal
	TIF        string
	Reference  string
}

// OrderStatus is the broker-reported order lifecycle status.
type OrderStatus string

const (
	StatusPendingSubmit OrderStatus = "PendingSubmit"
	StatusPreSubmitted  OrderStatus = "PreSubmitted"
	StatusSubmitted     OrderStatus = "Submitted"
	StatusPendingCancel OrderStatus = "PendingCancel"
	StatusCancelled     OrderStatus = "Cancelled"
	StatusAPICancelled  OrderStatus = "ApiCancelled"
	StatusFilled        OrderStatus = "Filled"
	StatusInactive      OrderStatus = "Inactive"
)

// OrderAck is the broker's synchronous answer to an order placement.
type OrderAck struct {
	OrderID int64
	Status  OrderStatus
}

// Execution is a fill as reported by the broker.
type Execution struct {
	ExecID     string
	OrderID    int64
	Symbol     string
	Side       Side
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Commission decimal.Decimal
	Time       time.Time
}

// ExecutionFilter scopes execution history queries.
type ExecutionFilter struct {
	Since  time.Time
	Symbol string
}

// Position is one holding reported by the broker.
type Position struct {
	Account       string          `json:"account"`
	Symbol        string          `json:"symbol"`
	ConID         int64           `json:"conId"`
	Quantity      decimal.Decimal `json:"quantity"`
	AverageCost   decimal.Decimal `json:"averageCost"`
	MarketPrice   decimal.Decimal `json:"marketPrice"`
	MarketValue   decimal.Decimal `json:"marketValue"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	Currency      string          `json:"currency"`
}

// AccountSummary holds the named balance fields; unset fields are nil.
type AccountSummary struct {
	Account         string           `json:"account"`
	Currency        string           `json:"currency"`
	NetLiquidation  *decimal.Decimal `json:"netLiquidation,omitempty"`
	TotalCash       *decimal.Decimal `json:"totalCash,omitempty"`
	BuyingPower     *decimal.Decimal `json:"buyingPower,omitempty"`
	AvailableFunds  *decimal.Decimal `json:"availableFunds,omitempty"`
	ExcessLiquidity *decimal.Decimal `json:"excessLiquidity,omitempty"`
	RealizedPnL     *decimal.Decimal `json:"realizedPnl,omitempty"`
	UnrealizedPnL   *decimal.Decimal `json:"unrealizedPnl,omitempty"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// Dec returns a pointer to d, for populating optional summary fields.
func Dec(d decimal.Decimal) *decimal.Decimal {
	return &d
}
