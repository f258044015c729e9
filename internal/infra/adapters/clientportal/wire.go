package clientportal

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/brokerlink/internal/domain/broker"
)

// amount decodes gateway numbers that arrive as JSON numbers, quoted strings
// or empty strings, and encodes as a bare JSON number.
type amount decimal.Decimal

func (a *amount) UnmarshalJSON(data []byte) error {
	raw := string(bytes.Trim(bytes.TrimSpace(data), `"`))
	raw = strings.ReplaceAll(raw, ",", "")
	if raw == "" || raw == "null" {
		*a = amount(decimal.Zero)
		return nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return err
	}
	*a = amount(d)
	return nil
}

func (a amount) MarshalJSON() ([]byte, error) {
	return []byte(decimal.Decimal(a).String()), nil
}

func (a amount) dec() decimal.Decimal { return decimal.Decimal(a) }

// flexID decodes ids that the gateway sends as numbers on some endpoints and
// strings on others.
type flexID int64

func (f *flexID) UnmarshalJSON(data []byte) error {
	raw := string(bytes.Trim(bytes.TrimSpace(data), `"`))
	if raw == "" || raw == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return err
	}
	*f = flexID(v)
	return nil
}

type authStatus struct {
	Authenticated bool   `json:"authenticated"`
	Connected     bool   `json:"connected"`
	Competing     bool   `json:"competing"`
	Message       string `json:"message"`
}

type accountsResponse struct {
	Accounts        []string `json:"accounts"`
	SelectedAccount string   `json:"selectedAccount"`
}

type secdefResult struct {
	ConID    flexID          `json:"conid"`
	Symbol   string          `json:"symbol"`
	Sections []secdefSection `json:"sections"`
}

type secdefSection struct {
	SecType  string `json:"secType"`
	Exchange string `json:"exchange"`
}

type orderRequest struct {
	AccountID string  `json:"acctId"`
	ConID     int64   `json:"conid"`
	OrderType string  `json:"orderType"`
	Side      string  `json:"side"`
	Quantity  amount  `json:"quantity"`
	Price     *amount `json:"price,omitempty"`
	TIF       string  `json:"tif"`
	ClientID  string  `json:"cOID,omitempty"`
}

type ordersRequest struct {
	Orders []orderRequest `json:"orders"`
}

// orderReply is one element of a place-order or reply response: either an
// acknowledgement or a confirmation prompt.
type orderReply struct {
	OrderID     flexID   `json:"order_id"`
	OrderStatus string   `json:"order_status"`
	ID          string   `json:"id"`
	Message     []string `json:"message"`
	Error       string   `json:"error"`
}

type replyRequest struct {
	Confirmed bool `json:"confirmed"`
}

type positionResponse struct {
	AccountID     string `json:"acctId"`
	ConID         flexID `json:"conid"`
	ContractDesc  string `json:"contractDesc"`
	Ticker        string `json:"ticker"`
	Position      amount `json:"position"`
	MarketPrice   amount `json:"mktPrice"`
	MarketValue   amount `json:"mktValue"`
	AverageCost   amount `json:"avgCost"`
	UnrealizedPnL amount `json:"unrealizedPnl"`
	Currency      string `json:"currency"`
}

func (p positionResponse) position() broker.Position {
	symbol := p.Ticker
	if symbol == "" {
		symbol = p.ContractDesc
	}
	return broker.Position{
		Account:       p.AccountID,
		Symbol:        symbol,
		ConID:         int64(p.ConID),
		Quantity:      p.Position.dec(),
		AverageCost:   p.AverageCost.dec(),
		MarketPrice:   p.MarketPrice.dec(),
		MarketValue:   p.MarketValue.dec(),
		UnrealizedPnL: p.UnrealizedPnL.dec(),
		Currency:      p.Currency,
	}
}

type summaryField struct {
	Amount   *amount `json:"amount"`
	Currency string  `json:"currency"`
	IsNull   bool    `json:"isNull"`
}

func (f summaryField) value() *decimal.Decimal {
	if f.IsNull || f.Amount == nil {
		return nil
	}
	return broker.Dec(f.Amount.dec())
}

// tradeMessage is shared by the trades endpoint and the str topic.
type tradeMessage struct {
	ExecutionID string `json:"execution_id"`
	OrderID     flexID `json:"order_id"`
	OrderRef    string `json:"order_ref"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Size        amount `json:"size"`
	Price       amount `json:"price"`
	Commission  amount `json:"commission"`
	TradeTimeMS int64  `json:"trade_time_r"`
	Account     string `json:"account"`
}

func (t tradeMessage) execution() (broker.Execution, bool) {
	side, ok := broker.ParseSide(t.Side)
	if !ok || t.ExecutionID == "" {
		return broker.Execution{}, false
	}
	orderID := int64(t.OrderID)
	if orderID == 0 && t.OrderRef != "" {
		if v, err := strconv.ParseInt(t.OrderRef, 10, 64); err == nil {
			orderID = v
		}
	}
	return broker.Execution{
		ExecID:     t.ExecutionID,
		OrderID:    orderID,
		Symbol:     t.Symbol,
		Side:       side,
		Quantity:   t.Size.dec().Abs(),
		Price:      t.Price.dec(),
		Commission: t.Commission.dec().Abs(),
		Time:       time.UnixMilli(t.TradeTimeMS).UTC(),
	}, true
}

type orderMessage struct {
	OrderID flexID `json:"orderId"`
	Status  string `json:"status"`
	Ticker  string `json:"ticker"`
}

// streamMessage is the envelope of every websocket push.
type streamMessage struct {
	Topic string          `json:"topic"`
	Args  json.RawMessage `json:"args"`
}

type apiErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
