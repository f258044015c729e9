// Package paper implements broker.Session as an in-process paper trading venue.
// Market orders fill at the last known price, limit orders fill once the price
// crosses, and events are delivered in order from a single goroutine.
package paper

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/coachpo/brokerlink/internal/domain/broker"
	"github.com/coachpo/brokerlink/internal/marketdata"
)

var (
	// ErrNotConnected is returned by calls made without a session.
	ErrNotConnected = errors.New("paper: not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("paper: session closed")
	// ErrUnknownOrder is returned when cancelling an order that is not open.
	ErrUnknownOrder = errors.New("paper: unknown or inactive order")
)

// Session is a paper venue. It is safe for concurrent use.
type Session struct {
	opts   Options
	logger *zap.Logger

	mu            sync.Mutex
	connected     bool
	closed        bool
	nextOrderID   int64
	nextExecID    int64
	prices        map[string]decimal.Decimal
	orders        map[int64]*openOrder
	executions    []broker.Execution
	holdings      map[string]*holding
	cash          decimal.Decimal
	realized      decimal.Decimal
	subscriptions map[string]struct{}
	handlers      map[int]broker.EventHandler
	nextHandler   int
	queue         []broker.Event

	wake   chan struct{}
	done   chan struct{}
	worker conc.WaitGroup
}

var _ broker.Session = (*Session)(nil)

// NewSession starts the venue's event dispatcher. Call Close to stop it.
func NewSession(opts Options) *Session {
	opts = opts.withDefaults()
	s := &Session{
		opts:          opts,
		logger:        opts.Logger.Named("paper"),
		nextOrderID:   1,
		nextExecID:    1,
		prices:        make(map[string]decimal.Decimal),
		orders:        make(map[int64]*openOrder),
		holdings:      make(map[string]*holding),
		cash:          opts.StartingCash,
		subscriptions: make(map[string]struct{}),
		handlers:      make(map[int]broker.EventHandler),
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	for symbol, price := range opts.Prices {
		s.prices[marketdata.NormalizeSymbol(symbol)] = price
	}
	s.worker.Go(s.dispatch)
	return s
}

// Close stops event delivery. The session cannot be reused.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.connected = false
	s.mu.Unlock()
	close(s.done)
	s.worker.Wait()
}

// Connect implements broker.Session.
func (s *Session) Connect(ctx context.Context, params broker.ConnectParams) error {
	if s.opts.ConnectLatency > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("paper: connect: %w", ctx.Err())
		case <-time.After(s.opts.ConnectLatency):
		}
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("paper: connect: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.connected {
		return nil
	}
	s.connected = true
	s.enqueueLocked(broker.Event{Kind: broker.EventConnected})
	s.logger.Info("paper session connected", zap.String("host", params.Host), zap.Int("clientId", params.ClientID))
	return nil
}

// Disconnect implements broker.Session.
func (s *Session) Disconnect() error {
	s.drop("requested")
	return nil
}

// DropConnection simulates a network failure.
func (s *Session) DropConnection() {
	s.drop("simulated drop")
}

func (s *Session) drop(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return
	}
	s.connected = false
	s.subscriptions = make(map[string]struct{})
	s.enqueueLocked(broker.Event{Kind: broker.EventDisconnected})
	s.logger.Info("paper session disconnected", zap.String("reason", reason))
}

// IsConnected implements broker.Session.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// ManagedAccounts implements broker.Session.
func (s *Session) ManagedAccounts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	return append([]string(nil), s.opts.Accounts...)
}

// ResolveContract implements broker.Session. Every symbol resolves to a US
// stock with a stable synthetic contract id.
func (s *Session) ResolveContract(_ context.Context, symbol string) (broker.Contract, error) {
	if !s.IsConnected() {
		return broker.Contract{}, ErrNotConnected
	}
	symbol = marketdata.NormalizeSymbol(symbol)
	if symbol == "" {
		return broker.Contract{}, errors.New("paper: empty symbol")
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return broker.Contract{
		ConID:    int64(h.Sum32()),
		Symbol:   symbol,
		SecType:  "STK",
		Exchange: "SMART",
		Currency: "USD",
	}, nil
}

// PlaceOrder implements broker.Session.
func (s *Session) PlaceOrder(_ context.Context, contract broker.Contract, ticket broker.OrderTicket) (broker.OrderAck, error) {
	if !ticket.Quantity.IsPositive() {
		return broker.OrderAck{}, errors.New("paper: quantity must be positive")
	}
	if ticket.Kind == broker.KindLimit && !ticket.LimitPrice.IsPositive() {
		return broker.OrderAck{}, errors.New("paper: limit price must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return broker.OrderAck{}, ErrNotConnected
	}
	id := s.nextOrderID
	s.nextOrderID++
	order := &openOrder{
		id:         id,
		contract:   contract,
		ticket:     ticket,
		remaining:  ticket.Quantity,
		commission: decimal.Zero,
	}
	s.orders[id] = order
	s.enqueueLocked(statusEvent(id, broker.StatusSubmitted, ""))
	s.logger.Debug("paper order accepted",
		zap.Int64("orderId", id),
		zap.String("symbol", contract.Symbol),
		zap.String("kind", string(ticket.Kind)),
		zap.String("quantity", ticket.Quantity.String()))

	if price, ok := s.prices[contract.Symbol]; ok {
		s.tryFillLocked(order, price)
	}
	return broker.OrderAck{OrderID: id, Status: broker.StatusSubmitted}, nil
}

// CancelOrder implements broker.Session.
func (s *Session) CancelOrder(_ context.Context, orderID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	if _, ok := s.orders[orderID]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownOrder, orderID)
	}
	delete(s.orders, orderID)
	s.enqueueLocked(statusEvent(orderID, broker.StatusCancelled, "cancelled by client"))
	return nil
}

// SetPrice records the last price for symbol and fills crossing orders in
// order id sequence.
func (s *Session) SetPrice(symbol string, price decimal.Decimal) {
	symbol = marketdata.NormalizeSymbol(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
	if !s.connected {
		return
	}
	ids := make([]int64, 0, len(s.orders))
	for id, o := range s.orders {
		if o.contract.Symbol == symbol {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		s.tryFillLocked(s.orders[id], price)
	}
}

func (s *Session) tryFillLocked(order *openOrder, price decimal.Decimal) {
	if !price.IsPositive() || !order.crosses(price) {
		return
	}
	now := s.opts.Clock()
	for order.remaining.IsPositive() {
		qty := order.remaining
		if chunk := s.opts.MaxFillQuantity; chunk.IsPositive() && qty.GreaterThan(chunk) {
			qty = chunk
		}
		order.remaining = order.remaining.Sub(qty)

		commission := qty.Mul(s.opts.CommissionPerShare)
		if order.remaining.IsZero() {
			if floor := s.opts.MinCommission.Sub(order.commission); commission.LessThan(floor) {
				commission = floor
			}
		}
		commission = commission.Round(4)
		order.commission = order.commission.Add(commission)

		exec := broker.Execution{
			ExecID:     "paper." + strconv.FormatInt(s.nextExecID, 10),
			OrderID:    order.id,
			Symbol:     order.contract.Symbol,
			Side:       order.ticket.Side,
			Quantity:   qty,
			Price:      price,
			Commission: commission,
			Time:       now,
		}
		s.nextExecID++
		s.bookLocked(order.contract, exec)
		s.executions = append(s.executions, exec)
		s.enqueueLocked(broker.Event{Kind: broker.EventExecution, Execution: &exec})
	}
	delete(s.orders, order.id)
	s.enqueueLocked(statusEvent(order.id, broker.StatusFilled, ""))
}

func (s *Session) bookLocked(contract broker.Contract, exec broker.Execution) {
	h, ok := s.holdings[contract.Symbol]
	if !ok {
		h = &holding{conID: contract.ConID}
		s.holdings[contract.Symbol] = h
	}
	s.realized = s.realized.Add(h.apply(exec.Side, exec.Quantity, exec.Price))
	notional := exec.Quantity.Mul(exec.Price)
	if exec.Side == broker.SideBuy {
		s.cash = s.cash.Sub(notional)
	} else {
		s.cash = s.cash.Add(notional)
	}
	s.cash = s.cash.Sub(exec.Commission)
}

// Positions implements broker.Session.
func (s *Session) Positions(_ context.Context) ([]broker.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	symbols := make([]string, 0, len(s.holdings))
	for symbol, h := range s.holdings {
		if !h.quantity.IsZero() {
			symbols = append(symbols, symbol)
		}
	}
	sort.Strings(symbols)
	out := make([]broker.Position, 0, len(symbols))
	for _, symbol := range symbols {
		h := s.holdings[symbol]
		mark := s.markLocked(symbol, h)
		out = append(out, broker.Position{
			Account:       s.opts.Accounts[0],
			Symbol:        symbol,
			ConID:         h.conID,
			Quantity:      h.quantity,
			AverageCost:   h.avgCost,
			MarketPrice:   mark,
			MarketValue:   h.quantity.Mul(mark),
			UnrealizedPnL: mark.Sub(h.avgCost).Mul(h.quantity),
			Currency:      "USD",
		})
	}
	return out, nil
}

func (s *Session) markLocked(symbol string, h *holding) decimal.Decimal {
	if price, ok := s.prices[symbol]; ok {
		return price
	}
	return h.avgCost
}

// AccountSummary implements broker.Session.
func (s *Session) AccountSummary(_ context.Context, account string) (broker.AccountSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return broker.AccountSummary{}, ErrNotConnected
	}
	if account == "" {
		account = s.opts.Accounts[0]
	}
	marketValue := decimal.Zero
	unrealized := decimal.Zero
	for symbol, h := range s.holdings {
		mark := s.markLocked(symbol, h)
		marketValue = marketValue.Add(h.quantity.Mul(mark))
		unrealized = unrealized.Add(mark.Sub(h.avgCost).Mul(h.quantity))
	}
	netLiq := s.cash.Add(marketValue)
	return broker.AccountSummary{
		Account:         account,
		Currency:        "USD",
		NetLiquidation:  broker.Dec(netLiq),
		TotalCash:       broker.Dec(s.cash),
		BuyingPower:     broker.Dec(s.cash),
		AvailableFunds:  broker.Dec(s.cash),
		ExcessLiquidity: broker.Dec(netLiq),
		RealizedPnL:     broker.Dec(s.realized),
		UnrealizedPnL:   broker.Dec(unrealized),
		UpdatedAt:       s.opts.Clock(),
	}, nil
}

// Executions implements broker.Session.
func (s *Session) Executions(_ context.Context, filter broker.ExecutionFilter) ([]broker.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	symbol := marketdata.NormalizeSymbol(filter.Symbol)
	out := make([]broker.Execution, 0, len(s.executions))
	for _, exec := range s.executions {
		if !filter.Since.IsZero() && exec.Time.Before(filter.Since) {
			continue
		}
		if symbol != "" && exec.Symbol != symbol {
			continue
		}
		out = append(out, exec)
	}
	return out, nil
}

// SubscribeMarketData tracks a streaming subscription for symbol.
func (s *Session) SubscribeMarketData(_ context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	s.subscriptions[marketdata.NormalizeSymbol(symbol)] = struct{}{}
	return nil
}

// UnsubscribeMarketData removes the subscription for symbol.
func (s *Session) UnsubscribeMarketData(_ context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, marketdata.NormalizeSymbol(symbol))
	return nil
}

// Subscriptions lists the symbols currently streamed.
func (s *Session) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subscriptions))
	for symbol := range s.subscriptions {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// Subscribe implements broker.Session.
func (s *Session) Subscribe(h broker.EventHandler) func() {
	s.mu.Lock()
	id := s.nextHandler
	s.nextHandler++
	s.handlers[id] = h
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
}

func statusEvent(orderID int64, status broker.OrderStatus, message string) broker.Event {
	return broker.Event{Kind: broker.EventOrderStatus, Status: &broker.OrderStatusUpdate{
		OrderID: orderID,
		Status:  status,
		Message: message,
	}}
}

func (s *Session) enqueueLocked(evt broker.Event) {
	if s.closed {
		return
	}
	s.queue = append(s.queue, evt)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dispatch delivers queued events to handlers in enqueue order. Handlers run
// without the session lock and may call back into the session.
func (s *Session) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			evt := s.queue[0]
			s.queue = s.queue[1:]
			ids := make([]int, 0, len(s.handlers))
			for id := range s.handlers {
				ids = append(ids, id)
			}
			sort.Ints(ids)
			handlers := make([]broker.EventHandler, 0, len(ids))
			for _, id := range ids {
				handlers = append(handlers, s.handlers[id])
			}
			s.mu.Unlock()

			for _, h := range handlers {
				s.deliver(h, evt)
			}
		}
	}
}

func (s *Session) deliver(h broker.EventHandler, evt broker.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("paper event handler panicked", zap.Any("panic", r))
		}
	}()
	h(evt)
}
