// Package execution submits orders through the shared broker session and keeps
// the authoritative local order and fill log.
package execution

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/coachpo/brokerlink/errs"
	"github.com/coachpo/brokerlink/internal/domain/broker"
	"github.com/coachpo/brokerlink/internal/domain/trade"
	"github.com/coachpo/brokerlink/internal/marketdata"
)

const (
	component = "execution"

	// DefaultOrderRate matches the IB API limit of 50 messages per second.
	DefaultOrderRate  = rate.Limit(50)
	defaultOrderBurst = 50

	// maxEarlyOrders bounds the events buffered for order ids not yet acknowledged.
	maxEarlyOrders = 1024
)

// Connection is the view of the connection manager the handler needs.
type Connection interface {
	IsConnected() bool
	Session() broker.Session
}

// Journal receives order and fill changes for external persistence. Errors are
// logged and never fail the in-memory operation.
type Journal interface {
	RecordOrder(ctx context.Context, order trade.OrderRecord) error
	RecordFill(ctx context.Context, fill trade.Fill) error
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(h *Handler) {
		if provider != nil {
			h.meterProvider = provider
		}
	}
}

// WithJournal attaches a persistence sink.
func WithJournal(journal Journal) Option {
	return func(h *Handler) {
		h.journal = journal
	}
}

// WithThrottle paces broker order messages. A non-positive limit disables pacing.
func WithThrottle(limit rate.Limit, burst int) Option {
	return func(h *Handler) {
		if limit <= 0 {
			h.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithClock overrides time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

type earlyEvent struct {
	fill   *trade.Fill
	status *broker.OrderStatusUpdate
}

// Handler owns the local order log. It is safe for concurrent use; session
// events mutate the log under the same mutex as readers.
type Handler struct {
	conn          Connection
	logger        *zap.Logger
	meterProvider metric.MeterProvider
	metrics       *handlerMetrics
	journal       Journal
	limiter       *rate.Limiter
	now           func() time.Time

	mu         sync.Mutex
	orders     map[int64]*trade.OrderRecord
	sequence   []int64
	early      map[int64][]earlyEvent
	earlyOrder []int64

	unsubscribe func()
}

// NewHandler subscribes to the connection's session events.
func NewHandler(conn Connection, opts ...Option) *Handler {
	h := &Handler{
		conn:    conn,
		logger:  zap.NewNop(),
		limiter: rate.NewLimiter(DefaultOrderRate, defaultOrderBurst),
		now:     time.Now,
		orders:  make(map[int64]*trade.OrderRecord),
		early:   make(map[int64][]earlyEvent),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.meterProvider == nil {
		h.meterProvider = otel.GetMeterProvider()
	}
	h.logger = h.logger.Named(component)
	h.metrics = newHandlerMetrics(h.meterProvider)
	if session := conn.Session(); session != nil {
		h.unsubscribe = session.Subscribe(h.handleEvent)
	}
	return h
}

// Close stops listening to session events.
func (h *Handler) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
		h.unsubscribe = nil
	}
}

// SubmitMarketOrder places a market order and returns its tracking record.
func (h *Handler) SubmitMarketOrder(ctx context.Context, symbol string, quantity decimal.Decimal, side broker.Side) (trade.OrderRecord, error) {
	return h.submit(ctx, symbol, broker.OrderTicket{
		Side:     side,
		Kind:     broker.KindMarket,
		Quantity: quantity,
		TIF:      "DAY",
	})
}

// SubmitLimitOrder places a limit order and returns its tracking record.
func (h *Handler) SubmitLimitOrder(ctx context.Context, symbol string, quantity, price decimal.Decimal, side broker.Side) (trade.OrderRecord, error) {
	if !price.IsPositive() {
		return trade.OrderRecord{}, invalidOrder("limit price must be positive", "price", price.String())
	}
	return h.submit(ctx, symbol, broker.OrderTicket{
		Side:       side,
		Kind:       broker.KindLimit,
		Quantity:   quantity,
		LimitPrice: price,
		TIF:        "DAY",
	})
}

func (h *Handler) submit(ctx context.Context, symbol string, ticket broker.OrderTicket) (trade.OrderRecord, error) {
	if err := validateTicket(symbol, ticket); err != nil {
		h.metrics.recordSubmit(ctx, ticket, errs.CodeInvalidOrder)
		return trade.OrderRecord{}, err
	}
	if !h.conn.IsConnected() {
		h.metrics.recordSubmit(ctx, ticket, errs.CodeNotConnected)
		return trade.OrderRecord{}, errs.NotConnected(component)
	}
	symbol = marketdata.NormalizeSymbol(symbol)
	session := h.conn.Session()

	if err := h.limiter.Wait(ctx); err != nil {
		return trade.OrderRecord{}, errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("order pacing interrupted"), errs.WithCause(err))
	}
	contract, err := session.ResolveContract(ctx, symbol)
	if err != nil {
		h.metrics.recordSubmit(ctx, ticket, errs.CodeBroker)
		return trade.OrderRecord{}, errs.New(component, errs.CodeBroker,
			errs.WithMessage("resolve contract"), errs.WithField("symbol", symbol), errs.WithCause(err))
	}
	ack, err := session.PlaceOrder(ctx, contract, ticket)
	if err != nil {
		h.metrics.recordSubmit(ctx, ticket, errs.CodeBroker)
		return trade.OrderRecord{}, errs.New(component, errs.CodeBroker,
			errs.WithMessage("place order"), errs.WithField("symbol", symbol), errs.WithCause(err))
	}

	status, ok := trade.StatusFromBroker(ack.Status)
	if !ok {
		status = trade.OrderSubmitted
	}
	rec := trade.NewOrderRecord(ack.OrderID, contract.Symbol, ticket, status, h.now())
	if rec.Symbol == "" {
		rec.Symbol = symbol
	}

	h.mu.Lock()
	if _, exists := h.orders[ack.OrderID]; exists {
		h.mu.Unlock()
		return trade.OrderRecord{}, errs.New(component, errs.CodeBroker,
			errs.WithMessage("broker reused an order id"), errs.WithField("orderId", strconv.FormatInt(ack.OrderID, 10)))
	}
	h.orders[ack.OrderID] = rec
	h.sequence = append(h.sequence, ack.OrderID)
	fills := h.replayEarlyLocked(rec)
	snapshot := rec.Clone()
	h.mu.Unlock()

	h.metrics.recordSubmit(ctx, ticket, "")
	h.logger.Info("order submitted",
		zap.Int64("orderId", snapshot.OrderID),
		zap.String("symbol", snapshot.Symbol),
		zap.String("side", string(snapshot.Side)),
		zap.String("kind", string(snapshot.Kind)),
		zap.String("quantity", snapshot.Quantity.String()),
		zap.String("status", string(snapshot.Status)))

	h.persistOrder(ctx, snapshot)
	for _, f := range fills {
		h.persistFill(ctx, f)
	}
	return snapshot, nil
}

func validateTicket(symbol string, ticket broker.OrderTicket) error {
	if marketdata.NormalizeSymbol(symbol) == "" {
		return errs.InvalidOrder(component, "symbol is required")
	}
	if ticket.Side != broker.SideBuy && ticket.Side != broker.SideSell {
		return invalidOrder("side must be BUY or SELL", "side", string(ticket.Side))
	}
	if !ticket.Quantity.IsPositive() {
		return invalidOrder("quantity must be positive", "quantity", ticket.Quantity.String())
	}
	if ticket.Kind == broker.KindLimit && !ticket.LimitPrice.IsPositive() {
		return invalidOrder("limit price must be positive", "price", ticket.LimitPrice.String())
	}
	return nil
}

func invalidOrder(msg, key, value string) error {
	return errs.New(component, errs.CodeInvalidOrder, errs.WithMessage(msg), errs.WithField(key, value))
}

// Cancel requests cancellation. It returns false without error for unknown or
// terminal orders. The record becomes Cancelled only when the broker confirms.
func (h *Handler) Cancel(ctx context.Context, orderID int64) (bool, error) {
	h.mu.Lock()
	rec, ok := h.orders[orderID]
	terminal := ok && rec.Status.Terminal()
	h.mu.Unlock()
	if !ok || terminal {
		return false, nil
	}
	if !h.conn.IsConnected() {
		return false, errs.NotConnected(component)
	}
	if err := h.limiter.Wait(ctx); err != nil {
		return false, errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("order pacing interrupted"), errs.WithCause(err))
	}
	if err := h.conn.Session().CancelOrder(ctx, orderID); err != nil {
		return false, errs.New(component, errs.CodeBroker,
			errs.WithMessage("cancel order"),
			errs.WithField("orderId", strconv.FormatInt(orderID, 10)),
			errs.WithCause(err))
	}
	h.logger.Info("cancel requested", zap.Int64("orderId", orderID))
	return true, nil
}

// AllOrders returns a snapshot of every record, oldest first.
func (h *Handler) AllOrders() []trade.OrderRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]trade.OrderRecord, 0, len(h.sequence))
	for _, id := range h.sequence {
		out = append(out, h.orders[id].Clone())
	}
	return out
}

// Order returns a snapshot of one record.
func (h *Handler) Order(orderID int64) (trade.OrderRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.orders[orderID]
	if !ok {
		return trade.OrderRecord{}, false
	}
	return rec.Clone(), true
}

// LocalFills returns logged fills whose timestamp falls on day in loc, in
// order of submission then arrival.
func (h *Handler) LocalFills(_ context.Context, day time.Time, loc *time.Location) ([]trade.LocalFill, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]trade.LocalFill, 0)
	for _, id := range h.sequence {
		for _, f := range h.orders[id].Fills {
			if f.OnDate(day, loc) {
				out = append(out, trade.LocalFill{Fill: f})
			}
		}
	}
	return out, nil
}

func (h *Handler) handleEvent(evt broker.Event) {
	switch evt.Kind {
	case broker.EventExecution:
		if evt.Execution != nil {
			h.applyExecution(*evt.Execution)
		}
	case broker.EventOrderStatus:
		if evt.Status != nil {
			h.applyStatus(*evt.Status)
		}
	}
}

func (h *Handler) applyExecution(exec broker.Execution) {
	f := trade.FillFromExecution(exec)
	ctx := context.Background()

	h.mu.Lock()
	rec, ok := h.orders[f.OrderID]
	if !ok {
		h.bufferEarlyLocked(f.OrderID, earlyEvent{fill: &f})
		h.mu.Unlock()
		return
	}
	applied := rec.ApplyFill(f, h.now())
	snapshot := rec.Clone()
	h.mu.Unlock()

	if !applied {
		h.logger.Debug("duplicate fill ignored", zap.String("fillId", f.FillID), zap.Int64("orderId", f.OrderID))
		return
	}
	h.metrics.recordFill(ctx, f)
	h.logger.Info("fill applied",
		zap.Int64("orderId", f.OrderID),
		zap.String("fillId", f.FillID),
		zap.String("quantity", f.Quantity.String()),
		zap.String("price", f.Price.String()),
		zap.String("remaining", snapshot.Remaining.String()),
		zap.String("status", string(snapshot.Status)))
	h.persistFill(ctx, f)
	h.persistOrder(ctx, snapshot)
}

func (h *Handler) applyStatus(update broker.OrderStatusUpdate) {
	h.mu.Lock()
	rec, ok := h.orders[update.OrderID]
	if !ok {
		u := update
		h.bufferEarlyLocked(update.OrderID, earlyEvent{status: &u})
		h.mu.Unlock()
		return
	}
	changed := applyStatusLocked(rec, update, h.now())
	snapshot := rec.Clone()
	h.mu.Unlock()

	if !changed {
		return
	}
	h.logger.Info("order status changed",
		zap.Int64("orderId", update.OrderID),
		zap.String("brokerStatus", string(update.Status)),
		zap.String("status", string(snapshot.Status)),
		zap.String("message", update.Message))
	h.persistOrder(context.Background(), snapshot)
}

// applyStatusLocked never regresses a terminal record and never sets Filled.
func applyStatusLocked(rec *trade.OrderRecord, update broker.OrderStatusUpdate, now time.Time) bool {
	if rec.Status.Terminal() {
		return false
	}
	next, ok := trade.StatusFromBroker(update.Status)
	if !ok || next == rec.Status {
		return false
	}
	if next == trade.OrderPending && rec.Status != trade.OrderPending {
		return false
	}
	rec.Status = next
	rec.Recompute()
	rec.UpdatedAt = now
	return true
}

func (h *Handler) bufferEarlyLocked(orderID int64, evt earlyEvent) {
	if _, ok := h.early[orderID]; !ok {
		h.earlyOrder = append(h.earlyOrder, orderID)
		if len(h.earlyOrder) > maxEarlyOrders {
			evicted := h.earlyOrder[0]
			h.earlyOrder = h.earlyOrder[1:]
			delete(h.early, evicted)
		}
	}
	h.early[orderID] = append(h.early[orderID], evt)
}

// replayEarlyLocked applies events that arrived before the placement ack and
// returns the fills that were appended.
func (h *Handler) replayEarlyLocked(rec *trade.OrderRecord) []trade.Fill {
	events, ok := h.early[rec.OrderID]
	if !ok {
		return nil
	}
	delete(h.early, rec.OrderID)
	for i, id := range h.earlyOrder {
		if id == rec.OrderID {
			h.earlyOrder = append(h.earlyOrder[:i], h.earlyOrder[i+1:]...)
			break
		}
	}
	var fills []trade.Fill
	now := h.now()
	for _, evt := range events {
		switch {
		case evt.fill != nil:
			if rec.ApplyFill(*evt.fill, now) {
				fills = append(fills, *evt.fill)
			}
		case evt.status != nil:
			applyStatusLocked(rec, *evt.status, now)
		}
	}
	return fills
}

func (h *Handler) persistOrder(ctx context.Context, order trade.OrderRecord) {
	if h.journal == nil {
		return
	}
	if err := h.journal.RecordOrder(ctx, order); err != nil {
		h.logger.Warn("journal order failed", zap.Int64("orderId", order.OrderID), zap.Error(err))
	}
}

func (h *Handler) persistFill(ctx context.Context, fill trade.Fill) {
	if h.journal == nil {
		return
	}
	if err := h.journal.RecordFill(ctx, fill); err != nil {
		h.logger.Warn("journal fill failed", zap.String("fillId", fill.FillID), zap.Error(err))
	}
}
