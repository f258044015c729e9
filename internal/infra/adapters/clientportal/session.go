// Package clientportal implements broker.Session on top of the Interactive
// Brokers Client Portal gateway: REST for requests and a websocket for order
// and trade pushes.
package clientportal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/coachpo/brokerlink/internal/domain/broker"
	"github.com/coachpo/brokerlink/internal/marketdata"
)

var (
	// ErrNotConnected is returned by calls made without a live session.
	ErrNotConnected = errors.New("clientportal: not connected")
	// ErrNotAuthenticated means the gateway has no brokerage session.
	ErrNotAuthenticated = errors.New("clientportal: gateway not authenticated")
	// ErrNoContract means the symbol search returned no stock contract.
	ErrNoContract = errors.New("clientportal: contract not found")
	// ErrOrderRejected means the gateway refused the order.
	ErrOrderRejected = errors.New("clientportal: order rejected")
)

const eventBuffer = 256

// Session is a broker.Session backed by a Client Portal gateway.
type Session struct {
	opts   Options
	logger *zap.Logger

	mu          sync.Mutex
	connected   bool
	accounts    []string
	account     string
	conn        *websocket.Conn
	cancel      context.CancelFunc
	loops       *conc.WaitGroup
	conids      map[string]int64
	handlers    map[int]broker.EventHandler
	nextHandler int

	writeMu sync.Mutex

	events     chan broker.Event
	done       chan struct{}
	closeOnce  sync.Once
	dispatcher conc.WaitGroup
}

var _ broker.Session = (*Session)(nil)

// NewSession returns a disconnected session. Call Close to release it.
func NewSession(opts Options) *Session {
	opts = opts.withDefaults()
	s := &Session{
		opts:     opts,
		logger:   opts.Logger.Named("clientportal"),
		conids:   make(map[string]int64),
		handlers: make(map[int]broker.EventHandler),
		events:   make(chan broker.Event, eventBuffer),
		done:     make(chan struct{}),
	}
	s.dispatcher.Go(s.dispatch)
	return s
}

// Close disconnects and stops event delivery.
func (s *Session) Close() {
	_ = s.Disconnect()
	s.closeOnce.Do(func() { close(s.done) })
	s.dispatcher.Wait()
}

// Connect checks the gateway's brokerage session, loads the accounts, opens
// the push socket and subscribes to order and trade updates.
func (s *Session) Connect(ctx context.Context, params broker.ConnectParams) error {
	if s.IsConnected() {
		return nil
	}

	var status authStatus
	if err := s.do(ctx, http.MethodPost, "/iserver/auth/status", nil, &status); err != nil {
		return fmt.Errorf("clientportal: auth status: %w", err)
	}
	if !status.Authenticated || !status.Connected {
		return fmt.Errorf("%w: %s", ErrNotAuthenticated, status.Message)
	}

	var accounts accountsResponse
	if err := s.do(ctx, http.MethodGet, "/iserver/accounts", nil, &accounts); err != nil {
		return fmt.Errorf("clientportal: accounts: %w", err)
	}
	account := strings.TrimSpace(params.Account)
	switch {
	case account != "":
	case accounts.SelectedAccount != "":
		account = accounts.SelectedAccount
	case len(accounts.Accounts) > 0:
		account = accounts.Accounts[0]
	}

	// The handshake is bounded by ctx; the websocket library rejects clients
	// with a Timeout.
	wsClient := *s.opts.HTTPClient
	wsClient.Timeout = 0
	conn, _, err := websocket.Dial(ctx, s.opts.WebsocketURL, &websocket.DialOptions{
		HTTPClient: &wsClient,
		HTTPHeader: s.opts.Header,
	})
	if err != nil {
		return fmt.Errorf("clientportal: dial %s: %w", s.opts.WebsocketURL, err)
	}
	conn.SetReadLimit(wsReadLimit)
	for _, topic := range []string{"sor+{}", "str+{}"} {
		if err := writeText(ctx, conn, topic); err != nil {
			_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
			return fmt.Errorf("clientportal: subscribe %s: %w", topic, err)
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	loops := &conc.WaitGroup{}

	s.mu.Lock()
	s.connected = true
	s.accounts = append([]string(nil), accounts.Accounts...)
	s.account = account
	s.conn = conn
	s.cancel = cancel
	s.loops = loops
	s.mu.Unlock()

	loops.Go(func() { s.readLoop(loopCtx, conn) })
	loops.Go(func() { s.tickleLoop(loopCtx) })

	s.logger.Info("gateway session established",
		zap.String("account", account),
		zap.Strings("accounts", accounts.Accounts))
	s.emit(broker.Event{Kind: broker.EventConnected})
	return nil
}

// Disconnect closes the push socket and stops the keepalive loop.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	conn, cancel, loops := s.detachLocked()
	s.mu.Unlock()

	cancel()
	_ = conn.Close(websocket.StatusNormalClosure, "disconnect")
	loops.Wait()
	s.emit(broker.Event{Kind: broker.EventDisconnected})
	return nil
}

func (s *Session) detachLocked() (*websocket.Conn, context.CancelFunc, *conc.WaitGroup) {
	conn, cancel, loops := s.conn, s.cancel, s.loops
	s.connected = false
	s.conn = nil
	s.cancel = nil
	s.loops = nil
	return conn, cancel, loops
}

// lost handles an unsolicited socket failure on conn.
func (s *Session) lost(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if !s.connected || s.conn != conn {
		s.mu.Unlock()
		return
	}
	_, cancel, _ := s.detachLocked()
	s.mu.Unlock()

	cancel()
	_ = conn.Close(websocket.StatusGoingAway, "")
	s.logger.Warn("gateway push socket lost", zap.Error(err))
	s.emit(broker.Event{Kind: broker.EventDisconnected})
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
	return append([]string(nil), s.accounts...)
}

func (s *Session) currentAccount() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return "", ErrNotConnected
	}
	return s.account, nil
}

// ResolveContract searches the security definitions for a US stock.
func (s *Session) ResolveContract(ctx context.Context, symbol string) (broker.Contract, error) {
	symbol = marketdata.NormalizeSymbol(symbol)
	if symbol == "" {
		return broker.Contract{}, errors.New("clientportal: empty symbol")
	}
	if _, err := s.currentAccount(); err != nil {
		return broker.Contract{}, err
	}
	s.mu.Lock()
	conid, cached := s.conids[symbol]
	s.mu.Unlock()
	if cached {
		return stockContract(conid, symbol), nil
	}

	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("secType", "STK")
	var results []secdefResult
	if err := s.do(ctx, http.MethodGet, "/iserver/secdef/search?"+query.Encode(), nil, &results); err != nil {
		return broker.Contract{}, fmt.Errorf("clientportal: search %s: %w", symbol, err)
	}
	for _, r := range results {
		if r.ConID == 0 || !hasStockSection(r) {
			continue
		}
		s.mu.Lock()
		s.conids[symbol] = int64(r.ConID)
		s.mu.Unlock()
		return stockContract(int64(r.ConID), symbol), nil
	}
	return broker.Contract{}, fmt.Errorf("%w: %s", ErrNoContract, symbol)
}

func hasStockSection(r secdefResult) bool {
	if len(r.Sections) == 0 {
		return true
	}
	for _, section := range r.Sections {
		if section.SecType == "STK" {
			return true
		}
	}
	return false
}

func stockContract(conid int64, symbol string) broker.Contract {
	return broker.Contract{ConID: conid, Symbol: symbol, SecType: "STK", Exchange: "SMART", Currency: "USD"}
}

// PlaceOrder submits one order, confirming any precautionary prompts.
func (s *Session) PlaceOrder(ctx context.Context, contract broker.Contract, ticket broker.OrderTicket) (broker.OrderAck, error) {
	account, err := s.currentAccount()
	if err != nil {
		return broker.OrderAck{}, err
	}
	tif := ticket.TIF
	if tif == "" {
		tif = "DAY"
	}
	order := orderRequest{
		AccountID: account,
		ConID:     contract.ConID,
		OrderType: string(ticket.Kind),
		Side:      string(ticket.Side),
		Quantity:  amount(ticket.Quantity),
		TIF:       tif,
		ClientID:  ticket.Reference,
	}
	if ticket.Kind == broker.KindLimit {
		price := amount(ticket.LimitPrice)
		order.Price = &price
	}

	var replies []orderReply
	path := "/iserver/account/" + url.PathEscape(account) + "/orders"
	if err := s.do(ctx, http.MethodPost, path, ordersRequest{Orders: []orderRequest{order}}, &replies); err != nil {
		return broker.OrderAck{}, fmt.Errorf("clientportal: place order: %w", err)
	}
	for range maxReplyConfirmations {
		if len(replies) == 0 {
			return broker.OrderAck{}, fmt.Errorf("%w: empty response", ErrOrderRejected)
		}
		reply := replies[0]
		switch {
		case reply.Error != "":
			return broker.OrderAck{}, fmt.Errorf("%w: %s", ErrOrderRejected, reply.Error)
		case reply.OrderID != 0:
			return broker.OrderAck{OrderID: int64(reply.OrderID), Status: broker.OrderStatus(reply.OrderStatus)}, nil
		case reply.ID != "":
			s.logger.Info("confirming order prompt", zap.String("replyId", reply.ID), zap.Strings("message", reply.Message))
			replies = nil
			if err := s.do(ctx, http.MethodPost, "/iserver/reply/"+url.PathEscape(reply.ID), replyRequest{Confirmed: true}, &replies); err != nil {
				return broker.OrderAck{}, fmt.Errorf("clientportal: confirm order: %w", err)
			}
		default:
			return broker.OrderAck{}, fmt.Errorf("%w: unrecognised response", ErrOrderRejected)
		}
	}
	return broker.OrderAck{}, fmt.Errorf("%w: too many confirmation prompts", ErrOrderRejected)
}

// CancelOrder implements broker.Session.
func (s *Session) CancelOrder(ctx context.Context, orderID int64) error {
	account, err := s.currentAccount()
	if err != nil {
		return err
	}
	path := "/iserver/account/" + url.PathEscape(account) + "/order/" + strconv.FormatInt(orderID, 10)
	if err := s.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("clientportal: cancel order %d: %w", orderID, err)
	}
	return nil
}

// Positions implements broker.Session.
func (s *Session) Positions(ctx context.Context) ([]broker.Position, error) {
	account, err := s.currentAccount()
	if err != nil {
		return nil, err
	}
	var rows []positionResponse
	if err := s.do(ctx, http.MethodGet, "/portfolio/"+url.PathEscape(account)+"/positions/0", nil, &rows); err != nil {
		return nil, fmt.Errorf("clientportal: positions: %w", err)
	}
	out := make([]broker.Position, 0, len(rows))
	for _, row := range rows {
		if row.Position.dec().IsZero() {
			continue
		}
		pos := row.position()
		if pos.Account == "" {
			pos.Account = account
		}
		out = append(out, pos)
	}
	return out, nil
}

// AccountSummary implements broker.Session.
func (s *Session) AccountSummary(ctx context.Context, account string) (broker.AccountSummary, error) {
	current, err := s.currentAccount()
	if err != nil {
		return broker.AccountSummary{}, err
	}
	if account == "" {
		account = current
	}
	var fields map[string]summaryField
	if err := s.do(ctx, http.MethodGet, "/portfolio/"+url.PathEscape(account)+"/summary", nil, &fields); err != nil {
		return broker.AccountSummary{}, fmt.Errorf("clientportal: account summary: %w", err)
	}
	return broker.AccountSummary{
		Account:         account,
		Currency:        fields["netliquidation"].Currency,
		NetLiquidation:  fields["netliquidation"].value(),
		TotalCash:       fields["totalcashvalue"].value(),
		BuyingPower:     fields["buyingpower"].value(),
		AvailableFunds:  fields["availablefunds"].value(),
		ExcessLiquidity: fields["excessliquidity"].value(),
		RealizedPnL:     fields["realizedpnl"].value(),
		UnrealizedPnL:   fields["unrealizedpnl"].value(),
		UpdatedAt:       s.opts.Clock(),
	}, nil
}

// Executions returns trades from the gateway's rolling history, which covers
// at most the last seven days.
func (s *Session) Executions(ctx context.Context, filter broker.ExecutionFilter) ([]broker.Execution, error) {
	if _, err := s.currentAccount(); err != nil {
		return nil, err
	}
	days := defaultTradeDays
	if !filter.Since.IsZero() {
		days = int(s.opts.Clock().Sub(filter.Since)/(24*time.Hour)) + 1
		days = max(1, min(days, defaultTradeDays))
	}
	var trades []tradeMessage
	if err := s.do(ctx, http.MethodGet, "/iserver/account/trades?days="+strconv.Itoa(days), nil, &trades); err != nil {
		return nil, fmt.Errorf("clientportal: trades: %w", err)
	}
	symbol := marketdata.NormalizeSymbol(filter.Symbol)
	out := make([]broker.Execution, 0, len(trades))
	for _, t := range trades {
		exec, ok := t.execution()
		if !ok {
			continue
		}
		exec.Symbol = marketdata.NormalizeSymbol(exec.Symbol)
		if !filter.Since.IsZero() && exec.Time.Before(filter.Since) {
			continue
		}
		if symbol != "" && exec.Symbol != symbol {
			continue
		}
		out = append(out, exec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

// SubscribeMarketData starts streaming last price updates for symbol.
func (s *Session) SubscribeMarketData(ctx context.Context, symbol string) error {
	contract, err := s.ResolveContract(ctx, symbol)
	if err != nil {
		return err
	}
	return s.send(ctx, "smd+"+strconv.FormatInt(contract.ConID, 10)+`+{"fields":["31","84","86"]}`)
}

// UnsubscribeMarketData stops streaming symbol.
func (s *Session) UnsubscribeMarketData(ctx context.Context, symbol string) error {
	symbol = marketdata.NormalizeSymbol(symbol)
	s.mu.Lock()
	conid, ok := s.conids[symbol]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.send(ctx, "umd+"+strconv.FormatInt(conid, 10)+"+{}")
}

func (s *Session) send(ctx context.Context, msg string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return writeText(ctx, conn, msg)
}

func writeText(ctx context.Context, conn *websocket.Conn, msg string) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, []byte(msg))
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

// tickleLoop keeps the gateway's brokerage session alive.
func (s *Session) tickleLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.TickleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.do(ctx, http.MethodPost, "/tickle", nil, nil); err != nil && ctx.Err() == nil {
				s.logger.Warn("gateway tickle failed", zap.Error(err))
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if status := websocket.CloseStatus(err); status != -1 {
				err = fmt.Errorf("remote closed with status %d", status)
			}
			s.lost(conn, err)
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		s.handleMessage(data)
	}
}

func (s *Session) handleMessage(data []byte) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Debug("ignoring undecodable push", zap.Error(err))
		return
	}
	switch msg.Topic {
	case "sor":
		var orders []orderMessage
		if err := json.Unmarshal(msg.Args, &orders); err != nil {
			s.emit(broker.Event{Kind: broker.EventError, Err: fmt.Errorf("clientportal: decode sor: %w", err)})
			return
		}
		for _, o := range orders {
			if o.OrderID == 0 || o.Status == "" {
				continue
			}
			s.emit(broker.Event{Kind: broker.EventOrderStatus, Status: &broker.OrderStatusUpdate{
				OrderID: int64(o.OrderID),
				Status:  broker.OrderStatus(o.Status),
			}})
		}
	case "str":
		var trades []tradeMessage
		if err := json.Unmarshal(msg.Args, &trades); err != nil {
			s.emit(broker.Event{Kind: broker.EventError, Err: fmt.Errorf("clientportal: decode str: %w", err)})
			return
		}
		for _, t := range trades {
			exec, ok := t.execution()
			if !ok {
				continue
			}
			exec.Symbol = marketdata.NormalizeSymbol(exec.Symbol)
			s.emit(broker.Event{Kind: broker.EventExecution, Execution: &exec})
		}
	}
}

func (s *Session) emit(evt broker.Event) {
	select {
	case s.events <- evt:
	case <-s.done:
	}
}

// dispatch delivers events one at a time in emit order.
func (s *Session) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case evt := <-s.events:
			s.mu.Lock()
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
			s.logger.Error("event handler panicked", zap.Any("panic", r))
		}
	}()
	h(evt)
}
