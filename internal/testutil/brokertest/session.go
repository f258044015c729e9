// Package brokertest provides a scripted broker.Session for package tests.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/coachpo/brokerlink/internal/domain/broker"
)

// ErrConnectRefused is returned by scripted connect failures.
var ErrConnectRefused = errors.New("brokertest: connection refused")

// Session is an in-memory broker.Session whose behaviour is scripted by tests.
// Events are delivered synchronously on the caller's goroutine by Emit.
type Session struct {
	mu sync.Mutex

	// ConnectFailures makes the first N Connect calls fail.
	ConnectFailures int
	// Accounts is returned by ManagedAccounts after a successful connect.
	Accounts []string
	// AckStatus is the status returned for placed orders (default Submitted).
	AckStatus broker.OrderStatus
	// PlaceErr, CancelErr, ExecErr and ReadErr force failures of the matching calls.
	PlaceErr  error
	CancelErr error
	ExecErr   error
	ReadErr   error
	// ExecutionHistory is returned by Executions.
	ExecutionHistory []broker.Execution
	// Holdings and Summary back the account reads.
	Holdings []broker.Position
	Summary  broker.AccountSummary

	connected    bool
	connectCalls int
	lastParams   broker.ConnectParams
	nextOrderID  int64
	placed       []PlacedOrder
	cancelled    []int64
	handlers     map[int]broker.EventHandler
	nextHandler  int
}

// PlacedOrder records one PlaceOrder invocation.
type PlacedOrder struct {
	OrderID  int64
	Contract broker.Contract
	Ticket   broker.OrderTicket
}

// New returns a session that connects on the first attempt.
func New() *Session {
	return &Session{
		Accounts:    []string{"DU1234567"},
		AckStatus:   broker.StatusSubmitted,
		nextOrderID: 1,
		handlers:    make(map[int]broker.EventHandler),
	}
}

// Connect implements broker.Session.
func (s *Session) Connect(ctx context.Context, params broker.ConnectParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.connectCalls++
	s.lastParams = params
	if s.ConnectFailures > 0 {
		s.ConnectFailures--
		s.mu.Unlock()
		return ErrConnectRefused
	}
	s.connected = true
	s.mu.Unlock()
	s.Emit(broker.Event{Kind: broker.EventConnected})
	return nil
}

// Disconnect implements broker.Session. Like real SDKs it emits a disconnect event.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	was := s.connected
	s.connected = false
	s.mu.Unlock()
	if was {
		s.Emit(broker.Event{Kind: broker.EventDisconnected})
	}
	return nil
}

// Drop simulates a network drop.
func (s *Session) Drop() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	s.Emit(broker.Event{Kind: broker.EventDisconnected})
}

// SetConnected flips the probe without emitting events.
func (s *Session) SetConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
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
	return append([]string(nil), s.Accounts...)
}

// ResolveContract implements broker.Session.
func (s *Session) ResolveContract(ctx context.Context, symbol string) (broker.Contract, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return broker.Contract{}, errors.New("brokertest: empty symbol")
	}
	return broker.Contract{ConID: int64(len(symbol)) * 1000, Symbol: symbol, SecType: "STK", Exchange: "SMART", Currency: "USD"}, nil
}

// PlaceOrder implements broker.Session.
func (s *Session) PlaceOrder(ctx context.Context, contract broker.Contract, ticket broker.OrderTicket) (broker.OrderAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PlaceErr != nil {
		return broker.OrderAck{}, s.PlaceErr
	}
	id := s.nextOrderID
	s.nextOrderID++
	s.placed = append(s.placed, PlacedOrder{OrderID: id, Contract: contract, Ticket: ticket})
	return broker.OrderAck{OrderID: id, Status: s.AckStatus}, nil
}

// CancelOrder implements broker.Session.
func (s *Session) CancelOrder(ctx context.Context, orderID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CancelErr != nil {
		return s.CancelErr
	}
	s.cancelled = append(s.cancelled, orderID)
	return nil
}

// Positions implements broker.Session.
func (s *Session) Positions(ctx context.Context) ([]broker.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ReadErr != nil {
		return nil, s.ReadErr
	}
	return append([]broker.Position(nil), s.Holdings...), nil
}

// AccountSummary implements broker.Session.
func (s *Session) AccountSummary(ctx context.Context, account string) (broker.AccountSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ReadErr != nil {
		return broker.AccountSummary{}, s.ReadErr
	}
	out := s.Summary
	if out.Account == "" {
		out.Account = account
	}
	return out, nil
}

// Executions implements broker.Session.
func (s *Session) Executions(ctx context.Context, filter broker.ExecutionFilter) ([]broker.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ExecErr != nil {
		return nil, fmt.Errorf("brokertest: executions: %w", s.ExecErr)
	}
	out := make([]broker.Execution, 0, len(s.ExecutionHistory))
	for _, exec := range s.ExecutionHistory {
		if !filter.Since.IsZero() && exec.Time.Before(filter.Since) {
			continue
		}
		if filter.Symbol != "" && !strings.EqualFold(filter.Symbol, exec.Symbol) {
			continue
		}
		out = append(out, exec)
	}
	return out, nil
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

// Emit delivers evt to every subscribed handler in subscription order.
func (s *Session) Emit(evt broker.Event) {
	s.mu.Lock()
	ids := make([]int, 0, len(s.handlers))
	for id := range s.handlers {
		ids = append(ids, id)
	}
	handlers := make([]broker.EventHandler, 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		handlers = append(handlers, s.handlers[id])
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(evt)
	}
}

// ConnectCalls returns the number of Connect invocations.
func (s *Session) ConnectCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectCalls
}

// LastParams returns the parameters of the most recent Connect call.
func (s *Session) LastParams() broker.ConnectParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastParams
}

// Placed returns the recorded order placements.
func (s *Session) Placed() []PlacedOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PlacedOrder(nil), s.placed...)
}

// Cancelled returns the order ids passed to CancelOrder.
func (s *Session) Cancelled() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.cancelled...)
}

// SubscriberCount returns the number of live subscriptions.
func (s *Session) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}
