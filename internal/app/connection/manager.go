// Package connection supervises the single broker session shared by order
// execution, reconciliation and account reads.
package connection

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/coachpo/brokerlink/errs"
	"github.com/coachpo/brokerlink/internal/domain/broker"
	"github.com/coachpo/brokerlink/internal/infra/telemetry"
)

const (
	// DefaultTimeout bounds a single connect handshake.
	DefaultTimeout = 30 * time.Second
	// DefaultRetries is the attempt budget used by Reconnect and auto-reconnect.
	DefaultRetries = 3

	component = "connection"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(m *Manager) {
		if provider != nil {
			m.meterProvider = provider
		}
	}
}

// WithConnectParams sets the endpoint and identity used for every attempt.
func WithConnectParams(params broker.ConnectParams) Option {
	return func(m *Manager) {
		m.params = params
	}
}

// WithRetryStep changes the linear backoff increment (step * attempt).
func WithRetryStep(step time.Duration) Option {
	return func(m *Manager) {
		if step >= 0 {
			m.retryStep = step
		}
	}
}

// WithRetries sets the attempt budget for Reconnect and auto-reconnect.
func WithRetries(retries int) Option {
	return func(m *Manager) {
		if retries > 0 {
			m.retries = retries
		}
	}
}

// WithAutoReconnect re-establishes the session in the background after an
// unsolicited drop, once disconnect handlers have run.
func WithAutoReconnect(enabled bool) Option {
	return func(m *Manager) {
		m.autoReconnect = enabled
	}
}

type disconnectHandler struct {
	id int
	fn func()
}

// Manager owns the lifecycle of one broker.Session. State transitions are the
// only mutator of the connection state; dependents read it through IsConnected.
type Manager struct {
	session       broker.Session
	params        broker.ConnectParams
	logger        *zap.Logger
	meterProvider metric.MeterProvider
	metrics       *managerMetrics
	retryStep     time.Duration
	retries       int
	autoReconnect bool

	// connectMu serializes Connect and Reconnect.
	connectMu sync.Mutex

	mu          sync.Mutex
	state       broker.ConnectionState
	accounts    []string
	lastErr     error
	handlers    []disconnectHandler
	nextHandler int
	unsubscribe func()
	closed      bool

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       conc.WaitGroup
}

// NewManager wraps session. The session is not contacted until Connect.
func NewManager(session broker.Session, opts ...Option) *Manager {
	m := &Manager{
		session:   session,
		logger:    zap.NewNop(),
		retryStep: DefaultRetryStep,
		retries:   DefaultRetries,
		state:     broker.StateDisconnected,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.meterProvider == nil {
		m.meterProvider = otel.GetMeterProvider()
	}
	m.logger = m.logger.Named(component)
	m.metrics = newManagerMetrics(m.meterProvider)
	m.bgCtx, m.bgCancel = context.WithCancel(context.Background())
	return m
}

// Session returns the supervised session for dependents. Callers must check
// IsConnected before use and must not retry on their own.
func (m *Manager) Session() broker.Session {
	return m.session
}

// Connect attempts the handshake up to retryCount times, waiting
// step*attempt between failures. It never returns an error: on exhaustion the
// state is Failed, false is returned and LastError describes the final cause.
// A non-positive timeout selects DefaultTimeout; retryCount below one is
// treated as one.
func (m *Manager) Connect(ctx context.Context, timeout time.Duration, retryCount int) bool {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	if m.IsConnected() {
		return true
	}
	return m.connectLocked(ctx, timeout, retryCount, broker.StateConnecting)
}

func (m *Manager) connectLocked(ctx context.Context, timeout time.Duration, retryCount int, during broker.ConnectionState) bool {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if retryCount < 1 {
		retryCount = 1
	}
	if ctx == nil {
		ctx = context.Background()
	}
	params := m.params
	params.Timeout = timeout

	m.setState(ctx, during)
	start := time.Now()

	var b backoff.BackOff = newLinearBackOff(m.retryStep)
	b.Reset()
	var lastErr error
retry:
	for attempt := 1; attempt <= retryCount; attempt++ {
		err := m.attempt(ctx, params, timeout)
		if err == nil {
			m.onConnected(ctx, attempt)
			m.metrics.recordConnectDuration(ctx, start, telemetry.ResultSuccess)
			return true
		}
		lastErr = err
		m.metrics.recordAttempt(ctx, telemetry.ResultError)
		m.logger.Warn("broker connect attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("of", retryCount),
			zap.String("host", params.Host),
			zap.Int("port", params.Port),
			zap.Error(err))

		if attempt == retryCount {
			break
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			break retry
		case <-time.After(wait):
		}
	}

	m.mu.Lock()
	m.lastErr = errs.New(component, errs.CodeConnectionFailed,
		errs.WithMessage("unable to connect to broker after "+strconv.Itoa(retryCount)+" attempt(s)"),
		errs.WithRemediation("verify the gateway is running and the API port accepts connections"),
		errs.WithField("host", params.Host),
		errs.WithField("port", strconv.Itoa(params.Port)),
		errs.WithCause(lastErr))
	m.mu.Unlock()
	m.setState(ctx, broker.StateFailed)
	m.metrics.recordConnectDuration(ctx, start, telemetry.ResultError)
	m.logger.Error("broker connect exhausted retries", zap.Int("attempts", retryCount), zap.Error(lastErr))
	return false
}

// attempt runs one handshake. Panics raised by a session are converted into
// failed attempts.
func (m *Manager) attempt(ctx context.Context, params broker.ConnectParams, timeout time.Duration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.New(component, errs.CodeBroker, errs.WithMessage("session panicked during connect"),
				errs.WithField("panic", fmt.Sprint(r)))
		}
	}()
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := m.session.Connect(attemptCtx, params); err != nil {
		return err
	}
	if !m.session.IsConnected() {
		return errors.New("session reported success but is not connected")
	}
	return nil
}

func (m *Manager) onConnected(ctx context.Context, attempt int) {
	accounts := m.session.ManagedAccounts()

	m.mu.Lock()
	m.accounts = append([]string(nil), accounts...)
	m.lastErr = nil
	if m.unsubscribe == nil {
		m.unsubscribe = m.session.Subscribe(m.handleEvent)
	}
	m.mu.Unlock()

	m.setState(ctx, broker.StateConnected)
	m.metrics.recordAttempt(ctx, telemetry.ResultSuccess)
	m.logger.Info("broker connected",
		zap.Int("attempt", attempt),
		zap.Strings("accounts", accounts),
		zap.Bool("paper", m.params.Paper))
}

// IsConnected reports whether the local state is Connected and the session
// agrees.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	return state == broker.StateConnected && m.session.IsConnected()
}

// State returns the current connection state.
func (m *Manager) State() broker.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ManagedAccounts returns the accounts reported by the last successful connect.
func (m *Manager) ManagedAccounts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.accounts...)
}

// LastError describes why the last Connect failed, or nil.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Disconnect closes the session. It is a no-op when already disconnected and
// does not notify disconnect handlers.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == broker.StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.state = broker.StateDisconnected
	m.mu.Unlock()
	m.metrics.recordTransition(context.Background(), broker.StateDisconnected)

	if err := m.session.Disconnect(); err != nil {
		m.logger.Warn("broker disconnect returned error", zap.Error(err))
	}
	m.logger.Info("broker disconnected")
}

// Reconnect disconnects and connects again with the configured retry budget.
// Subscribers must capture and restore their own state around it.
func (m *Manager) Reconnect(ctx context.Context, timeout time.Duration) bool {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return false
	}

	m.setState(ctx, broker.StateReconnecting)
	if err := m.session.Disconnect(); err != nil {
		m.logger.Debug("disconnect before reconnect", zap.Error(err))
	}
	return m.connectLocked(ctx, timeout, m.retries, broker.StateReconnecting)
}

// OnDisconnect registers fn to run after an unsolicited drop. Handlers run in
// registration order on the session's event goroutine. The returned function
// removes the registration.
func (m *Manager) OnDisconnect(fn func()) func() {
	if fn == nil {
		return func() {}
	}
	m.mu.Lock()
	id := m.nextHandler
	m.nextHandler++
	m.handlers = append(m.handlers, disconnectHandler{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, h := range m.handlers {
			if h.id == id {
				m.handlers = append(m.handlers[:i], m.handlers[i+1:]...)
				return
			}
		}
	}
}

// Close disconnects, removes the session subscription and waits for any
// background reconnect to finish.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.bgCancel()
	m.bg.Wait()

	m.Disconnect()

	m.mu.Lock()
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (m *Manager) handleEvent(evt broker.Event) {
	switch evt.Kind {
	case broker.EventDisconnected:
		m.handleDrop()
	case broker.EventError:
		if evt.Err != nil {
			m.logger.Warn("broker session error", zap.Error(evt.Err))
		}
	}
}

// handleDrop treats a Disconnected event as a drop only while the session is
// down. Events queued by Disconnect or Reconnect can arrive after a newer
// connect has succeeded.
func (m *Manager) handleDrop() {
	if m.session.IsConnected() {
		m.logger.Debug("ignoring disconnect event from a superseded connection")
		return
	}
	m.mu.Lock()
	if m.state != broker.StateConnected {
		m.mu.Unlock()
		return
	}
	m.state = broker.StateDisconnected
	handlers := make([]func(), 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h.fn)
	}
	auto := m.autoReconnect && !m.closed
	m.mu.Unlock()

	ctx := context.Background()
	m.metrics.recordTransition(ctx, broker.StateDisconnected)
	m.metrics.recordDrop(ctx)
	m.logger.Warn("broker session dropped", zap.Int("handlers", len(handlers)), zap.Bool("autoReconnect", auto))

	for _, fn := range handlers {
		m.runHandler(fn)
	}

	if auto {
		m.bg.Go(func() {
			if m.bgCtx.Err() != nil {
				return
			}
			if m.Reconnect(m.bgCtx, m.params.Timeout) {
				m.logger.Info("broker auto-reconnect succeeded")
				return
			}
			m.logger.Error("broker auto-reconnect failed", zap.Error(m.LastError()))
		})
	}
}

func (m *Manager) runHandler(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("disconnect handler panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

func (m *Manager) setState(ctx context.Context, state broker.ConnectionState) {
	m.mu.Lock()
	changed := m.state != state
	m.state = state
	m.mu.Unlock()
	if changed {
		m.metrics.recordTransition(ctx, state)
	}
}
