package marketdata

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// Subscriber is the market data capability of a broker session.
type Subscriber interface {
	SubscribeMarketData(ctx context.Context, symbol string) error
	UnsubscribeMarketData(ctx context.Context, symbol string) error
}

// DisconnectNotifier is implemented by the connection manager.
type DisconnectNotifier interface {
	OnDisconnect(fn func()) (unregister func())
}

// LiveFeed tracks the symbols streamed from the broker. Subscription state
// lives on the session, so a dropped session clears the active set; the
// symbols are retained for Restore after reconnecting.
type LiveFeed struct {
	mu         sync.Mutex
	active     map[string]struct{}
	order      []string
	lost       []string
	subscriber Subscriber
	logger     *zap.Logger
	detach     func()
}

// NewLiveFeed creates a feed over subscriber.
func NewLiveFeed(subscriber Subscriber, logger *zap.Logger) *LiveFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LiveFeed{
		active:     make(map[string]struct{}),
		subscriber: subscriber,
		logger:     logger.Named("livefeed"),
	}
}

// Attach clears subscription state whenever notifier reports a drop.
func (f *LiveFeed) Attach(notifier DisconnectNotifier) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.detach != nil {
		f.detach()
	}
	f.detach = notifier.OnDisconnect(f.HandleDisconnect)
}

// Detach stops listening for drops.
func (f *LiveFeed) Detach() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.detach != nil {
		f.detach()
		f.detach = nil
	}
}

// Activate subscribes symbol. Already active symbols are a no-op.
func (f *LiveFeed) Activate(ctx context.Context, symbol string) error {
	symbol = NormalizeSymbol(symbol)
	if symbol == "" {
		return fmt.Errorf("marketdata: empty symbol")
	}
	f.mu.Lock()
	_, ok := f.active[symbol]
	f.mu.Unlock()
	if ok {
		return nil
	}
	if f.subscriber != nil {
		if err := f.subscriber.SubscribeMarketData(ctx, symbol); err != nil {
			return fmt.Errorf("subscribe %s: %w", symbol, err)
		}
	}
	f.mu.Lock()
	if _, ok := f.active[symbol]; !ok {
		f.active[symbol] = struct{}{}
		f.order = append(f.order, symbol)
	}
	f.mu.Unlock()
	return nil
}

// Deactivate unsubscribes symbol and forgets it.
func (f *LiveFeed) Deactivate(ctx context.Context, symbol string) error {
	symbol = NormalizeSymbol(symbol)
	f.mu.Lock()
	_, ok := f.active[symbol]
	f.mu.Unlock()
	if !ok {
		f.forgetLost(symbol)
		return nil
	}
	if f.subscriber != nil {
		if err := f.subscriber.UnsubscribeMarketData(ctx, symbol); err != nil {
			return fmt.Errorf("unsubscribe %s: %w", symbol, err)
		}
	}
	f.mu.Lock()
	delete(f.active, symbol)
	f.order = slices.DeleteFunc(f.order, func(v string) bool { return v == symbol })
	f.mu.Unlock()
	return nil
}

// Active returns the subscribed symbols in activation order.
func (f *LiveFeed) Active() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

// Lost returns the symbols cleared by the last drop and not yet restored.
func (f *LiveFeed) Lost() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lost...)
}

// HandleDisconnect clears the active set and remembers it for Restore.
func (f *LiveFeed) HandleDisconnect() {
	f.mu.Lock()
	for _, s := range f.order {
		if !slices.Contains(f.lost, s) {
			f.lost = append(f.lost, s)
		}
	}
	cleared := len(f.order)
	f.active = make(map[string]struct{})
	f.order = nil
	f.mu.Unlock()
	f.logger.Info("market data subscriptions cleared", zap.Int("symbols", cleared))
}

// Restore resubscribes symbols lost to a drop. Symbols that fail stay in the
// lost set and the first error is returned.
func (f *LiveFeed) Restore(ctx context.Context) error {
	f.mu.Lock()
	pending := f.lost
	f.lost = nil
	f.mu.Unlock()

	var firstErr error
	var failed []string
	for _, symbol := range pending {
		if err := f.Activate(ctx, symbol); err != nil {
			failed = append(failed, symbol)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if len(failed) > 0 {
		f.mu.Lock()
		f.lost = append(failed, f.lost...)
		f.mu.Unlock()
	}
	f.logger.Info("market data subscriptions restored", zap.Int("symbols", len(pending)-len(failed)), zap.Int("failed", len(failed)))
	return firstErr
}

func (f *LiveFeed) forgetLost(symbol string) {
	f.mu.Lock()
	f.lost = slices.DeleteFunc(f.lost, func(v string) bool { return v == symbol })
	f.mu.Unlock()
}
