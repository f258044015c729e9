// Package account serves balance and position reads over the shared session.
package account

import (
	"context"

	"go.uber.org/zap"

	"github.com/coachpo/brokerlink/errs"
	"github.com/coachpo/brokerlink/internal/domain/broker"
)

const component = "account"

// Connection is the view of the connection manager the service needs.
type Connection interface {
	IsConnected() bool
	Session() broker.Session
	ManagedAccounts() []string
}

// Service reads account state from the broker.
type Service struct {
	conn    Connection
	account string
	logger  *zap.Logger
}

// NewService builds a service. An empty account selects the first managed
// account reported at connect time.
func NewService(conn Connection, account string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{conn: conn, account: account, logger: logger.Named(component)}
}

// Account returns the account id used for summary queries.
func (s *Service) Account() string {
	if s.account != "" {
		return s.account
	}
	if accounts := s.conn.ManagedAccounts(); len(accounts) > 0 {
		return accounts[0]
	}
	return ""
}

// Balance returns the account summary.
func (s *Service) Balance(ctx context.Context) (broker.AccountSummary, error) {
	if !s.conn.IsConnected() {
		return broker.AccountSummary{}, errs.NotConnected(component)
	}
	account := s.Account()
	summary, err := s.conn.Session().AccountSummary(ctx, account)
	if err != nil {
		s.logger.Warn("account summary failed", zap.String("account", account), zap.Error(err))
		return broker.AccountSummary{}, errs.New(component, errs.CodeBroker,
			errs.WithMessage("account summary"), errs.WithField("account", account), errs.WithCause(err))
	}
	return summary, nil
}

// Positions returns open positions. A configured account filters the result.
func (s *Service) Positions(ctx context.Context) ([]broker.Position, error) {
	if !s.conn.IsConnected() {
		return nil, errs.NotConnected(component)
	}
	positions, err := s.conn.Session().Positions(ctx)
	if err != nil {
		s.logger.Warn("positions failed", zap.Error(err))
		return nil, errs.New(component, errs.CodeBroker, errs.WithMessage("positions"), errs.WithCause(err))
	}
	out := make([]broker.Position, 0, len(positions))
	for _, p := range positions {
		if s.account != "" && p.Account != "" && p.Account != s.account {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}
