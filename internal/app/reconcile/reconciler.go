// Package reconcile compares broker-reported fills with the local order log for
// a trading date and classifies every divergence.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/coachpo/brokerlink/errs"
	"github.com/coachpo/brokerlink/internal/domain/broker"
	"github.com/coachpo/brokerlink/internal/domain/trade"
	"github.com/coachpo/brokerlink/internal/marketdata"
)

const component = "reconcile"

// DefaultTolerance is the default price and commission tolerance.
var DefaultTolerance = decimal.RequireFromString("0.01")

// Connection is the view of the connection manager the reconciler needs.
type Connection interface {
	IsConnected() bool
	Session() broker.Session
}

// LocalSource supplies locally recorded fills for a date.
type LocalSource interface {
	LocalFills(ctx context.Context, day time.Time, loc *time.Location) ([]trade.LocalFill, error)
}

// ReportSink persists finished reports. Sink failures are logged and do not
// fail the run.
type ReportSink interface {
	SaveReport(ctx context.Context, report Report) error
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLocalSource attaches the local fill log.
func WithLocalSource(source LocalSource) Option {
	return func(r *Reconciler) { r.local = source }
}

// WithReportSink persists every produced report.
func WithReportSink(sink ReportSink) Option {
	return func(r *Reconciler) { r.sink = sink }
}

// WithTolerances overrides the price and commission tolerances. Negative
// values are ignored.
func WithTolerances(price, commission decimal.Decimal) Option {
	return func(r *Reconciler) {
		if !price.IsNegative() {
			r.priceTolerance = price
		}
		if !commission.IsNegative() {
			r.commissionTolerance = commission
		}
	}
}

// WithLocation sets the timezone defining a trading date.
func WithLocation(loc *time.Location) Option {
	return func(r *Reconciler) {
		if loc != nil {
			r.loc = loc
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(r *Reconciler) {
		if provider != nil {
			r.meterProvider = provider
		}
	}
}

// Reconciler runs reconciliations. Concurrent runs are memory safe but not
// serialized.
type Reconciler struct {
	conn                Connection
	local               LocalSource
	sink                ReportSink
	priceTolerance      decimal.Decimal
	commissionTolerance decimal.Decimal
	loc                 *time.Location
	now                 func() time.Time
	logger              *zap.Logger
	meterProvider       metric.MeterProvider
	metrics             *reconcileMetrics
}

// NewReconciler builds a reconciler over conn. The default location is
// America/New_York, falling back to UTC when tzdata is unavailable.
func NewReconciler(conn Connection, opts ...Option) *Reconciler {
	loc, err := marketdata.LoadLocation("")
	if err != nil {
		loc = time.UTC
	}
	r := &Reconciler{
		conn:                conn,
		priceTolerance:      DefaultTolerance,
		commissionTolerance: DefaultTolerance,
		loc:                 loc,
		now:                 time.Now,
		logger:              zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.meterProvider == nil {
		r.meterProvider = otel.GetMeterProvider()
	}
	r.logger = r.logger.Named(component)
	r.metrics = newReconcileMetrics(r.meterProvider)
	return r
}

// Location returns the timezone defining trading dates.
func (r *Reconciler) Location() *time.Location { return r.loc }

// FetchBrokerFills returns broker executions whose timestamp falls on date.
func (r *Reconciler) FetchBrokerFills(ctx context.Context, date time.Time) ([]trade.BrokerFill, error) {
	if r.conn == nil || !r.conn.IsConnected() {
		return nil, errs.NotConnected(component)
	}
	day := marketdata.TradingDay(date, r.loc)
	execs, err := r.conn.Session().Executions(ctx, broker.ExecutionFilter{Since: day})
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	out := make([]trade.BrokerFill, 0, len(execs))
	for _, exec := range execs {
		f := trade.FillFromExecution(exec)
		if !f.OnDate(day, r.loc) {
			continue
		}
		out = append(out, trade.BrokerFill{Fill: f})
	}
	return out, nil
}

// FetchLocalFills returns local fills for date; without a source it returns
// an empty slice.
func (r *Reconciler) FetchLocalFills(ctx context.Context, date time.Time) ([]trade.LocalFill, error) {
	if r.local == nil {
		return []trade.LocalFill{}, nil
	}
	day := marketdata.TradingDay(date, r.loc)
	fills, err := r.local.LocalFills(ctx, day, r.loc)
	if err != nil {
		return nil, fmt.Errorf("read local fills: %w", err)
	}
	if fills == nil {
		fills = []trade.LocalFill{}
	}
	return fills, nil
}

// ReconcileToday reconciles the current date in the reconciler location.
func (r *Reconciler) ReconcileToday(ctx context.Context) (Report, error) {
	return r.Reconcile(ctx, r.now().In(r.loc))
}

// Reconcile fetches both fill sets for date and classifies differences. A
// fetch failure aborts the run with a reconciliation_fetch error wrapping the
// cause; no partial report is produced.
func (r *Reconciler) Reconcile(ctx context.Context, date time.Time) (Report, error) {
	start := time.Now()
	day := marketdata.TradingDay(date, r.loc)

	var (
		brokerFills []trade.BrokerFill
		localFills  []trade.LocalFill
	)
	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	p.Go(func(ctx context.Context) error {
		fills, err := r.FetchBrokerFills(ctx, day)
		if err != nil {
			return fetchError("ibkr", day, err)
		}
		brokerFills = fills
		return nil
	})
	p.Go(func(ctx context.Context) error {
		fills, err := r.FetchLocalFills(ctx, day)
		if err != nil {
			return fetchError("local", day, err)
		}
		localFills = fills
		return nil
	})
	if err := p.Wait(); err != nil {
		r.metrics.recordRun(ctx, start, err)
		r.logger.Error("reconciliation fetch failed", zap.String("date", day.Format(dateLayout)), zap.Error(err))
		return Report{}, err
	}

	report := Report{
		id:          uuid.New(),
		date:        day,
		brokerFills: brokerFills,
		localFills:  localFills,
		generatedAt: r.now(),
	}
	report.matched, report.discrepancies = r.compare(brokerFills, localFills)

	r.metrics.recordRun(ctx, start, nil)
	r.metrics.recordDiscrepancies(ctx, report.discrepancies)
	summary := report.Summary()
	r.logger.Info("reconciliation complete",
		zap.String("reportId", report.id.String()),
		zap.String("date", day.Format(dateLayout)),
		zap.Int("ibkrFills", summary.TotalIBKRFills),
		zap.Int("localFills", summary.TotalLocalFills),
		zap.Int("matched", summary.MatchedOrders),
		zap.Int("discrepancies", summary.TotalDiscrepancies))

	if r.sink != nil {
		if err := r.sink.SaveReport(ctx, report); err != nil {
			r.logger.Warn("persist reconciliation report failed", zap.String("reportId", report.id.String()), zap.Error(err))
		}
	}
	return report, nil
}

func fetchError(side string, day time.Time, err error) error {
	return errs.New(component, errs.CodeReconciliationFetch,
		errs.WithMessage("fetch "+side+" fills"),
		errs.WithField("side", side),
		errs.WithField("date", day.Format(dateLayout)),
		errs.WithCause(err))
}

type orderGroup struct {
	symbol string
	fills  []trade.Fill
}

func group(fills []trade.Fill) (map[int64]*orderGroup, []int64) {
	groups := make(map[int64]*orderGroup)
	var order []int64
	for _, f := range fills {
		g, ok := groups[f.OrderID]
		if !ok {
			g = &orderGroup{symbol: f.Symbol}
			groups[f.OrderID] = g
			order = append(order, f.OrderID)
		}
		g.fills = append(g.fills, f)
	}
	return groups, order
}

// compare walks broker order ids in first-seen order, then local-only ids.
func (r *Reconciler) compare(brokerFills []trade.BrokerFill, localFills []trade.LocalFill) ([]int64, []Discrepancy) {
	bf := make([]trade.Fill, len(brokerFills))
	for i, f := range brokerFills {
		bf[i] = f.Fill
	}
	lf := make([]trade.Fill, len(localFills))
	for i, f := range localFills {
		lf[i] = f.Fill
	}
	brokerGroups, brokerOrder := group(bf)
	localGroups, localOrder := group(lf)

	matched := make([]int64, 0)
	discrepancies := make([]Discrepancy, 0)
	for _, id := range brokerOrder {
		b := brokerGroups[id]
		l, ok := localGroups[id]
		if !ok {
			qty := sumQuantity(b.fills)
			discrepancies = append(discrepancies, Discrepancy{
				Type:        MissingLocal,
				OrderID:     id,
				Symbol:      b.symbol,
				Description: fmt.Sprintf("order %d: %d broker fill(s) for %s %s missing from local log", id, len(b.fills), qty, b.symbol),
				BrokerValue: &qty,
			})
			continue
		}
		found := r.compareOrder(id, b, l)
		if len(found) == 0 {
			matched = append(matched, id)
			continue
		}
		discrepancies = append(discrepancies, found...)
	}
	for _, id := range localOrder {
		if _, ok := brokerGroups[id]; ok {
			continue
		}
		l := localGroups[id]
		qty := sumQuantity(l.fills)
		discrepancies = append(discrepancies, Discrepancy{
			Type:        MissingIBKR,
			OrderID:     id,
			Symbol:      l.symbol,
			Description: fmt.Sprintf("order %d: %d local fill(s) for %s %s not reported by broker", id, len(l.fills), qty, l.symbol),
			LocalValue:  &qty,
		})
	}
	return matched, discrepancies
}

// compareOrder runs the quantity, price and commission checks independently.
func (r *Reconciler) compareOrder(id int64, b, l *orderGroup) []Discrepancy {
	var out []Discrepancy
	symbol := b.symbol
	if symbol == "" {
		symbol = l.symbol
	}

	bq, lq := sumQuantity(b.fills), sumQuantity(l.fills)
	if !bq.Equal(lq) {
		out = append(out, Discrepancy{
			Type:        QuantityMismatch,
			OrderID:     id,
			Symbol:      symbol,
			Description: fmt.Sprintf("order %d: quantity ibkr=%s local=%s", id, bq, lq),
			BrokerValue: &bq,
			LocalValue:  &lq,
		})
	}

	bp, lp := trade.VWAP(b.fills), trade.VWAP(l.fills)
	if bp.Sub(lp).Abs().GreaterThan(r.priceTolerance) {
		out = append(out, Discrepancy{
			Type:        PriceMismatch,
			OrderID:     id,
			Symbol:      symbol,
			Description: fmt.Sprintf("order %d: average price ibkr=%s local=%s exceeds tolerance %s", id, bp.StringFixed(4), lp.StringFixed(4), r.priceTolerance),
			BrokerValue: &bp,
			LocalValue:  &lp,
		})
	}

	bc, lc := sumCommission(b.fills), sumCommission(l.fills)
	if bc.Sub(lc).Abs().GreaterThan(r.commissionTolerance) {
		out = append(out, Discrepancy{
			Type:        CommissionMismatch,
			OrderID:     id,
			Symbol:      symbol,
			Description: fmt.Sprintf("order %d: commission ibkr=%s local=%s exceeds tolerance %s", id, bc, lc, r.commissionTolerance),
			BrokerValue: &bc,
			LocalValue:  &lc,
		})
	}
	return out
}

func sumQuantity(fills []trade.Fill) decimal.Decimal {
	total := decimal.Zero
	for _, f := range fills {
		total = total.Add(f.Quantity)
	}
	return total
}

func sumCommission(fills []trade.Fill) decimal.Decimal {
	total := decimal.Zero
	for _, f := range fills {
		total = total.Add(f.Commission)
	}
	return total
}
