package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/brokerlink/internal/app/reconcile"
	"github.com/coachpo/brokerlink/internal/domain/broker"
	"github.com/coachpo/brokerlink/internal/domain/trade"
	"github.com/coachpo/brokerlink/internal/marketdata"
)

const (
	orderUpsertSQL = `
INSERT INTO orders (
    order_id,
    symbol,
    side,
    kind,
    quantity,
    limit_price,
    status,
    filled,
    remaining,
    created_at,
    updated_at
)
VALUES (
    @order_id,
    @symbol,
    @side,
    @kind,
    @quantity,
    @limit_price,
    @status,
    @filled,
    @remaining,
    @created_at,
    @updated_at
)
ON CONFLICT (order_id) DO UPDATE SET
    status = EXCLUDED.status,
    filled = EXCLUDED.filled,
    remaining = EXCLUDED.remaining,
    updated_at = EXCLUDED.updated_at;
`

	fillInsertSQL = `
INSERT INTO fills (
    fill_id,
    order_id,
    symbol,
    side,
    quantity,
    price,
    commission,
    traded_at
)
VALUES (
    @fill_id,
    @order_id,
    @symbol,
    @side,
    @quantity,
    @price,
    @commission,
    @traded_at
)
ON CONFLICT (fill_id) DO NOTHING;
`

	fillsBetweenSQL = `
SELECT
    fill_id,
    order_id,
    symbol,
    side,
    quantity::text,
    price::text,
    commission::text,
    traded_at
FROM fills
WHERE traded_at >= @start AND traded_at < @end
ORDER BY traded_at, fill_id;
`

	reportInsertSQL = `
INSERT INTO reconciliation_reports (
    id,
    trade_date,
    timezone,
    clean,
    total_discrepancies,
    report,
    generated_at
)
VALUES (
    @id,
    @trade_date::date,
    @timezone,
    @clean,
    @total_discrepancies,
    @report::jsonb,
    @generated_at
)
ON CONFLICT (id) DO NOTHING;
`

	reportSelectSQL = `
SELECT report::text
FROM reconciliation_reports
WHERE (@trade_date::text = '' OR trade_date = NULLIF(@trade_date::text, '')::date)
ORDER BY generated_at DESC
LIMIT @limit;
`

	defaultReportLimit = 20
	maxReportLimit     = 200
)

// TradeStore persists the order journal, fills and reconciliation reports. It
// satisfies execution.Journal, reconcile.LocalSource and reconcile.ReportSink.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore constructs a TradeStore backed by pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

// ReportQuery filters ListReports.
type ReportQuery struct {
	// Date restricts results to one trading date (YYYY-MM-DD) when set.
	Date  string
	Limit int
}

func (s *TradeStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("trade store: nil pool")
	}
	return s.pool, nil
}

// RecordOrder upserts the latest snapshot of an order.
func (s *TradeStore) RecordOrder(ctx context.Context, order trade.OrderRecord) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	quantity, err := numericFromDecimal(order.Quantity)
	if err != nil {
		return fmt.Errorf("trade store: quantity: %w", err)
	}
	limit, err := numericFromOptional(order.LimitPrice)
	if err != nil {
		return fmt.Errorf("trade store: limit price: %w", err)
	}
	filled, err := numericFromDecimal(order.Filled)
	if err != nil {
		return fmt.Errorf("trade store: filled: %w", err)
	}
	remaining, err := numericFromDecimal(order.Remaining)
	if err != nil {
		return fmt.Errorf("trade store: remaining: %w", err)
	}
	args := pgx.NamedArgs{
		"order_id":    order.OrderID,
		"symbol":      order.Symbol,
		"side":        string(order.Side),
		"kind":        string(order.Kind),
		"quantity":    quantity,
		"limit_price": limit,
		"status":      string(order.Status),
		"filled":      filled,
		"remaining":   remaining,
		"created_at":  order.CreatedAt.UTC(),
		"updated_at":  order.UpdatedAt.UTC(),
	}
	if _, err := pool.Exec(ctx, orderUpsertSQL, args); err != nil {
		return fmt.Errorf("trade store: upsert order %d: %w", order.OrderID, err)
	}
	return nil
}

// RecordFill inserts a fill. Replays of the same fill id are ignored.
func (s *TradeStore) RecordFill(ctx context.Context, fill trade.Fill) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if fill.FillID == "" {
		return fmt.Errorf("trade store: fill id required")
	}
	quantity, err := numericFromDecimal(fill.Quantity)
	if err != nil {
		return fmt.Errorf("trade store: quantity: %w", err)
	}
	price, err := numericFromDecimal(fill.Price)
	if err != nil {
		return fmt.Errorf("trade store: price: %w", err)
	}
	commission, err := numericFromDecimal(fill.Commission)
	if err != nil {
		return fmt.Errorf("trade store: commission: %w", err)
	}
	args := pgx.NamedArgs{
		"fill_id":    fill.FillID,
		"order_id":   fill.OrderID,
		"symbol":     fill.Symbol,
		"side":       string(fill.Side),
		"quantity":   quantity,
		"price":      price,
		"commission": commission,
		"traded_at":  fill.Time.UTC(),
	}
	if _, err := pool.Exec(ctx, fillInsertSQL, args); err != nil {
		return fmt.Errorf("trade store: insert fill %s: %w", fill.FillID, err)
	}
	return nil
}

// LocalFills returns the fills traded on day's civil date in loc.
func (s *TradeStore) LocalFills(ctx context.Context, day time.Time, loc *time.Location) ([]trade.LocalFill, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	start := marketdata.StartOfDay(day, loc)
	end := start.AddDate(0, 0, 1)
	rows, err := pool.Query(ctx, fillsBetweenSQL, pgx.NamedArgs{"start": start, "end": end})
	if err != nil {
		return nil, fmt.Errorf("trade store: query fills: %w", err)
	}
	defer rows.Close()

	out := make([]trade.LocalFill, 0)
	for rows.Next() {
		var (
			f                           trade.Fill
			side                        string
			quantity, price, commission string
		)
		if err := rows.Scan(&f.FillID, &f.OrderID, &f.Symbol, &side, &quantity, &price, &commission, &f.Time); err != nil {
			return nil, fmt.Errorf("trade store: scan fill: %w", err)
		}
		f.Side = broker.Side(side)
		if f.Quantity, err = decimalFromText(quantity); err != nil {
			return nil, fmt.Errorf("trade store: fill %s quantity: %w", f.FillID, err)
		}
		if f.Price, err = decimalFromText(price); err != nil {
			return nil, fmt.Errorf("trade store: fill %s price: %w", f.FillID, err)
		}
		if f.Commission, err = decimalFromText(commission); err != nil {
			return nil, fmt.Errorf("trade store: fill %s commission: %w", f.FillID, err)
		}
		out = append(out, trade.LocalFill{Fill: f})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trade store: iterate fills: %w", err)
	}
	return out, nil
}

// SaveReport stores a reconciliation report snapshot.
func (s *TradeStore) SaveReport(ctx context.Context, report reconcile.Report) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	snapshot := report.Snapshot()
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("trade store: encode report: %w", err)
	}
	args := pgx.NamedArgs{
		"id":                  snapshot.ID,
		"trade_date":          snapshot.Date,
		"timezone":            snapshot.Timezone,
		"clean":               report.Clean(),
		"total_discrepancies": snapshot.Summary.TotalDiscrepancies,
		"report":              string(payload),
		"generated_at":        snapshot.GeneratedAt.UTC(),
	}
	if _, err := pool.Exec(ctx, reportInsertSQL, args); err != nil {
		return fmt.Errorf("trade store: insert report %s: %w", snapshot.ID, err)
	}
	return nil
}

// ListReports returns stored reports, newest first.
func (s *TradeStore) ListReports(ctx context.Context, query ReportQuery) ([]reconcile.Report, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	limit := query.Limit
	switch {
	case limit <= 0:
		limit = defaultReportLimit
	case limit > maxReportLimit:
		limit = maxReportLimit
	}
	rows, err := pool.Query(ctx, reportSelectSQL, pgx.NamedArgs{"trade_date": query.Date, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("trade store: query reports: %w", err)
	}
	defer rows.Close()

	out := make([]reconcile.Report, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("trade store: scan report: %w", err)
		}
		var snapshot reconcile.Snapshot
		if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
			return nil, fmt.Errorf("trade store: decode report: %w", err)
		}
		report, err := reconcile.FromSnapshot(snapshot)
		if err != nil {
			return nil, fmt.Errorf("trade store: rebuild report %s: %w", snapshot.ID, err)
		}
		out = append(out, report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trade store: iterate reports: %w", err)
	}
	return out, nil
}
