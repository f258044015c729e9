package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/brokerlink/errs"
	"github.com/coachpo/brokerlink/internal/app/connection"
	"github.com/coachpo/brokerlink/internal/domain/broker"
	"github.com/coachpo/brokerlink/internal/domain/trade"
	"github.com/coachpo/brokerlink/internal/testutil/brokertest"
)

var tradeDay = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

type localFills struct {
	fills []trade.LocalFill
	err   error
}

func (l localFills) LocalFills(_ context.Context, day time.Time, loc *time.Location) ([]trade.LocalFill, error) {
	if l.err != nil {
		return nil, l.err
	}
	var out []trade.LocalFill
	for _, f := range l.fills {
		if f.OnDate(day, loc) {
			out = append(out, f)
		}
	}
	return out, nil
}

type memSink struct {
	mu      sync.Mutex
	reports []Report
}

func (s *memSink) SaveReport(_ context.Context, report Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, report)
	return nil
}

func exec(execID string, orderID int64, symbol string, qty int64, price, commission string) broker.Execution {
	return broker.Execution{
		ExecID:     execID,
		OrderID:    orderID,
		Symbol:     symbol,
		Side:       broker.SideBuy,
		Quantity:   decimal.NewFromInt(qty),
		Price:      decimal.RequireFromString(price),
		Commission: decimal.RequireFromString(commission),
		Time:       tradeDay.Add(15 * time.Hour),
	}
}

func local(execID string, orderID int64, symbol string, qty int64, price, commission string) trade.LocalFill {
	return trade.LocalFill{Fill: trade.FillFromExecution(exec(execID, orderID, symbol, qty, price, commission))}
}

func connected(t *testing.T, history ...broker.Execution) (*connection.Manager, *brokertest.Session) {
	t.Helper()
	session := brokertest.New()
	session.ExecutionHistory = history
	mgr := connection.NewManager(session)
	t.Cleanup(mgr.Close)
	require.True(t, mgr.Connect(context.Background(), time.Second, 1))
	return mgr, session
}

func TestMatchingFillsProduceNoDiscrepancies(t *testing.T) {
	mgr, _ := connected(t, exec("e1", 1, "AAPL", 100, "150.50", "1.00"))
	r := NewReconciler(mgr, WithLocation(time.UTC),
		WithLocalSource(localFills{fills: []trade.LocalFill{local("e1", 1, "AAPL", 100, "150.505", "1.005")}}))

	report, err := r.Reconcile(context.Background(), tradeDay)

	require.NoError(t, err)
	assert.Empty(t, report.Discrepancies())
	assert.Equal(t, []int64{1}, report.MatchedOrderIDs())
	assert.True(t, report.Clean())
}

func TestMissingLocalExampleScenario(t *testing.T) {
	mgr, _ := connected(t, exec("e1", 1, "AAPL", 100, "150.50", "1.0"))
	r := NewReconciler(mgr, WithLocation(time.UTC), WithLocalSource(localFills{}))

	report, err := r.Reconcile(context.Background(), tradeDay)

	require.NoError(t, err)
	found := report.Discrepancies()
	require.Len(t, found, 1)
	assert.Equal(t, MissingLocal, found[0].Type)
	assert.Equal(t, int64(1), found[0].OrderID)
	assert.Equal(t, "AAPL", found[0].Symbol)
	assert.Empty(t, report.MatchedOrderIDs())

	summary := report.Summary()
	assert.Equal(t, 1, summary.TotalIBKRFills)
	assert.Equal(t, 0, summary.TotalLocalFills)
	assert.Equal(t, 0, summary.MatchedOrders)
	assert.Equal(t, 1, summary.TotalDiscrepancies)
	assert.Equal(t, 1, summary.ByType[MissingLocal])
}

func TestMissingIBKR(t *testing.T) {
	mgr, _ := connected(t)
	r := NewReconciler(mgr, WithLocation(time.UTC),
		WithLocalSource(localFills{fills: []trade.LocalFill{local("e9", 9, "MSFT", 10, "400", "1")}}))

	report, err := r.Reconcile(context.Background(), tradeDay)

	require.NoError(t, err)
	found := report.Discrepancies()
	require.Len(t, found, 1)
	assert.Equal(t, MissingIBKR, found[0].Type)
	assert.Equal(t, int64(9), found[0].OrderID)
}

func TestMismatchChecksAreIndependent(t *testing.T) {
	cases := []struct {
		name   string
		broker broker.Execution
		local  trade.LocalFill
		want   []DiscrepancyType
	}{
		{"quantity", exec("e", 1, "AAPL", 100, "10", "1"), local("e", 1, "AAPL", 90, "10", "1"), []DiscrepancyType{QuantityMismatch}},
		{"price over tolerance", exec("e", 1, "AAPL", 100, "10.00", "1"), local("e", 1, "AAPL", 100, "10.02", "1"), []DiscrepancyType{PriceMismatch}},
		{"price within tolerance", exec("e", 1, "AAPL", 100, "10.00", "1"), local("e", 1, "AAPL", 100, "10.005", "1"), nil},
		{"price at tolerance", exec("e", 1, "AAPL", 100, "10.00", "1"), local("e", 1, "AAPL", 100, "10.01", "1"), nil},
		{"commission", exec("e", 1, "AAPL", 100, "10", "1.00"), local("e", 1, "AAPL", 100, "10", "1.50"), []DiscrepancyType{CommissionMismatch}},
		{"all three", exec("e", 1, "AAPL", 100, "10", "1"), local("e", 1, "AAPL", 50, "11", "2"), []DiscrepancyType{QuantityMismatch, PriceMismatch, CommissionMismatch}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mgr, _ := connected(t, tc.broker)
			r := NewReconciler(mgr, WithLocation(time.UTC), WithLocalSource(localFills{fills: []trade.LocalFill{tc.local}}))

			report, err := r.Reconcile(context.Background(), tradeDay)
			require.NoError(t, err)

			var got []DiscrepancyType
			for _, d := range report.Discrepancies() {
				assert.Equal(t, int64(1), d.OrderID)
				got = append(got, d.Type)
			}
			assert.Equal(t, tc.want, got)
			if tc.want == nil {
				assert.Equal(t, []int64{1}, report.MatchedOrderIDs())
			} else {
				assert.Empty(t, report.MatchedOrderIDs())
			}
		})
	}
}

func TestPartialFillsAreAggregated(t *testing.T) {
	mgr, _ := connected(t,
		exec("e1", 7, "NVDA", 30, "100", "0.30"),
		exec("e2", 7, "NVDA", 70, "101", "0.70"),
	)
	r := NewReconciler(mgr, WithLocation(time.UTC),
		WithLocalSource(localFills{fills: []trade.LocalFill{local("x", 7, "NVDA", 100, "100.70", "1.00")}}))

	report, err := r.Reconcile(context.Background(), tradeDay)

	require.NoError(t, err)
	assert.Empty(t, report.Discrepancies())
	assert.Equal(t, []int64{7}, report.MatchedOrderIDs())
	assert.Equal(t, 2, report.Summary().TotalIBKRFills)
}

func TestDiscrepancyOrderFollowsBrokerThenLocal(t *testing.T) {
	mgr, _ := connected(t,
		exec("a", 3, "AAPL", 1, "1", "0"),
		exec("b", 1, "MSFT", 1, "1", "0"),
	)
	r := NewReconciler(mgr, WithLocation(time.UTC), WithLocalSource(localFills{fills: []trade.LocalFill{
		local("c", 5, "TSLA", 1, "1", "0"),
		local("d", 1, "MSFT", 2, "1", "0"),
	}}))

	report, err := r.Reconcile(context.Background(), tradeDay)
	require.NoError(t, err)

	var ids []int64
	for _, d := range report.Discrepancies() {
		ids = append(ids, d.OrderID)
	}
	assert.Equal(t, []int64{3, 1, 5}, ids)
	assert.Equal(t, 3, report.Summary().TotalDiscrepancies)
}

func TestFetchBrokerFillsRequiresConnection(t *testing.T) {
	session := brokertest.New()
	mgr := connection.NewManager(session)
	t.Cleanup(mgr.Close)
	r := NewReconciler(mgr)

	_, err := r.FetchBrokerFills(context.Background(), tradeDay)
	assert.True(t, errs.IsCode(err, errs.CodeNotConnected))

	_, err = r.Reconcile(context.Background(), tradeDay)
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeReconciliationFetch))
	assert.True(t, errors.Is(err, errs.ErrNotConnected))
}

func TestFetchFailuresPropagate(t *testing.T) {
	boom := errors.New("pacing violation")
	mgr, session := connected(t)
	session.ExecErr = boom
	r := NewReconciler(mgr, WithLocalSource(localFills{}))

	_, err := r.Reconcile(context.Background(), tradeDay)
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.True(t, errors.Is(err, errs.ErrReconciliationFetch))

	session.ExecErr = nil
	localBoom := errors.New("journal offline")
	r = NewReconciler(mgr, WithLocalSource(localFills{err: localBoom}))
	_, err = r.Reconcile(context.Background(), tradeDay)
	assert.True(t, errors.Is(err, localBoom))
}

func TestFetchLocalFillsWithoutSource(t *testing.T) {
	mgr, _ := connected(t)
	r := NewReconciler(mgr)

	fills, err := r.FetchLocalFills(context.Background(), tradeDay)

	require.NoError(t, err)
	assert.NotNil(t, fills)
	assert.Empty(t, fills)
}

func TestBrokerFillsFilteredToTradingDate(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	evening := exec("late", 2, "AAPL", 1, "1", "0")
	evening.Time = time.Date(2024, 3, 2, 1, 0, 0, 0, time.UTC) // 20:00 on Mar 1 in New York
	nextDay := exec("next", 3, "AAPL", 1, "1", "0")
	nextDay.Time = time.Date(2024, 3, 2, 15, 0, 0, 0, time.UTC)
	mgr, _ := connected(t, evening, nextDay)

	r := NewReconciler(mgr, WithLocation(ny))
	fills, err := r.FetchBrokerFills(context.Background(), time.Date(2024, 3, 1, 12, 0, 0, 0, ny))

	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, "late", fills[0].FillID)
}

func TestCalendarDateIsReadAsGiven(t *testing.T) {
	mgr, _ := connected(t, exec("e1", 1, "AAPL", 100, "150.50", "1.0"))
	clock := func() time.Time { return time.Date(2024, 3, 2, 2, 0, 0, 0, time.UTC) }
	r := NewReconciler(mgr, WithClock(clock))
	require.Equal(t, "America/New_York", r.Location().String())

	report, err := r.Reconcile(context.Background(), tradeDay)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Summary().TotalIBKRFills)
	y, m, d := report.Date().Date()
	assert.Equal(t, []int{2024, 3, 1}, []int{y, int(m), d})

	today, err := r.ReconcileToday(context.Background())
	require.NoError(t, err)
	assert.Equal(t, report.Date(), today.Date())
	assert.Equal(t, 1, today.Summary().TotalIBKRFills)
}

func TestReconcileTodayMatchesReconcile(t *testing.T) {
	mgr, _ := connected(t,
		exec("e1", 1, "AAPL", 100, "150.50", "1.0"),
		exec("e2", 2, "MSFT", 10, "400", "1.0"),
	)
	clock := func() time.Time { return tradeDay.Add(20 * time.Hour) }
	r := NewReconciler(mgr, WithLocation(time.UTC), WithClock(clock),
		WithLocalSource(localFills{fills: []trade.LocalFill{local("e2", 2, "MSFT", 10, "400", "1.0")}}))

	today, err := r.ReconcileToday(context.Background())
	require.NoError(t, err)
	dated, err := r.Reconcile(context.Background(), tradeDay)
	require.NoError(t, err)

	assert.Equal(t, dated.Date(), today.Date())
	assert.Equal(t, dated.Summary(), today.Summary())
	assert.Equal(t, dated.MatchedOrderIDs(), today.MatchedOrderIDs())
	assert.NotEqual(t, dated.ID(), today.ID())
}

func TestTolerancesAreConfigurable(t *testing.T) {
	mgr, _ := connected(t, exec("e", 1, "AAPL", 100, "10.00", "1.00"))
	r := NewReconciler(mgr, WithLocation(time.UTC),
		WithTolerances(decimal.RequireFromString("0.25"), decimal.RequireFromString("0.75")),
		WithLocalSource(localFills{fills: []trade.LocalFill{local("e", 1, "AAPL", 100, "10.20", "1.70")}}))

	report, err := r.Reconcile(context.Background(), tradeDay)

	require.NoError(t, err)
	assert.True(t, report.Clean())
}

func TestReportIsImmutableAndPersisted(t *testing.T) {
	sink := &memSink{}
	mgr, _ := connected(t, exec("e1", 1, "AAPL", 100, "150.50", "1.0"))
	r := NewReconciler(mgr, WithLocation(time.UTC), WithReportSink(sink))

	report, err := r.Reconcile(context.Background(), tradeDay)
	require.NoError(t, err)

	found := report.Discrepancies()
	found[0].Type = PriceMismatch
	*found[0].BrokerValue = decimal.NewFromInt(-1)
	fills := report.BrokerFills()
	fills[0].OrderID = 99

	again := report.Discrepancies()
	assert.Equal(t, MissingLocal, again[0].Type)
	assert.True(t, again[0].BrokerValue.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, int64(1), report.BrokerFills()[0].OrderID)

	sink.mu.Lock()
	require.Len(t, sink.reports, 1)
	assert.Equal(t, report.ID(), sink.reports[0].ID())
	sink.mu.Unlock()
}

func TestReportJSONCarriesSummaryKeys(t *testing.T) {
	mgr, _ := connected(t, exec("e1", 1, "AAPL", 100, "150.50", "1.0"))
	r := NewReconciler(mgr, WithLocation(time.UTC))
	report, err := r.Reconcile(context.Background(), tradeDay)
	require.NoError(t, err)

	raw, err := json.Marshal(report)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	summary, ok := decoded["summary"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, summary["total_ibkr_fills"])
	assert.EqualValues(t, 0, summary["total_local_fills"])
	assert.EqualValues(t, 0, summary["matched_orders"])
	assert.EqualValues(t, 1, summary["total_discrepancies"])
	assert.Equal(t, "2024-03-01", decoded["date"])

	var snap Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	restored, err := FromSnapshot(snap)
	require.NoError(t, err)
	assert.Equal(t, report.Summary(), restored.Summary())
	assert.True(t, restored.Date().Equal(report.Date()))
}
