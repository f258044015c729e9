package clientportal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/brokerlink/internal/domain/broker"
)

// fakeGateway serves the subset of the gateway API used by Session.
type fakeGateway struct {
	mu            sync.Mutex
	authenticated bool
	topics        []string
	orders        []ordersRequest
	replies       []string
	cancelled     []string
	tickles       int
	prompt        bool
	conn          *websocket.Conn
	connected     chan struct{}
}

func newFakeGateway(t *testing.T) (*fakeGateway, *httptest.Server) {
	t.Helper()
	g := &fakeGateway{authenticated: true, connected: make(chan struct{}, 1)}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /iserver/auth/status", func(w http.ResponseWriter, _ *http.Request) {
		g.mu.Lock()
		ok := g.authenticated
		g.mu.Unlock()
		writeJSON(w, authStatus{Authenticated: ok, Connected: ok, Message: "status"})
	})
	mux.HandleFunc("GET /iserver/accounts", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, accountsResponse{Accounts: []string{"DU111", "DU222"}, SelectedAccount: "DU111"})
	})
	mux.HandleFunc("GET /iserver/secdef/search", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") == "ZZZZ" {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		_, _ = w.Write([]byte(`[{"conid":"265598","symbol":"AAPL","sections":[{"secType":"OPT"},{"secType":"STK","exchange":"NASDAQ"}]}]`))
	})
	mux.HandleFunc("POST /iserver/account/DU111/orders", func(w http.ResponseWriter, r *http.Request) {
		var req ordersRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		g.mu.Lock()
		g.orders = append(g.orders, req)
		prompt := g.prompt
		g.mu.Unlock()
		if prompt {
			_, _ = w.Write([]byte(`[{"id":"reply-1","message":["Order size exceeds cap"]}]`))
			return
		}
		_, _ = w.Write([]byte(`[{"order_id":"1001","order_status":"PreSubmitted"}]`))
	})
	mux.HandleFunc("POST /iserver/reply/{id}", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.replies = append(g.replies, r.PathValue("id"))
		g.mu.Unlock()
		_, _ = w.Write([]byte(`[{"order_id":"1002","order_status":"Submitted"}]`))
	})
	mux.HandleFunc("DELETE /iserver/account/DU111/order/{id}", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.cancelled = append(g.cancelled, r.PathValue("id"))
		g.mu.Unlock()
		if r.PathValue("id") == "404" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"OrderID 404 doesn't exist"}`))
			return
		}
		_, _ = w.Write([]byte(`{"msg":"Request was submitted"}`))
	})
	mux.HandleFunc("GET /portfolio/DU111/positions/0", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[
			{"acctId":"DU111","conid":265598,"contractDesc":"AAPL","position":10,"mktPrice":151.5,"mktValue":1515,"avgCost":150,"unrealizedPnl":15,"currency":"USD"},
			{"acctId":"DU111","conid":8314,"contractDesc":"IBM","position":0,"mktPrice":190,"mktValue":0,"avgCost":0,"unrealizedPnl":0,"currency":"USD"}
		]`))
	})
	mux.HandleFunc("GET /portfolio/DU111/summary", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{
			"netliquidation":{"amount":100500.25,"currency":"USD","isNull":false},
			"totalcashvalue":{"amount":"98985.25","currency":"USD","isNull":false},
			"buyingpower":{"amount":null,"currency":"USD","isNull":true}
		}`))
	})
	mux.HandleFunc("GET /iserver/account/trades", func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.URL.Query().Get("days"))
		_, _ = w.Write([]byte(`[
			{"execution_id":"0000e0d5.1","order_id":1001,"symbol":"AAPL","side":"B","size":10,"price":"150.00","commission":"1.00","trade_time_r":1709305200000},
			{"execution_id":"0000e0d5.2","order_ref":"1003","symbol":"MSFT","side":"S","size":5,"price":"410.10","commission":"","trade_time_r":1709218800000}
		]`))
	})
	mux.HandleFunc("POST /tickle", func(w http.ResponseWriter, _ *http.Request) {
		g.mu.Lock()
		g.tickles++
		g.mu.Unlock()
		_, _ = w.Write([]byte(`{"session":"abc"}`))
	})
	mux.HandleFunc("/ws", g.serveWS)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return g, srv
}

func (g *fakeGateway) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()
	g.connected <- struct{}{}
	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		g.mu.Lock()
		g.topics = append(g.topics, string(data))
		g.mu.Unlock()
	}
}

func (g *fakeGateway) push(t *testing.T, msg string) {
	t.Helper()
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	require.NotNil(t, conn)
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, []byte(msg)))
}

func (g *fakeGateway) snapshotTopics() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.topics...)
}

func (g *fakeGateway) set(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type eventLog struct {
	mu     sync.Mutex
	events []broker.Event
}

func (l *eventLog) handle(evt broker.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

func (l *eventLog) kinds() []broker.EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]broker.EventKind, len(l.events))
	for i, e := range l.events {
		out[i] = e.Kind
	}
	return out
}

func (l *eventLog) last() broker.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[len(l.events)-1]
}

func connectedSession(t *testing.T, opts Options) (*Session, *fakeGateway, *eventLog) {
	t.Helper()
	g, srv := newFakeGateway(t)
	opts.BaseURL = srv.URL
	s := NewSession(opts)
	t.Cleanup(s.Close)
	log := &eventLog{}
	s.Subscribe(log.handle)
	require.NoError(t, s.Connect(context.Background(), broker.ConnectParams{Timeout: time.Second}))
	<-g.connected
	return s, g, log
}

func TestWebsocketURLDerivedFromBase(t *testing.T) {
	assert.Equal(t, "wss://localhost:5000/v1/api/ws", websocketURL("https://localhost:5000/v1/api"))
	assert.Equal(t, "ws://127.0.0.1:8080/ws", websocketURL("http://127.0.0.1:8080"))
}

func TestConnectSubscribesToOrderAndTradeTopics(t *testing.T) {
	s, g, log := connectedSession(t, Options{})

	assert.True(t, s.IsConnected())
	assert.Equal(t, []string{"DU111", "DU222"}, s.ManagedAccounts())
	require.Eventually(t, func() bool { return len(g.snapshotTopics()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"sor+{}", "str+{}"}, g.snapshotTopics())
	require.Eventually(t, func() bool { return len(log.kinds()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, broker.EventConnected, log.kinds()[0])
}

func TestConnectRequiresAuthenticatedGateway(t *testing.T) {
	g, srv := newFakeGateway(t)
	g.set(func() { g.authenticated = false })
	s := NewSession(Options{BaseURL: srv.URL})
	t.Cleanup(s.Close)

	err := s.Connect(context.Background(), broker.ConnectParams{})

	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.False(t, s.IsConnected())
}

func TestCallsRequireConnection(t *testing.T) {
	s := NewSession(Options{BaseURL: "http://127.0.0.1:1"})
	t.Cleanup(s.Close)

	_, err := s.Positions(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = s.ResolveContract(context.Background(), "AAPL")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, s.CancelOrder(context.Background(), 1), ErrNotConnected)
}

func TestResolveContractPicksStockSection(t *testing.T) {
	s, _, _ := connectedSession(t, Options{})

	c, err := s.ResolveContract(context.Background(), "aapl")
	require.NoError(t, err)
	assert.Equal(t, int64(265598), c.ConID)
	assert.Equal(t, "AAPL", c.Symbol)
	assert.Equal(t, "STK", c.SecType)

	_, err = s.ResolveContract(context.Background(), "ZZZZ")
	assert.ErrorIs(t, err, ErrNoContract)
}

func TestPlaceLimitOrder(t *testing.T) {
	s, g, _ := connectedSession(t, Options{})
	contract := stockContract(265598, "AAPL")

	ack, err := s.PlaceOrder(context.Background(), contract, broker.OrderTicket{
		Side:       broker.SideBuy,
		Kind:       broker.KindLimit,
		Quantity:   decimal.NewFromInt(10),
		LimitPrice: decimal.RequireFromString("150.25"),
	})

	require.NoError(t, err)
	assert.Equal(t, int64(1001), ack.OrderID)
	assert.Equal(t, broker.StatusPreSubmitted, ack.Status)
	var orders []ordersRequest
	g.set(func() { orders = append(orders, g.orders...) })
	require.Len(t, orders, 1)
	order := orders[0].Orders[0]
	assert.Equal(t, "DU111", order.AccountID)
	assert.Equal(t, "LMT", order.OrderType)
	assert.Equal(t, "DAY", order.TIF)
	require.NotNil(t, order.Price)
	assert.True(t, order.Price.dec().Equal(decimal.RequireFromString("150.25")))
}

func TestPlaceOrderConfirmsPrompts(t *testing.T) {
	s, g, _ := connectedSession(t, Options{})
	g.set(func() { g.prompt = true })

	ack, err := s.PlaceOrder(context.Background(), stockContract(265598, "AAPL"), broker.OrderTicket{
		Side:     broker.SideSell,
		Kind:     broker.KindMarket,
		Quantity: decimal.NewFromInt(5000),
	})

	require.NoError(t, err)
	assert.Equal(t, int64(1002), ack.OrderID)
	g.set(func() { assert.Equal(t, []string{"reply-1"}, g.replies) })
}

func TestCancelOrderSurfacesGatewayError(t *testing.T) {
	s, _, _ := connectedSession(t, Options{})

	require.NoError(t, s.CancelOrder(context.Background(), 1001))

	err := s.CancelOrder(context.Background(), 404)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "doesn't exist")
}

func TestPositionsSkipFlatRows(t *testing.T) {
	s, _, _ := connectedSession(t, Options{})

	positions, err := s.Positions(context.Background())

	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "AAPL", positions[0].Symbol)
	assert.True(t, positions[0].Quantity.Equal(decimal.NewFromInt(10)))
	assert.True(t, positions[0].MarketPrice.Equal(decimal.RequireFromString("151.5")))
}

func TestAccountSummaryLeavesNullFieldsUnset(t *testing.T) {
	s, _, _ := connectedSession(t, Options{})

	summary, err := s.AccountSummary(context.Background(), "")

	require.NoError(t, err)
	assert.Equal(t, "DU111", summary.Account)
	assert.Equal(t, "USD", summary.Currency)
	require.NotNil(t, summary.NetLiquidation)
	assert.True(t, summary.NetLiquidation.Equal(decimal.RequireFromString("100500.25")))
	require.NotNil(t, summary.TotalCash)
	assert.True(t, summary.TotalCash.Equal(decimal.RequireFromString("98985.25")))
	assert.Nil(t, summary.BuyingPower)
	assert.Nil(t, summary.RealizedPnL)
}

func TestExecutionsFilterAndOrder(t *testing.T) {
	now := time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)
	s, _, _ := connectedSession(t, Options{Clock: func() time.Time { return now }})

	all, err := s.Executions(context.Background(), broker.ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "0000e0d5.2", all[0].ExecID)
	assert.Equal(t, int64(1003), all[0].OrderID)
	assert.Equal(t, broker.SideSell, all[0].Side)
	assert.True(t, all[0].Commission.IsZero())

	since := time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC)
	today, err := s.Executions(context.Background(), broker.ExecutionFilter{Since: since})
	require.NoError(t, err)
	require.Len(t, today, 1)
	assert.Equal(t, int64(1001), today[0].OrderID)
	assert.True(t, today[0].Price.Equal(decimal.NewFromInt(150)))
}

func TestPushesBecomeEvents(t *testing.T) {
	_, g, log := connectedSession(t, Options{})

	g.push(t, `{"topic":"sor","args":[{"orderId":1001,"status":"Submitted","ticker":"AAPL"}]}`)
	g.push(t, `{"topic":"str","args":[{"execution_id":"e1","order_id":1001,"symbol":"AAPL","side":"B","size":4,"price":"150.10","commission":"0.35","trade_time_r":1709305200000}]}`)
	g.push(t, `{"topic":"system","hb":1709305200000}`)

	require.Eventually(t, func() bool { return len(log.kinds()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []broker.EventKind{broker.EventConnected, broker.EventOrderStatus, broker.EventExecution}, log.kinds())
	exec := log.last().Execution
	require.NotNil(t, exec)
	assert.Equal(t, "e1", exec.ExecID)
	assert.Equal(t, int64(1001), exec.OrderID)
	assert.True(t, exec.Quantity.Equal(decimal.NewFromInt(4)))
}

func TestRemoteCloseEmitsDisconnect(t *testing.T) {
	s, g, log := connectedSession(t, Options{})

	var conn *websocket.Conn
	g.set(func() { conn = g.conn })
	require.NoError(t, conn.Close(websocket.StatusGoingAway, "gateway restart"))

	require.Eventually(t, func() bool { return !s.IsConnected() }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(log.kinds()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, broker.EventDisconnected, log.last().Kind)
}

func TestDisconnectEmitsOnce(t *testing.T) {
	s, _, log := connectedSession(t, Options{})

	require.NoError(t, s.Disconnect())
	require.NoError(t, s.Disconnect())

	require.Eventually(t, func() bool { return len(log.kinds()) == 2 }, time.Second, 5*time.Millisecond)
	assert.False(t, s.IsConnected())
	assert.Never(t, func() bool { return len(log.kinds()) > 2 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestMarketDataSubscription(t *testing.T) {
	s, g, _ := connectedSession(t, Options{})

	require.NoError(t, s.SubscribeMarketData(context.Background(), "AAPL"))
	require.NoError(t, s.UnsubscribeMarketData(context.Background(), "AAPL"))
	require.NoError(t, s.UnsubscribeMarketData(context.Background(), "UNKNOWN"))

	require.Eventually(t, func() bool { return len(g.snapshotTopics()) == 4 }, time.Second, 5*time.Millisecond)
	topics := g.snapshotTopics()
	assert.Equal(t, `smd+265598+{"fields":["31","84","86"]}`, topics[2])
	assert.Equal(t, "umd+265598+{}", topics[3])
}

func TestTickleKeepsSessionAlive(t *testing.T) {
	_, g, _ := connectedSession(t, Options{TickleInterval: 10 * time.Millisecond})

	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.tickles >= 2
	}, time.Second, 5*time.Millisecond)
}
