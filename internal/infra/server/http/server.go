// Package httpserver exposes the broker control API over HTTP.
package httpserver

import (
	"context"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coachpo/brokerlink/internal/app/reconcile"
	"github.com/coachpo/brokerlink/internal/domain/broker"
	"github.com/coachpo/brokerlink/internal/domain/trade"
	"github.com/coachpo/brokerlink/internal/infra/persistence/postgres"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	component = "httpserver"
)

// Connection is the connection-manager surface used by the API.
type Connection interface {
	Connect(ctx context.Context, timeout time.Duration, retryCount int) bool
	Disconnect()
	IsConnected() bool
	State() broker.ConnectionState
	ManagedAccounts() []string
	LastError() error
}

// Orders submits, cancels and lists locally tracked orders.
type Orders interface {
	SubmitMarketOrder(ctx context.Context, symbol string, quantity decimal.Decimal, side broker.Side) (trade.OrderRecord, error)
	SubmitLimitOrder(ctx context.Context, symbol string, quantity, price decimal.Decimal, side broker.Side) (trade.OrderRecord, error)
	Cancel(ctx context.Context, orderID int64) (bool, error)
	AllOrders() []trade.OrderRecord
	Order(orderID int64) (trade.OrderRecord, bool)
}

// Accounts reads balances and positions.
type Accounts interface {
	Balance(ctx context.Context) (broker.AccountSummary, error)
	Positions(ctx context.Context) ([]broker.Position, error)
}

// Reconciler produces reconciliation reports.
type Reconciler interface {
	Reconcile(ctx context.Context, date time.Time) (reconcile.Report, error)
	ReconcileToday(ctx context.Context) (reconcile.Report, error)
	Location() *time.Location
}

// MarketData manages live quote subscriptions.
type MarketData interface {
	Activate(ctx context.Context, symbol string) error
	Deactivate(ctx context.Context, symbol string) error
	Active() []string
	Lost() []string
	Restore(ctx context.Context) error
}

// ReportLister reads persisted reconciliation reports.
type ReportLister interface {
	ListReports(ctx context.Context, query postgres.ReportQuery) ([]reconcile.Report, error)
}

// Dependencies wires the API to the application services. MarketData and
// Reports are optional; their routes are omitted when nil.
type Dependencies struct {
	Connection Connection
	Orders     Orders
	Accounts   Accounts
	Reconciler Reconciler
	MarketData MarketData
	Reports    ReportLister

	// ConnectTimeout and ConnectRetries drive POST /connection/connect.
	ConnectTimeout time.Duration
	ConnectRetries int

	Logger *zap.Logger
}

type httpServer struct {
	deps   Dependencies
	logger *zap.Logger
}

// NewHandler builds the gin engine serving the control API.
func NewHandler(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &httpServer{deps: deps, logger: logger}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(limitRequestBody)
	router.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, "not_found", "route not found")
	})

	router.GET("/healthz", server.health)

	api := router.Group("/api/v1")
	{
		conn := api.Group("/connection")
		conn.GET("", server.connectionStatus)
		conn.POST("/connect", server.connect)
		conn.POST("/disconnect", server.disconnect)

		account := api.Group("/account")
		account.GET("/balance", server.balance)
		account.GET("/positions", server.positions)

		orders := api.Group("/orders")
		orders.GET("", server.listOrders)
		orders.POST("", server.submitOrder)
		orders.GET("/:id", server.getOrder)
		orders.DELETE("/:id", server.cancelOrder)

		api.POST("/reconcile", server.reconcile)
		if deps.Reports != nil {
			api.GET("/reconcile/reports", server.listReports)
		}

		if deps.MarketData != nil {
			md := api.Group("/marketdata/subscriptions")
			md.GET("", server.listSubscriptions)
			md.POST("", server.subscribe)
			md.DELETE("/:symbol", server.unsubscribe)
		}
	}
	return router
}

func limitRequestBody(c *gin.Context) {
	if c.Request.Body != nil {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxJSONBodyBytes)
	}
	c.Next()
}
