package httpserver

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coachpo/brokerlink/errs"
	"github.com/coachpo/brokerlink/internal/app/reconcile"
	"github.com/coachpo/brokerlink/internal/domain/broker"
	"github.com/coachpo/brokerlink/internal/domain/trade"
	"github.com/coachpo/brokerlink/internal/infra/persistence/postgres"
)

const dateLayout = "2006-01-02"

type connectionView struct {
	State     broker.ConnectionState `json:"state"`
	Connected bool                   `json:"connected"`
	Accounts  []string               `json:"accounts"`
	LastError string                 `json:"lastError,omitempty"`
}

type orderRequest struct {
	Symbol     string           `json:"symbol" binding:"required"`
	Side       string           `json:"side" binding:"required"`
	Quantity   decimal.Decimal  `json:"quantity"`
	Type       string           `json:"type"`
	LimitPrice *decimal.Decimal `json:"limitPrice"`
}

type subscriptionRequest struct {
	Symbol string `json:"symbol" binding:"required"`
}

func (s *httpServer) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "connected": s.deps.Connection.IsConnected()})
}

func (s *httpServer) connectionView() connectionView {
	view := connectionView{
		State:     s.deps.Connection.State(),
		Connected: s.deps.Connection.IsConnected(),
		Accounts:  s.deps.Connection.ManagedAccounts(),
	}
	if view.Accounts == nil {
		view.Accounts = []string{}
	}
	if err := s.deps.Connection.LastError(); err != nil && !view.Connected {
		view.LastError = err.Error()
	}
	return view
}

func (s *httpServer) connectionStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.connectionView())
}

func (s *httpServer) connect(c *gin.Context) {
	ctx := c.Request.Context()
	if !s.deps.Connection.Connect(ctx, s.deps.ConnectTimeout, s.deps.ConnectRetries) {
		err := s.deps.Connection.LastError()
		if err == nil {
			err = errs.New(component, errs.CodeConnectionFailed, errs.WithMessage("connect failed"))
		}
		s.fail(c, err)
		return
	}
	if s.deps.MarketData != nil {
		if err := s.deps.MarketData.Restore(ctx); err != nil {
			s.logger.Warn("restore market data subscriptions", zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, s.connectionView())
}

func (s *httpServer) disconnect(c *gin.Context) {
	s.deps.Connection.Disconnect()
	c.JSON(http.StatusOK, s.connectionView())
}

func (s *httpServer) balance(c *gin.Context) {
	summary, err := s.deps.Accounts.Balance(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *httpServer) positions(c *gin.Context) {
	positions, err := s.deps.Accounts.Positions(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *httpServer) listOrders(c *gin.Context) {
	orders := s.deps.Orders.AllOrders()
	if status := strings.TrimSpace(c.Query("status")); status != "" {
		filtered := orders[:0]
		for _, order := range orders {
			if strings.EqualFold(string(order.Status), status) {
				filtered = append(filtered, order)
			}
		}
		orders = filtered
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *httpServer) getOrder(c *gin.Context) {
	id, ok := s.orderID(c)
	if !ok {
		return
	}
	order, found := s.deps.Orders.Order(id)
	if !found {
		s.fail(c, orderNotFound(id))
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *httpServer) submitOrder(c *gin.Context) {
	var req orderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, invalidRequest("decode order", err))
		return
	}
	side, ok := broker.ParseSide(req.Side)
	if !ok {
		s.fail(c, errs.InvalidOrder(component, "side must be BUY or SELL"))
		return
	}

	var (
		order trade.OrderRecord
		err   error
	)
	ctx := c.Request.Context()
	switch kind := strings.ToUpper(strings.TrimSpace(req.Type)); {
	case kind == "MARKET" || kind == string(broker.KindMarket) || (kind == "" && req.LimitPrice == nil):
		order, err = s.deps.Orders.SubmitMarketOrder(ctx, req.Symbol, req.Quantity, side)
	case kind == "LIMIT" || kind == string(broker.KindLimit) || kind == "":
		if req.LimitPrice == nil {
			s.fail(c, errs.InvalidOrder(component, "limit orders require limitPrice"))
			return
		}
		order, err = s.deps.Orders.SubmitLimitOrder(ctx, req.Symbol, req.Quantity, *req.LimitPrice, side)
	default:
		s.fail(c, errs.InvalidOrder(component, "type must be market or limit"))
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (s *httpServer) cancelOrder(c *gin.Context) {
	id, ok := s.orderID(c)
	if !ok {
		return
	}
	if _, found := s.deps.Orders.Order(id); !found {
		s.fail(c, orderNotFound(id))
		return
	}
	requested, err := s.deps.Orders.Cancel(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"orderId": id, "cancelRequested": requested})
}

func (s *httpServer) orderID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		s.fail(c, invalidRequest("order id must be a positive integer", err))
		return 0, false
	}
	return id, true
}

func orderNotFound(id int64) error {
	return errs.New(component, errs.CodeNotFound,
		errs.WithMessage("order not found"),
		errs.WithField("orderId", strconv.FormatInt(id, 10)))
}

func (s *httpServer) reconcile(c *gin.Context) {
	ctx := c.Request.Context()
	raw := strings.TrimSpace(c.Query("date"))
	if raw == "" {
		report, err := s.deps.Reconciler.ReconcileToday(ctx)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
		return
	}
	date, err := time.ParseInLocation(dateLayout, raw, s.deps.Reconciler.Location())
	if err != nil {
		s.fail(c, invalidRequest("date must be YYYY-MM-DD", err))
		return
	}
	report, err := s.deps.Reconciler.Reconcile(ctx, date)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *httpServer) listReports(c *gin.Context) {
	query := postgres.ReportQuery{Date: strings.TrimSpace(c.Query("date"))}
	if query.Date != "" {
		if _, err := time.Parse(dateLayout, query.Date); err != nil {
			s.fail(c, invalidRequest("date must be YYYY-MM-DD", err))
			return
		}
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.fail(c, invalidRequest("limit must be a positive integer", err))
			return
		}
		query.Limit = limit
	}
	reports, err := s.deps.Reports.ListReports(c.Request.Context(), query)
	if err != nil {
		s.fail(c, errs.New(component, errs.CodeUnavailable, errs.WithMessage("list reports"), errs.WithCause(err)))
		return
	}
	if reports == nil {
		reports = []reconcile.Report{}
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports})
}

func (s *httpServer) listSubscriptions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active": orEmpty(s.deps.MarketData.Active()),
		"lost":   orEmpty(s.deps.MarketData.Lost()),
	})
}

func (s *httpServer) subscribe(c *gin.Context) {
	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, invalidRequest("decode subscription", err))
		return
	}
	if !s.deps.Connection.IsConnected() {
		s.fail(c, errs.NotConnected(component))
		return
	}
	if err := s.deps.MarketData.Activate(c.Request.Context(), req.Symbol); err != nil {
		s.fail(c, errs.New(component, errs.CodeBroker, errs.WithMessage("subscribe"), errs.WithCause(err)))
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": orEmpty(s.deps.MarketData.Active())})
}

func (s *httpServer) unsubscribe(c *gin.Context) {
	if err := s.deps.MarketData.Deactivate(c.Request.Context(), c.Param("symbol")); err != nil {
		s.fail(c, errs.New(component, errs.CodeBroker, errs.WithMessage("unsubscribe"), errs.WithCause(err)))
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": orEmpty(s.deps.MarketData.Active())})
}

func orEmpty(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
