// Command brokerlink runs the broker session, order handling, reconciliation
// and the HTTP control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/coachpo/brokerlink/internal/app/account"
	"github.com/coachpo/brokerlink/internal/app/connection"
	"github.com/coachpo/brokerlink/internal/app/execution"
	"github.com/coachpo/brokerlink/internal/app/reconcile"
	"github.com/coachpo/brokerlink/internal/domain/broker"
	"github.com/coachpo/brokerlink/internal/infra/adapters/clientportal"
	"github.com/coachpo/brokerlink/internal/infra/adapters/paper"
	"github.com/coachpo/brokerlink/internal/infra/config"
	"github.com/coachpo/brokerlink/internal/infra/logging"
	"github.com/coachpo/brokerlink/internal/infra/persistence/migrations"
	"github.com/coachpo/brokerlink/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/brokerlink/internal/infra/server/http"
	"github.com/coachpo/brokerlink/internal/infra/telemetry"
	"github.com/coachpo/brokerlink/internal/marketdata"
)

const (
	defaultConfigPath        = "config/app.yaml"
	shutdownTimeout          = 30 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	controlReadHeaderTimeout = 5 * time.Second
	tradePoolName            = "trades"
)

// session is what the binary needs from an adapter: the broker contract plus
// quote subscriptions and teardown.
type session interface {
	broker.Session
	marketdata.Subscriber
	Close()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	appCfg, err := config.LoadOrDefault(ctx, resolveConfigPath(cfgPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := appCfg.ApplyEnv(os.LookupEnv); err != nil {
		return fmt.Errorf("apply environment: %w", err)
	}

	logger, syncLogger, err := logging.New(logging.Config{Format: appCfg.Logging.Format, Level: appCfg.Logging.Level})
	if err != nil {
		return err
	}
	defer func() { _ = syncLogger() }()
	logger.Info("configuration initialised",
		zap.String("env", string(appCfg.Environment)),
		zap.String("adapter", string(appCfg.Broker.Adapter)),
		zap.Bool("paper", appCfg.Broker.Paper),
		zap.Bool("database", appCfg.Database.Enabled))

	if appCfg.Environment == config.EnvProd {
		gin.SetMode(gin.ReleaseMode)
	}

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	meters := telemetryProvider.MeterProvider()

	var (
		pool  *pgxpool.Pool
		store *postgres.TradeStore
	)
	if appCfg.Database.Enabled {
		pool, err = openTradeStore(ctx, logger, appCfg.Database)
		if err != nil {
			return err
		}
		if err := postgres.ObservePoolMetrics(pool, tradePoolName, meters); err != nil {
			logger.Warn("pool metrics unavailable", zap.Error(err))
		}
		store = postgres.NewTradeStore(pool)
	}

	brokerSession := buildSession(appCfg.Broker, logger)
	manager := connection.NewManager(brokerSession,
		connection.WithLogger(logger),
		connection.WithMeterProvider(meters),
		connection.WithConnectParams(broker.ConnectParams{
			Host:     appCfg.Broker.Host,
			Port:     appCfg.Broker.Port,
			ClientID: appCfg.Broker.ClientID,
			Account:  appCfg.Broker.Account,
			Paper:    appCfg.Broker.Paper,
			Timeout:  appCfg.Broker.ConnectTimeout,
		}),
		connection.WithRetries(appCfg.Broker.Retries),
		connection.WithRetryStep(appCfg.Broker.RetryStep),
		connection.WithAutoReconnect(appCfg.Broker.AutoReconnect),
	)

	handlerOpts := []execution.Option{
		execution.WithLogger(logger),
		execution.WithMeterProvider(meters),
		execution.WithThrottle(rate.Limit(appCfg.Execution.OrderThrottle), appCfg.Execution.OrderBurst),
	}
	if store != nil {
		handlerOpts = append(handlerOpts, execution.WithJournal(store))
	}
	orders := execution.NewHandler(manager, handlerOpts...)

	reconciler, err := buildReconciler(appCfg.Reconciliation, manager, orders, store, logger, telemetryProvider)
	if err != nil {
		return err
	}

	feed := marketdata.NewLiveFeed(brokerSession, logger)
	feed.Attach(manager)
	// Quotes lost to a drop come back with the session, whoever reconnected it.
	stopRestore := brokerSession.Subscribe(func(evt broker.Event) {
		if evt.Kind != broker.EventConnected {
			return
		}
		go func() {
			if err := feed.Restore(ctx); err != nil {
				logger.Warn("restore market data subscriptions", zap.Error(err))
			}
		}()
	})
	defer stopRestore()

	deps := httpserver.Dependencies{
		Connection:     manager,
		Orders:         orders,
		Accounts:       account.NewService(manager, appCfg.Broker.Account, logger),
		Reconciler:     reconciler,
		MarketData:     feed,
		ConnectTimeout: appCfg.Broker.ConnectTimeout,
		ConnectRetries: appCfg.Broker.Retries,
		Logger:         logger.Named("http"),
	}
	if store != nil {
		deps.Reports = store
	}

	var lifecycle conc.WaitGroup
	apiServer := buildAPIServer(appCfg.APIServer, httpserver.NewHandler(deps))
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Info("control API listening", zap.String("addr", apiServer.Addr))

	lifecycle.Go(func() {
		connectAndStream(ctx, logger, manager, feed, appCfg)
	})

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:        apiServer,
		serverTimeout: appCfg.APIServer.ShutdownTimeout,
		mainCancel:    cancel,
		lifecycle:     &lifecycle,
		feed:          feed,
		orders:        orders,
		manager:       manager,
		session:       brokerSession,
		pool:          pool,
		telemetry:     telemetryProvider,
	})
	logger.Info("shutdown completed", zap.Duration("elapsed", time.Since(shutdownStart)))
	return nil
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func initTelemetry(ctx context.Context, logger *zap.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.Enabled = telemetryCfg.Enabled || cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Info("telemetry initialized",
			zap.String("endpoint", telemetryCfg.OTLPEndpoint),
			zap.String("service", telemetryCfg.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

func openTradeStore(ctx context.Context, logger *zap.Logger, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.RunMigrations {
		if err := migrations.Apply(ctx, cfg.DSN, "", logger.Named("migrate")); err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	pool, err := postgres.Open(ctx, postgres.PoolConfig{
		DSN:             cfg.DSN,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("open trade store: %w", err)
	}
	logger.Info("trade store connected", zap.Int32("maxConns", cfg.MaxConns))
	return pool, nil
}

func buildSession(cfg config.BrokerConfig, logger *zap.Logger) session {
	switch cfg.Adapter {
	case config.AdapterClientPortal:
		return clientportal.NewSession(clientportal.Options{
			BaseURL:            cfg.ClientPortal.BaseURL,
			InsecureSkipVerify: cfg.ClientPortal.InsecureSkipVerify,
			HTTPTimeout:        cfg.ClientPortal.HTTPTimeout,
			TickleInterval:     cfg.ClientPortal.TickleInterval,
			Logger:             logger.Named("clientportal"),
		})
	default:
		venue := cfg.PaperVenue
		prices := make(map[string]decimal.Decimal, len(venue.Prices))
		for symbol, price := range venue.Prices {
			prices[symbol] = price.Decimal
		}
		opts := paper.Options{
			StartingCash:       venue.StartingCash.Decimal,
			CommissionPerShare: venue.CommissionPerShare.Decimal,
			MinCommission:      venue.MinCommission.Decimal,
			MaxFillQuantity:    venue.MaxFillQuantity.Decimal,
			Prices:             prices,
			Logger:             logger.Named("paper"),
		}
		if cfg.Account != "" {
			opts.Accounts = []string{cfg.Account}
		}
		return paper.NewSession(opts)
	}
}

func buildReconciler(cfg config.ReconciliationConfig, manager *connection.Manager, orders *execution.Handler, store *postgres.TradeStore, logger *zap.Logger, provider *telemetry.Provider) (*reconcile.Reconciler, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	opts := []reconcile.Option{
		reconcile.WithLocation(loc),
		reconcile.WithTolerances(cfg.PriceTolerance.Decimal, cfg.CommissionTolerance.Decimal),
		reconcile.WithLogger(logger),
		reconcile.WithMeterProvider(provider.MeterProvider()),
	}
	// The journal survives restarts; the in-memory handler only knows this process.
	if store != nil {
		opts = append(opts, reconcile.WithLocalSource(store), reconcile.WithReportSink(store))
	} else {
		opts = append(opts, reconcile.WithLocalSource(orders))
	}
	return reconcile.NewReconciler(manager, opts...), nil
}

func connectAndStream(ctx context.Context, logger *zap.Logger, manager *connection.Manager, feed *marketdata.LiveFeed, cfg config.AppConfig) {
	if !manager.Connect(ctx, cfg.Broker.ConnectTimeout, cfg.Broker.Retries) {
		logger.Error("initial broker connect failed; use POST /api/v1/connection/connect to retry",
			zap.Error(manager.LastError()))
		return
	}
	logger.Info("broker connected", zap.Strings("accounts", manager.ManagedAccounts()))
	for _, symbol := range cfg.MarketData.Symbols {
		if err := feed.Activate(ctx, symbol); err != nil {
			logger.Warn("market data subscribe failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}
}

func buildAPIServer(cfg config.APIServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *zap.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("control server", zap.Error(err))
		}
	})
}

type gracefulShutdownConfig struct {
	server        *http.Server
	serverTimeout time.Duration
	mainCancel    context.CancelFunc
	lifecycle     *conc.WaitGroup
	feed          *marketdata.LiveFeed
	orders        *execution.Handler
	manager       *connection.Manager
	session       session
	pool          *pgxpool.Pool
	telemetry     *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *zap.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown: " + name)
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown step failed", zap.String("step", name), zap.Error(err))
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping control server", cfg.serverTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.feed != nil {
		cfg.feed.Detach()
	}
	if cfg.orders != nil {
		cfg.orders.Close()
	}
	if cfg.manager != nil {
		cfg.manager.Disconnect()
		cfg.manager.Close()
	}
	if cfg.session != nil {
		cfg.session.Close()
	}
	if cfg.pool != nil {
		cfg.pool.Close()
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}
