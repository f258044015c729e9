package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error when config file missing")
	}
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	cfg, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Broker.Adapter != AdapterPaper {
		t.Fatalf("expected paper adapter by default, got %s", cfg.Broker.Adapter)
	}
	if cfg.Broker.Port != 7497 {
		t.Fatalf("expected paper port 7497, got %d", cfg.Broker.Port)
	}
	if !cfg.Broker.AutoReconnect {
		t.Fatalf("expected auto reconnect enabled by default")
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
environment: DEV
broker:
  adapter: ClientPortal
  host: " 10.0.0.5 "
  paper: false
  clientId: 7
  account: DU999
  connectTimeout: 15s
  retries: 5
  retryStep: 2s
  autoReconnect: false
  clientPortal:
    baseUrl: https://gateway:5000/v1/api/
    tickleInterval: 30s
  paperVenue:
    prices:
      AAPL: 150.25
      MSFT: "410.10"
execution:
  orderThrottle: 10
reconciliation:
  timezone: Europe/London
  priceTolerance: "0.05"
marketData:
  symbols: [aapl, " msft ", AAPL, ""]
apiServer:
  addr: ":9999"
logging:
  format: Console
  level: DEBUG
database:
  enabled: true
  dsn: postgresql://localhost:5432/test?sslmode=disable
  maxConns: 4
  minConns: 9
  runMigrations: true
`)

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Environment != EnvDev {
		t.Fatalf("expected environment %s, got %s", EnvDev, cfg.Environment)
	}
	b := cfg.Broker
	if b.Adapter != AdapterClientPortal || b.Host != "10.0.0.5" || b.ClientID != 7 || b.Account != "DU999" {
		t.Fatalf("unexpected broker config %+v", b)
	}
	if b.Port != 7496 {
		t.Fatalf("expected live port 7496 when paper=false, got %d", b.Port)
	}
	if b.ConnectTimeout != 15*time.Second || b.Retries != 5 || b.RetryStep != 2*time.Second {
		t.Fatalf("unexpected connect settings %+v", b)
	}
	if b.AutoReconnect {
		t.Fatalf("expected autoReconnect false")
	}
	if b.ClientPortal.BaseURL != "https://gateway:5000/v1/api" {
		t.Fatalf("expected trimmed base url, got %q", b.ClientPortal.BaseURL)
	}
	if b.ClientPortal.TickleInterval != 30*time.Second {
		t.Fatalf("expected tickle interval 30s, got %s", b.ClientPortal.TickleInterval)
	}
	if price := b.PaperVenue.Prices["AAPL"]; !price.Equal(decimal.RequireFromString("150.25")) {
		t.Fatalf("expected AAPL price 150.25, got %s", price)
	}
	if price := b.PaperVenue.Prices["MSFT"]; !price.Equal(decimal.RequireFromString("410.10")) {
		t.Fatalf("expected MSFT price 410.10, got %s", price)
	}

	if cfg.Execution.OrderThrottle != 10 || cfg.Execution.OrderBurst != 50 {
		t.Fatalf("unexpected execution config %+v", cfg.Execution)
	}

	if !cfg.Reconciliation.PriceTolerance.Equal(decimal.RequireFromString("0.05")) {
		t.Fatalf("expected price tolerance 0.05, got %s", cfg.Reconciliation.PriceTolerance)
	}
	if !cfg.Reconciliation.CommissionTolerance.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("expected default commission tolerance, got %s", cfg.Reconciliation.CommissionTolerance)
	}
	loc, err := cfg.Reconciliation.Location()
	if err != nil || loc.String() != "Europe/London" {
		t.Fatalf("expected Europe/London location, got %v (%v)", loc, err)
	}

	if got := strings.Join(cfg.MarketData.Symbols, ","); got != "AAPL,MSFT" {
		t.Fatalf("expected deduplicated symbols, got %s", got)
	}
	if cfg.APIServer.Addr != ":9999" {
		t.Fatalf("expected api server addr :9999, got %s", cfg.APIServer.Addr)
	}
	if cfg.Logging.Format != "console" || cfg.Logging.Level != "debug" {
		t.Fatalf("unexpected logging config %+v", cfg.Logging)
	}
	if cfg.Telemetry.ServiceName != "brokerlink" {
		t.Fatalf("expected default service name, got %q", cfg.Telemetry.ServiceName)
	}
	if cfg.Database.MinConns != 4 {
		t.Fatalf("expected minConns clamped to maxConns, got %d", cfg.Database.MinConns)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"environment":  "environment: qa\n",
		"adapter":      "broker:\n  adapter: tws\n",
		"port":         "broker:\n  port: 70000\n",
		"timezone":     "reconciliation:\n  timezone: Mars/Olympus\n",
		"tolerance":    "reconciliation:\n  priceTolerance: -1\n",
		"logging":      "logging:\n  format: xml\n",
		"paper prices": "broker:\n  paperVenue:\n    prices:\n      AAPL: 0\n",
		"decimal":      "reconciliation:\n  priceTolerance: abc\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(body)); err == nil {
				t.Fatalf("expected validation error for %s", name)
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		"BROKERLINK_BROKER_HOST":      "tws.internal",
		"BROKERLINK_BROKER_PORT":      "4002",
		"BROKERLINK_BROKER_CLIENT_ID": "42",
		"BROKERLINK_BROKER_PAPER":     "false",
		"BROKERLINK_DATABASE_DSN":     "postgresql://db/brokerlink",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}
	if cfg.Broker.Host != "tws.internal" || cfg.Broker.Port != 4002 || cfg.Broker.ClientID != 42 || cfg.Broker.Paper {
		t.Fatalf("unexpected broker config %+v", cfg.Broker)
	}
	if !cfg.Database.Enabled || cfg.Database.DSN != "postgresql://db/brokerlink" {
		t.Fatalf("expected database enabled from env, got %+v", cfg.Database)
	}

	env["BROKERLINK_BROKER_PORT"] = "not-a-port"
	if err := cfg.ApplyEnv(lookup); err == nil {
		t.Fatalf("expected error for invalid port")
	}
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := Load(context.Background(), filepath.Join("..", "..", "..", "config", "app.example.yaml"))
	if err != nil {
		t.Fatalf("load example config: %v", err)
	}
	if cfg.Broker.Adapter != AdapterPaper {
		t.Fatalf("expected paper adapter, got %s", cfg.Broker.Adapter)
	}
	if got := cfg.Broker.PaperVenue.Prices["AAPL"].String(); got != "189.5" {
		t.Fatalf("expected AAPL seed price 189.5, got %s", got)
	}
	if len(cfg.MarketData.Symbols) != 2 {
		t.Fatalf("expected two streamed symbols, got %v", cfg.MarketData.Symbols)
	}
}
