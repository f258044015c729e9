// Package config loads and validates the brokerlink application configuration.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// BrokerConfig describes the broker endpoint and connection supervision.
type BrokerConfig struct {
	Adapter        Adapter            `yaml:"adapter"`
	Host           string             `yaml:"host"`
	Port           int                `yaml:"port"`
	ClientID       int                `yaml:"clientId"`
	Account        string             `yaml:"account"`
	Paper          bool               `yaml:"paper"`
	ConnectTimeout time.Duration      `yaml:"connectTimeout"`
	Retries        int                `yaml:"retries"`
	RetryStep      time.Duration      `yaml:"retryStep"`
	AutoReconnect  bool               `yaml:"autoReconnect"`
	ClientPortal   ClientPortalConfig `yaml:"clientPortal"`
	PaperVenue     PaperVenueConfig   `yaml:"paperVenue"`
}

// ClientPortalConfig configures the gateway adapter.
type ClientPortalConfig struct {
	BaseURL            string        `yaml:"baseUrl"`
	InsecureSkipVerify bool          `yaml:"insecureSkipVerify"`
	HTTPTimeout        time.Duration `yaml:"httpTimeout"`
	TickleInterval     time.Duration `yaml:"tickleInterval"`
}

// PaperVenueConfig configures the paper adapter.
type PaperVenueConfig struct {
	StartingCash       Amount            `yaml:"startingCash"`
	CommissionPerShare Amount            `yaml:"commissionPerShare"`
	MinCommission      Amount            `yaml:"minCommission"`
	MaxFillQuantity    Amount            `yaml:"maxFillQuantity"`
	Prices             map[string]Amount `yaml:"prices"`
}

// ExecutionConfig bounds order submission.
type ExecutionConfig struct {
	OrderThrottle float64 `yaml:"orderThrottle"`
	OrderBurst    int     `yaml:"orderBurst"`
}

// ReconciliationConfig holds the comparison settings.
type ReconciliationConfig struct {
	Timezone            string `yaml:"timezone"`
	PriceTolerance      Amount `yaml:"priceTolerance"`
	CommissionTolerance Amount `yaml:"commissionTolerance"`
}

// Location resolves Timezone.
func (c ReconciliationConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// MarketDataConfig lists symbols streamed while connected.
type MarketDataConfig struct {
	Symbols []string `yaml:"symbols"`
}

// APIServerConfig configures the HTTP control surface.
type APIServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"maxConns"`
	MinConns        int32         `yaml:"minConns"`
	MaxConnLifetime time.Duration `yaml:"maxConnLifetime"`
	RunMigrations   bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/brokerlink?sslmode=disable"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
}

func (c DatabaseConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

// AppConfig is the unified brokerlink configuration sourced from YAML.
type AppConfig struct {
	Environment    Environment          `yaml:"environment"`
	Broker         BrokerConfig         `yaml:"broker"`
	Execution      ExecutionConfig      `yaml:"execution"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	MarketData     MarketDataConfig     `yaml:"marketData"`
	APIServer      APIServerConfig      `yaml:"apiServer"`
	Logging        LoggingConfig        `yaml:"logging"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	Database       DatabaseConfig       `yaml:"database"`
}

// Default returns the configuration used when no file is present.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Broker: BrokerConfig{
			Adapter:       AdapterPaper,
			Paper:         true,
			AutoReconnect: true,
		},
	}
	_ = cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	data, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// LoadOrDefault behaves like Load but falls back to Default when the file does
// not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Parse decodes, normalises and validates YAML configuration.
func Parse(data []byte) (AppConfig, error) {
	cfg := AppConfig{Broker: BrokerConfig{AutoReconnect: true, Paper: true}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	b := &c.Broker
	b.Adapter = Adapter(strings.ToLower(strings.TrimSpace(string(b.Adapter))))
	if b.Adapter == "" {
		b.Adapter = AdapterPaper
	}
	b.Host = strings.TrimSpace(b.Host)
	if b.Host == "" {
		b.Host = "127.0.0.1"
	}
	if b.Port == 0 {
		if b.Paper {
			b.Port = 7497
		} else {
			b.Port = 7496
		}
	}
	if b.ClientID == 0 {
		b.ClientID = 1
	}
	b.Account = strings.TrimSpace(b.Account)
	if b.ConnectTimeout <= 0 {
		b.ConnectTimeout = 30 * time.Second
	}
	if b.Retries <= 0 {
		b.Retries = 3
	}
	if b.RetryStep <= 0 {
		b.RetryStep = 5 * time.Second
	}
	b.ClientPortal.BaseURL = strings.TrimRight(strings.TrimSpace(b.ClientPortal.BaseURL), "/")
	if b.ClientPortal.BaseURL == "" {
		b.ClientPortal.BaseURL = "https://localhost:5000/v1/api"
	}

	if c.Execution.OrderThrottle <= 0 {
		c.Execution.OrderThrottle = 50
	}
	if c.Execution.OrderBurst <= 0 {
		c.Execution.OrderBurst = 50
	}

	r := &c.Reconciliation
	r.Timezone = strings.TrimSpace(r.Timezone)
	if r.Timezone == "" {
		r.Timezone = "America/New_York"
	}
	if !r.PriceTolerance.IsSet() {
		r.PriceTolerance = NewAmount(decimal.RequireFromString("0.01"))
	}
	if !r.CommissionTolerance.IsSet() {
		r.CommissionTolerance = NewAmount(decimal.RequireFromString("0.01"))
	}

	if len(c.MarketData.Symbols) > 0 {
		symbols := make([]string, 0, len(c.MarketData.Symbols))
		seen := make(map[string]struct{}, len(c.MarketData.Symbols))
		for _, s := range c.MarketData.Symbols {
			key := strings.ToUpper(strings.TrimSpace(s))
			if key == "" {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			symbols = append(symbols, key)
		}
		c.MarketData.Symbols = symbols
	}

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = ":8880"
	}
	if c.APIServer.ShutdownTimeout <= 0 {
		c.APIServer.ShutdownTimeout = 10 * time.Second
	}

	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "brokerlink"
	}

	c.Database.applyDefaults()
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	switch c.Broker.Adapter {
	case AdapterPaper, AdapterClientPortal:
	default:
		return fmt.Errorf("broker adapter must be one of paper, clientportal")
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker port must be in 1..65535")
	}
	if c.Broker.ClientID < 0 {
		return fmt.Errorf("broker clientId must be >= 0")
	}
	if c.Broker.Retries <= 0 {
		return fmt.Errorf("broker retries must be > 0")
	}
	for symbol, price := range c.Broker.PaperVenue.Prices {
		if !price.IsPositive() {
			return fmt.Errorf("broker paperVenue price for %s must be > 0", symbol)
		}
	}

	if c.Execution.OrderThrottle <= 0 {
		return fmt.Errorf("execution orderThrottle must be > 0")
	}
	if c.Execution.OrderBurst <= 0 {
		return fmt.Errorf("execution orderBurst must be > 0")
	}

	if _, err := c.Reconciliation.Location(); err != nil {
		return fmt.Errorf("reconciliation: %w", err)
	}
	if c.Reconciliation.PriceTolerance.IsNegative() {
		return fmt.Errorf("reconciliation priceTolerance must be >= 0")
	}
	if c.Reconciliation.CommissionTolerance.IsNegative() {
		return fmt.Errorf("reconciliation commissionTolerance must be >= 0")
	}

	if c.APIServer.Addr == "" {
		return fmt.Errorf("apiServer addr required")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging format must be json or console")
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

// ApplyEnv overrides broker endpoint settings from BROKERLINK_* variables and
// revalidates. lookup is typically os.LookupEnv.
func (c *AppConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		return nil
	}
	if v, ok := lookup("BROKERLINK_BROKER_HOST"); ok && strings.TrimSpace(v) != "" {
		c.Broker.Host = strings.TrimSpace(v)
	}
	if v, ok := lookup("BROKERLINK_BROKER_PORT"); ok && strings.TrimSpace(v) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("BROKERLINK_BROKER_PORT: %w", err)
		}
		c.Broker.Port = port
	}
	if v, ok := lookup("BROKERLINK_BROKER_CLIENT_ID"); ok && strings.TrimSpace(v) != "" {
		id, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("BROKERLINK_BROKER_CLIENT_ID: %w", err)
		}
		c.Broker.ClientID = id
	}
	if v, ok := lookup("BROKERLINK_BROKER_PAPER"); ok && strings.TrimSpace(v) != "" {
		paper, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("BROKERLINK_BROKER_PAPER: %w", err)
		}
		c.Broker.Paper = paper
	}
	if v, ok := lookup("BROKERLINK_BROKER_ACCOUNT"); ok {
		c.Broker.Account = strings.TrimSpace(v)
	}
	if v, ok := lookup("BROKERLINK_DATABASE_DSN"); ok && strings.TrimSpace(v) != "" {
		c.Database.DSN = strings.TrimSpace(v)
		c.Database.Enabled = true
	}
	return c.Validate()
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
