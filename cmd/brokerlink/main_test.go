package main

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coachpo/brokerlink/internal/app/connection"
	"github.com/coachpo/brokerlink/internal/app/execution"
	"github.com/coachpo/brokerlink/internal/infra/adapters/clientportal"
	"github.com/coachpo/brokerlink/internal/infra/adapters/paper"
	"github.com/coachpo/brokerlink/internal/infra/config"
	"github.com/coachpo/brokerlink/internal/infra/telemetry"
)

func TestResolveConfigPath(t *testing.T) {
	assert.Equal(t, "config/app.yaml", resolveConfigPath(""))
	assert.Equal(t, "/etc/brokerlink.yaml", resolveConfigPath("/etc/brokerlink.yaml"))
}

func TestBuildSessionSelectsAdapter(t *testing.T) {
	cfg := config.Default().Broker
	cfg.Account = "DU42"
	cfg.PaperVenue.Prices = map[string]config.Amount{"AAPL": config.NewAmount(decimal.NewFromInt(150))}

	s := buildSession(cfg, zap.NewNop())
	t.Cleanup(s.Close)
	require.IsType(t, &paper.Session{}, s)

	cfg.Adapter = config.AdapterClientPortal
	cp := buildSession(cfg, zap.NewNop())
	t.Cleanup(cp.Close)
	assert.IsType(t, &clientportal.Session{}, cp)
}

func TestBuildReconcilerUsesConfiguredTimezone(t *testing.T) {
	s := paper.NewSession(paper.Options{})
	t.Cleanup(s.Close)
	mgr := connection.NewManager(s, connection.WithRetryStep(time.Millisecond))
	t.Cleanup(mgr.Close)
	orders := execution.NewHandler(mgr)
	t.Cleanup(orders.Close)

	provider, err := telemetry.NewProvider(t.Context(), telemetry.Config{})
	require.NoError(t, err)

	cfg := config.Default().Reconciliation
	cfg.Timezone = "Europe/London"
	rec, err := buildReconciler(cfg, mgr, orders, nil, zap.NewNop(), provider)
	require.NoError(t, err)
	assert.Equal(t, "Europe/London", rec.Location().String())

	cfg.Timezone = "Mars/Olympus"
	_, err = buildReconciler(cfg, mgr, orders, nil, zap.NewNop(), provider)
	assert.Error(t, err)
}
