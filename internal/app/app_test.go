package app

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/shootperps/internal/config"
	"github.com/alanyoungcy/shootperps/internal/service"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func demoConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Mode = "demo"
	cfg.Server.Enabled = false
	cfg.Cluster.Workers = 2
	cfg.Cluster.CeremonyDelay.Duration = 0
	cfg.Client.PollInterval.Duration = 50 * time.Millisecond
	cfg.Client.AwaitTimeout.Duration = 10 * time.Second
	cfg.Client.KeyFetchAttempts = 200
	cfg.Client.KeyFetchInterval.Duration = 20 * time.Millisecond
	return &cfg
}

func TestDemoModeRunsToCompletion(t *testing.T) {
	cfg := demoConfig()
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a := New(cfg, quietLogger())
	defer a.Close()
	require.NoError(t, a.Run(ctx))
	assert.NoError(t, ctx.Err(), "demo should finish on its own")
}

func TestDemoModeShortPosition(t *testing.T) {
	cfg := demoConfig()
	cfg.Demo.Side = "short"
	cfg.Demo.TopUp = ""
	cfg.Demo.ExitPrice = "95"

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a := New(cfg, quietLogger())
	defer a.Close()
	require.NoError(t, a.Run(ctx))
}

func TestDemoModeRejectsUnknownCollateral(t *testing.T) {
	cfg := demoConfig()
	cfg.Demo.Collateral = "DOGE"

	a := New(cfg, quietLogger())
	defer a.Close()
	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DOGE")
}

func TestRunRejectsUnknownMode(t *testing.T) {
	cfg := demoConfig()
	cfg.Mode = "trade"
	err := New(cfg, quietLogger()).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported mode")
}

func TestClientModeNeedsReachableLedger(t *testing.T) {
	ts := httptest.NewServer(nil)
	url := ts.URL
	ts.Close()

	cfg := demoConfig()
	cfg.Mode = "client"
	cfg.Client.LedgerURL = url
	err := New(cfg, quietLogger()).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reach ledger")
}

func TestPriceRefreshInterval(t *testing.T) {
	cfg := demoConfig()
	a := New(cfg, quietLogger())
	assert.Equal(t, 30*time.Second, a.priceRefreshInterval())

	cfg.Markets.Assets[1].MaxPriceAgeSec = 1
	assert.Equal(t, time.Second, a.priceRefreshInterval())

	for i := range cfg.Markets.Assets {
		cfg.Markets.Assets[i].MaxPriceAgeSec = 0
	}
	assert.Equal(t, 30*time.Second, a.priceRefreshInterval())
}

func TestTradeScriptParams(t *testing.T) {
	cfg := config.Defaults()
	s := &tradeScript{markets: service.MarketsFromConfig(cfg.Markets), cfg: cfg.Demo, logger: quietLogger()}

	p, err := s.params()
	require.NoError(t, err)
	assert.Equal(t, "SOL", p.asset.Symbol)
	assert.Equal(t, uint64(100_000_000), p.deposit)
	assert.Equal(t, uint64(50_000_000), p.topUp)
	assert.Equal(t, uint64(110_000_000), p.exit)

	s.cfg.Deposit = "1.0000001"
	_, err = s.params()
	assert.ErrorContains(t, err, "deposit")

	s.cfg = cfg.Demo
	s.cfg.Side = "sideways"
	_, err = s.params()
	assert.Error(t, err)
}
