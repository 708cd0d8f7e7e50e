package service_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/shootperps/internal/computation"
	"github.com/alanyoungcy/shootperps/internal/config"
	"github.com/alanyoungcy/shootperps/internal/crypto"
	"github.com/alanyoungcy/shootperps/internal/domain"
	"github.com/alanyoungcy/shootperps/internal/ledger"
	"github.com/alanyoungcy/shootperps/internal/ledger/memstore"
	"github.com/alanyoungcy/shootperps/internal/mpc"
	"github.com/alanyoungcy/shootperps/internal/service"
)

func usd(v uint64) uint64 { return v * domain.USDScale }

const traderFunds = 10_000 * 1_000_000

// node is a full in-process deployment: ledger, cluster, orchestrator and
// the services on top.
type node struct {
	ctx     context.Context
	prog    *ledger.Program
	admin   *service.AdminService
	prices  *service.PriceService
	markets service.Markets
	trader  *service.PositionService
	keeper  *service.PositionService

	authority *crypto.Signer
	usdc, sol service.Market
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newNode(t *testing.T) *node {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	logger := discardLogger()

	lcfg := ledger.DefaultConfig()
	lcfg.CallbackSecret = "service-test-secret"
	prog := ledger.NewProgram(memstore.New(), lcfg, logger)

	admin, err := crypto.GenerateSigner(lcfg.ChainID)
	require.NoError(t, err)
	authority, err := crypto.GenerateSigner(lcfg.ChainID)
	require.NoError(t, err)

	n := &node{ctx: ctx, prog: prog, authority: authority}
	n.prices = service.NewPriceService(prog, admin, nil, logger)
	n.admin = service.NewAdminService(prog, admin, n.prices, logger)
	n.markets, err = n.admin.Bootstrap(ctx, authority.Identity(), config.Defaults().Markets)
	require.NoError(t, err)

	var ok bool
	n.usdc, ok = n.markets.Get("usdc")
	require.True(t, ok)
	n.sol, ok = n.markets.Get("SOL")
	require.True(t, ok)

	clusterKeys, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	mcfg := mpc.DefaultConfig()
	mcfg.Workers = 2
	mcfg.CeremonyDelay = 0
	mcfg.DeliveryAttempts = 1
	cluster, err := mpc.NewCluster(prog, mpc.Reference{}, clusterKeys, authority, prog.Callbacks(), mcfg, logger)
	require.NoError(t, err)
	go func() { _ = cluster.Run(ctx) }()

	ocfg := computation.DefaultConfig()
	ocfg.PollInterval = 20 * time.Millisecond
	ocfg.AwaitTimeout = 5 * time.Second
	orch := computation.New(prog, prog, prog, nil, ocfg, logger)
	go func() { _ = orch.Run(ctx) }()

	n.trader = n.positionService(t, orch, logger)
	n.keeper = n.positionService(t, orch, logger)
	require.NoError(t, n.admin.Fund(ctx, n.usdc.Mint, n.trader.Signer(), traderFunds))
	return n
}

func (n *node) positionService(t *testing.T, orch *computation.Orchestrator, logger *slog.Logger) *service.PositionService {
	t.Helper()
	signer, err := crypto.GenerateSigner(n.prog.ChainID())
	require.NoError(t, err)
	keys, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	cache := crypto.NewClusterKeyCache(n.prog, nil, crypto.KeyCacheConfig{Attempts: 200, Interval: 10 * time.Millisecond}, logger)
	session := crypto.NewSession(keys, cache)
	return service.NewPositionService(orch, n.prog, session, signer, n.prog, 5*time.Second, logger)
}

func (n *node) balance(t *testing.T, mint, owner domain.Pubkey) uint64 {
	t.Helper()
	b, err := n.prog.Balance(n.ctx, mint, owner)
	require.NoError(t, err)
	return b
}

func (n *node) openLong(t *testing.T) service.Outcome {
	t.Helper()
	out, err := n.trader.OpenPosition(n.ctx, service.OpenRequest{
		Pool:              n.markets.Pool,
		Custody:           n.sol.Custody,
		CollateralCustody: n.usdc.Custody,
		Side:              domain.SideLong,
		SizeUSD:           usd(1000),
		Collateral:        usd(100),
		EntryPrice:        usd(100),
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusFinalized, out.Finalization.Status)
	return out
}

func TestPositionLifecycle(t *testing.T) {
	n := newNode(t)

	opened := n.openLong(t)
	assert.Equal(t, uint64(traderFunds-usd(101)), n.balance(t, n.usdc.Mint, n.trader.Signer()))
	pos, err := n.prog.Position(n.ctx, opened.Position)
	require.NoError(t, err)
	assert.True(t, pos.Active)
	assert.Equal(t, n.trader.Signer(), pos.Owner)

	pnl, err := n.trader.CalculatePnl(n.ctx, opened.Position, usd(110))
	require.NoError(t, err)
	assert.Equal(t, usd(100), pnl.Profit)
	assert.Zero(t, pnl.Loss)

	adjusted, err := n.trader.AdjustCollateral(n.ctx, opened.Position, usd(50), true)
	require.NoError(t, err)
	require.NotNil(t, adjusted.Finalization.Outputs)
	assert.Equal(t, uint64(66_666), adjusted.Finalization.Outputs.Leverage)
	assert.Equal(t, uint64(traderFunds-usd(151)), n.balance(t, n.usdc.Mint, n.trader.Signer()))

	require.NoError(t, n.prices.SetPrice(n.ctx, n.sol.Custody, usd(110)))
	closed, err := n.trader.ClosePosition(n.ctx, opened.Position)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFinalized, closed.Finalization.Status)

	after, err := n.prog.Position(n.ctx, opened.Position)
	require.NoError(t, err)
	assert.False(t, after.Active)
	assert.Equal(t, uint64(traderFunds-usd(151)+usd(249)), n.balance(t, n.usdc.Mint, n.trader.Signer()))
}

func TestLiquidatingHealthyPositionFails(t *testing.T) {
	n := newNode(t)
	opened := n.openLong(t)

	out, err := n.keeper.Liquidate(n.ctx, opened.Position)
	require.Error(t, err)
	assert.True(t, service.IsNotLiquidatable(out, err))

	pos, err := n.prog.Position(n.ctx, opened.Position)
	require.NoError(t, err)
	assert.True(t, pos.Active)
	assert.Zero(t, n.balance(t, n.usdc.Mint, n.keeper.Signer()))
}

func TestLiquidationPaysKeeper(t *testing.T) {
	n := newNode(t)
	opened := n.openLong(t)

	// Loss of $90 leaves $10 of margin, 100x on $1000.
	require.NoError(t, n.prices.SetPrice(n.ctx, n.sol.Custody, usd(91)))
	out, err := n.keeper.Liquidate(n.ctx, opened.Position)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFinalized, out.Finalization.Status)

	pos, err := n.prog.Position(n.ctx, opened.Position)
	require.NoError(t, err)
	assert.False(t, pos.Active)
	assert.Equal(t, uint64(100_000), n.balance(t, n.usdc.Mint, n.keeper.Signer()))
	assert.Equal(t, uint64(traderFunds-usd(101)+9_900_000), n.balance(t, n.usdc.Mint, n.trader.Signer()))
}

func TestOpenRejectsUnknownSide(t *testing.T) {
	n := newNode(t)
	_, err := n.trader.OpenPosition(n.ctx, service.OpenRequest{
		Pool:              n.markets.Pool,
		Custody:           n.sol.Custody,
		CollateralCustody: n.usdc.Custody,
		Side:              domain.Side(7),
		SizeUSD:           usd(1000),
		Collateral:        usd(100),
		EntryPrice:        usd(100),
	})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestAdjustCollateralRejectsZero(t *testing.T) {
	n := newNode(t)
	opened := n.openLong(t)
	_, err := n.trader.AdjustCollateral(n.ctx, opened.Position, 0, true)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestBootstrapIsIdempotent(t *testing.T) {
	n := newNode(t)
	before, err := n.prog.Custody(n.ctx, n.sol.Custody)
	require.NoError(t, err)

	again, err := n.admin.Bootstrap(n.ctx, n.authority.Identity(), config.Defaults().Markets)
	require.NoError(t, err)
	assert.Equal(t, n.markets.Pool, again.Pool)
	assert.Len(t, again.All(), 2)

	after, err := n.prog.Custody(n.ctx, n.sol.Custody)
	require.NoError(t, err)
	assert.Equal(t, before.Assets.Owned, after.Assets.Owned, "liquidity is only seeded once")
}

func TestLiquidityRoundTrip(t *testing.T) {
	n := newNode(t)

	_, err := n.trader.AddLiquidity(n.ctx, n.usdc.Custody, usd(1_000), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(traderFunds-usd(1_000)), n.balance(t, n.usdc.Mint, n.trader.Signer()))

	pool, err := n.prog.Pool(n.ctx, n.markets.Pool)
	require.NoError(t, err)
	lp := n.balance(t, pool.LPMint, n.trader.Signer())
	require.NotZero(t, lp)

	_, err = n.trader.RemoveLiquidity(n.ctx, n.usdc.Custody, lp, 0)
	require.NoError(t, err)
	assert.Zero(t, n.balance(t, pool.LPMint, n.trader.Signer()))
	assert.Greater(t, n.balance(t, n.usdc.Mint, n.trader.Signer()), uint64(traderFunds-usd(2)))
}

func TestPriceServiceRefresh(t *testing.T) {
	n := newNode(t)
	p, ok := n.prices.Price(n.sol.Custody)
	require.True(t, ok)
	assert.Equal(t, usd(100), p)

	require.NoError(t, n.prices.Refresh(n.ctx))
	oracle, err := n.prog.Oracle(n.ctx, n.sol.Custody)
	require.NoError(t, err)
	assert.Equal(t, usd(100), oracle.Price)
}

type flakySubmitter struct {
	fail atomic.Bool
	sets atomic.Int32
}

func (f *flakySubmitter) Execute(context.Context, ledger.SignedEnvelope) (domain.TxResult, error) {
	if f.fail.Load() {
		return domain.TxResult{}, domain.ErrStaleOracle
	}
	f.sets.Add(1)
	return domain.TxResult{}, nil
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestPriceServiceRunLogsRefreshFailures(t *testing.T) {
	signer, err := crypto.GenerateSigner(ledger.DefaultConfig().ChainID)
	require.NoError(t, err)
	sub := &flakySubmitter{}
	logs := &syncBuffer{}
	prices := service.NewPriceService(sub, signer, nil, slog.New(slog.NewTextHandler(logs, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	custody := domain.DerivePubkey([]byte("custody"))
	require.NoError(t, prices.SetPrice(ctx, custody, usd(100)))
	sub.fail.Store(true)

	done := make(chan error, 1)
	go func() { done <- prices.Run(ctx, 5*time.Millisecond) }()
	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "price refresh failed")
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, logs.String(), "stale")

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.EqualValues(t, 1, sub.sets.Load())
}

func TestDisabledCustodyRejectsOpen(t *testing.T) {
	n := newNode(t)
	require.NoError(t, n.admin.SetCustodyActive(n.ctx, n.sol.Custody, false))
	_, err := n.trader.OpenPosition(n.ctx, service.OpenRequest{
		Pool:              n.markets.Pool,
		Custody:           n.sol.Custody,
		CollateralCustody: n.usdc.Custody,
		Side:              domain.SideLong,
		SizeUSD:           usd(1000),
		Collateral:        usd(100),
		EntryPrice:        usd(100),
	})
	require.Error(t, err)
	assert.Equal(t, uint64(traderFunds), n.balance(t, n.usdc.Mint, n.trader.Signer()))
}

func TestMarketsFromConfigMatchesBootstrap(t *testing.T) {
	n := newNode(t)
	derived := service.MarketsFromConfig(config.Defaults().Markets)
	assert.Equal(t, n.markets.Pool, derived.Pool)
	for _, mk := range n.markets.All() {
		got, ok := derived.Get(mk.Symbol)
		require.True(t, ok, mk.Symbol)
		assert.Equal(t, mk, got)
	}
}
