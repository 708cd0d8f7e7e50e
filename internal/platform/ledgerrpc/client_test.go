package ledgerrpc_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
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
	"github.com/alanyoungcy/shootperps/internal/platform/ledgerrpc"
	"github.com/alanyoungcy/shootperps/internal/server"
	"github.com/alanyoungcy/shootperps/internal/server/handler"
	"github.com/alanyoungcy/shootperps/internal/server/ws"
	"github.com/alanyoungcy/shootperps/internal/service"
)

const (
	apiKey = "rpc-test-key"
	secret = "rpc-test-secret"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type remoteNode struct {
	ctx       context.Context
	prog      *ledger.Program
	admin     *service.AdminService
	markets   service.Markets
	authority *crypto.Signer
	url       string
}

// startNode serves a ledger over HTTP without an in-process cluster.
func startNode(t *testing.T) *remoteNode {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	logger := quiet()

	lcfg := ledger.DefaultConfig()
	lcfg.CallbackSecret = secret
	prog := ledger.NewProgram(memstore.New(), lcfg, logger)

	hub := ws.NewHub(prog, prog, nil, logger)
	go func() { _ = hub.Run(ctx) }()
	srv := server.NewServer(server.Config{APIKey: apiKey}, server.Handlers{
		Health: handler.NewHealthHandler(nil, logger),
		Ledger: handler.NewLedgerHandler(prog, logger),
	}, hub, nil, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	adminSigner, err := crypto.GenerateSigner(lcfg.ChainID)
	require.NoError(t, err)
	authority, err := crypto.GenerateSigner(lcfg.ChainID)
	require.NoError(t, err)
	prices := service.NewPriceService(prog, adminSigner, nil, logger)
	admin := service.NewAdminService(prog, adminSigner, prices, logger)
	markets, err := admin.Bootstrap(ctx, authority.Identity(), config.Defaults().Markets)
	require.NoError(t, err)

	return &remoteNode{ctx: ctx, prog: prog, admin: admin, markets: markets, authority: authority, url: ts.URL}
}

// startCluster runs a cluster that reaches the node only over the API.
func (n *remoteNode) startCluster(t *testing.T) {
	t.Helper()
	logger := quiet()
	client := ledgerrpc.NewClient(n.url, apiKey)
	stream := ledgerrpc.NewEventStream(n.url, apiKey, ledgerrpc.QueuedChannels(), logger)
	link := ledgerrpc.NewClusterLink(client, stream, logger)
	go func() { _ = link.Run(n.ctx) }()

	keys, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	mcfg := mpc.DefaultConfig()
	mcfg.Workers = 2
	mcfg.CeremonyDelay = 0
	mcfg.DeliveryAttempts = 3
	cluster, err := mpc.NewCluster(link, mpc.Reference{}, keys, n.authority, crypto.NewCallbackAuth(secret), mcfg, logger)
	require.NoError(t, err)
	go func() { _ = cluster.Run(n.ctx) }()
}

func TestClientRestoresDomainErrors(t *testing.T) {
	n := startNode(t)
	client := ledgerrpc.NewClient(n.url, apiKey)

	_, err := client.ClusterKey(n.ctx)
	assert.ErrorIs(t, err, domain.ErrKeyUnavailable)

	_, err = client.Position(n.ctx, domain.DerivePubkey([]byte("missing")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrPositionNotFound), err.Error())

	signer, err := crypto.GenerateSigner(n.prog.ChainID())
	require.NoError(t, err)
	env, err := ledger.Sign(signer, domain.IxInitialize, domain.InitializeArgs{}, time.Now())
	require.NoError(t, err)
	_, err = ledgerrpc.NewClient(n.url, "").Execute(n.ctx, env)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	// The protocol is already initialized.
	_, err = client.Execute(n.ctx, env)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	perps, err := client.Perpetuals(n.ctx)
	require.NoError(t, err)
	assert.Equal(t, n.authority.Identity(), perps.ClusterAuthority)
	require.NoError(t, client.Ping(n.ctx))
}

func TestRemotePositionFlow(t *testing.T) {
	n := startNode(t)
	n.startCluster(t)
	logger := quiet()

	client := ledgerrpc.NewClient(n.url, apiKey)
	stream := ledgerrpc.NewEventStream(n.url, apiKey, nil, logger)
	ocfg := computation.DefaultConfig()
	ocfg.PollInterval = 50 * time.Millisecond
	ocfg.AwaitTimeout = 10 * time.Second
	orch := computation.New(client, client, stream, nil, ocfg, logger)
	go func() { _ = orch.Run(n.ctx) }()

	signer, err := crypto.GenerateSigner(n.prog.ChainID())
	require.NoError(t, err)
	keys, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	cache := crypto.NewClusterKeyCache(client, nil, crypto.KeyCacheConfig{Attempts: 300, Interval: 20 * time.Millisecond}, logger)
	trader := service.NewPositionService(orch, client, crypto.NewSession(keys, cache), signer, client, 10*time.Second, logger)

	usdc, ok := n.markets.Get("usdc")
	require.True(t, ok)
	sol, ok := n.markets.Get("SOL")
	require.True(t, ok)
	const funds = 1_000 * domain.USDScale
	require.NoError(t, n.admin.Fund(n.ctx, usdc.Mint, signer.Identity(), funds))

	out, err := trader.OpenPosition(n.ctx, service.OpenRequest{
		Pool:              n.markets.Pool,
		Custody:           sol.Custody,
		CollateralCustody: usdc.Custody,
		Side:              domain.SideLong,
		SizeUSD:           500 * domain.USDScale,
		Collateral:        100 * domain.USDScale,
		EntryPrice:        100 * domain.USDScale,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFinalized, out.Finalization.Status)

	pos, err := client.Position(n.ctx, out.Position)
	require.NoError(t, err)
	assert.True(t, pos.Active)

	// Opens and updates announce themselves with their own event types; the
	// cluster must pick them up from the stream, well inside the await timeout.
	start := time.Now()
	upd, err := trader.AdjustCollateral(n.ctx, out.Position, 20*domain.USDScale, true)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFinalized, upd.Finalization.Status)
	assert.Less(t, time.Since(start), ocfg.AwaitTimeout)

	updated, err := client.Position(n.ctx, out.Position)
	require.NoError(t, err)
	assert.Positive(t, updated.Nonce.Cmp(pos.Nonce))

	positions, err := client.PositionsByOwner(n.ctx, signer.Identity())
	require.NoError(t, err)
	assert.Len(t, positions, 1)

	bal, err := client.Balance(n.ctx, usdc.Mint, signer.Identity())
	require.NoError(t, err)
	assert.Less(t, bal, uint64(funds))

	events, err := client.Events(n.ctx, 0, 1000)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}
