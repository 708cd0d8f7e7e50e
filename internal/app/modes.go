package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/shootperps/internal/blob/s3"
	"github.com/alanyoungcy/shootperps/internal/cache/redis"
	"github.com/alanyoungcy/shootperps/internal/computation"
	"github.com/alanyoungcy/shootperps/internal/crypto"
	"github.com/alanyoungcy/shootperps/internal/domain"
	"github.com/alanyoungcy/shootperps/internal/ledger"
	"github.com/alanyoungcy/shootperps/internal/mpc"
	"github.com/alanyoungcy/shootperps/internal/notify"
	"github.com/alanyoungcy/shootperps/internal/pipeline"
	"github.com/alanyoungcy/shootperps/internal/platform/ledgerrpc"
	"github.com/alanyoungcy/shootperps/internal/server"
	"github.com/alanyoungcy/shootperps/internal/server/handler"
	"github.com/alanyoungcy/shootperps/internal/server/ws"
	"github.com/alanyoungcy/shootperps/internal/service"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// stopped maps the cancellation that ends every mode to a clean return.
func stopped(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// localNode is the in-process half shared by node and demo mode: the
// ledger program with its admin and oracle services on top.
type localNode struct {
	prog      *ledger.Program
	authority *crypto.Signer
	prices    *service.PriceService
	admin     *service.AdminService
	markets   service.Markets
}

func (a *App) ledgerConfig() ledger.Config {
	c := a.cfg.Ledger
	return ledger.Config{
		ChainID:        c.ChainID,
		QueueSize:      c.QueueSize,
		EventBuffer:    c.EventBuffer,
		ReplayTTL:      c.ReplayTTL.Duration,
		MaxClockSkew:   c.MaxClockSkew.Duration,
		CallbackSecret: c.CallbackSecret,
	}
}

func (a *App) clusterConfig() mpc.Config {
	c := a.cfg.Cluster
	return mpc.Config{
		Workers:          c.Workers,
		CeremonyDelay:    c.CeremonyDelay.Duration,
		DeliveryAttempts: c.DeliveryAttempts,
		DeliveryBackoff:  c.DeliveryBackoff.Duration,
	}
}

func (a *App) orchestratorConfig() computation.Config {
	c := a.cfg.Client
	cfg := computation.DefaultConfig()
	cfg.AwaitTimeout = c.AwaitTimeout.Duration
	cfg.PollInterval = c.PollInterval.Duration
	cfg.LockTTL = c.LockTTL.Duration
	cfg.RegisterAttempts = c.RegisterAttempts
	cfg.RegisterBackoff = c.RegisterBackoff.Duration
	return cfg
}

func (a *App) keyCacheConfig() crypto.KeyCacheConfig {
	c := a.cfg.Client
	return crypto.KeyCacheConfig{
		Attempts:  c.KeyFetchAttempts,
		Interval:  c.KeyFetchInterval.Duration,
		SharedTTL: c.KeyCacheTTL.Duration,
	}
}

// priceRefreshInterval keeps every oracle well inside its staleness bound.
func (a *App) priceRefreshInterval() time.Duration {
	var minAge uint32
	for _, asset := range a.cfg.Markets.Assets {
		if asset.MaxPriceAgeSec > 0 && (minAge == 0 || asset.MaxPriceAgeSec < minAge) {
			minAge = asset.MaxPriceAgeSec
		}
	}
	if minAge == 0 {
		return 30 * time.Second
	}
	return max(time.Duration(minAge)*time.Second/2, time.Second)
}

// openNode creates the program and bootstraps the configured markets. The
// admin and authority keys may be ephemeral only in the demo.
func (a *App) openNode(ctx context.Context, deps *Dependencies, ephemeralAdmin, ephemeralAuthority bool) (*localNode, error) {
	adminKey, authorityKey, _, _, _ := a.keySources()
	admin, err := a.signer(adminKey, ephemeralAdmin)
	if err != nil {
		return nil, err
	}
	authority, err := a.signer(authorityKey, ephemeralAuthority)
	if err != nil {
		return nil, err
	}

	n := &localNode{
		prog:      ledger.NewProgram(deps.Store, a.ledgerConfig(), a.logger),
		authority: authority,
	}
	n.prices = service.NewPriceService(n.prog, admin, deps.SignalBus, a.logger)
	n.admin = service.NewAdminService(n.prog, admin, n.prices, a.logger)
	n.markets, err = n.admin.Bootstrap(ctx, authority.Identity(), a.cfg.Markets)
	if err != nil {
		return nil, fmt.Errorf("app: bootstrap markets: %w", err)
	}
	a.logger.InfoContext(ctx, "ledger ready",
		slog.String("pool", n.markets.Pool.String()),
		slog.Int("custodies", len(n.markets.All())),
		slog.String("admin", admin.Identity().String()),
		slog.String("authority", authority.Identity().String()),
	)
	return n, nil
}

// startCluster runs the computation cluster against the local program.
func (a *App) startCluster(ctx context.Context, g *errgroup.Group, n *localNode) error {
	_, _, _, clusterKey, _ := a.keySources()
	keys, err := a.keypair(clusterKey)
	if err != nil {
		return err
	}
	cluster, err := mpc.NewCluster(n.prog, mpc.Reference{}, keys, n.authority, n.prog.Callbacks(), a.clusterConfig(), a.logger)
	if err != nil {
		return fmt.Errorf("app: cluster: %w", err)
	}
	g.Go(func() error { return stopped(cluster.Run(ctx)) })
	return nil
}

// drainQueue discards the in-process request feed when the cluster runs
// elsewhere. The remote cluster reads requests from the ledger itself, and
// Requeue re-offers anything still pending.
func drainQueue(ctx context.Context, prog *ledger.Program) error {
	queue := prog.Queue()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-queue:
		}
	}
}

// startBackground runs the node's periodic jobs.
func (a *App) startBackground(ctx context.Context, g *errgroup.Group, deps *Dependencies, n *localNode) {
	g.Go(func() error {
		return stopped(n.prog.RunMaintenance(ctx, a.cfg.Ledger.MaintenanceInterval.Duration))
	})

	interval := a.priceRefreshInterval()
	g.Go(func() error { return stopped(n.prices.Run(ctx, interval)) })

	if deps.Bus != nil {
		relay := redis.NewEventRelay(deps.Bus, a.logger)
		g.Go(func() error { return stopped(relay.Run(ctx, n.prog)) })
	}

	if deps.BlobWriter != nil {
		events := s3blob.NewEventArchiver(deps.BlobWriter, deps.BlobReader, n.prog, a.cfg.S3.Prefix, 0)
		archiver := pipeline.NewArchiver(events, events, a.logger)
		g.Go(func() error { return stopped(archiver.Run(ctx, a.cfg.S3.ArchiveInterval.Duration)) })
	}

	if nc := a.cfg.Notify; nc.Configured() {
		var senders []notify.Sender
		if nc.TelegramToken != "" {
			senders = append(senders, notify.NewTelegramSender(nc.TelegramToken, nc.TelegramChatID))
		}
		if nc.DiscordWebhookURL != "" {
			senders = append(senders, notify.NewDiscordSender(nc.DiscordWebhookURL))
		}
		notifier := notify.NewNotifier(senders, nc.Events, a.logger)
		g.Go(func() error { return stopped(notifier.Run(ctx, n.prog)) })
	}
}

// startHTTPServer serves the ledger API and the event hub. The server is
// shut down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, n *localNode) {
	checks := make(map[string]handler.Check, len(deps.Checks)+1)
	for name, check := range deps.Checks {
		checks[name] = check
	}
	checks["ledger"] = func(ctx context.Context) error {
		_, err := n.prog.Perpetuals(ctx)
		return err
	}

	hub := ws.NewHub(n.prog, n.prog, deps.SignalBus, a.logger)
	g.Go(func() error { return stopped(hub.Run(ctx)) })

	sc := a.cfg.Server
	srv := server.NewServer(server.Config{
		Port:        sc.Port,
		CORSOrigins: sc.CORSOrigins,
		APIKey:      sc.APIKey,
		RateLimit:   sc.RateLimit,
		RateWindow:  sc.RateWindow.Duration,
	}, server.Handlers{
		Health: handler.NewHealthHandler(checks, a.logger),
		Ledger: handler.NewLedgerHandler(n.prog, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// NodeMode hosts the ledger, serves its API and, when enabled, runs the
// cluster in process.
func (a *App) NodeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting node mode", slog.Bool("cluster", a.cfg.Cluster.Enabled))

	// An in-process cluster may use a throwaway authority; a remote one
	// must hold the configured key.
	n, err := a.openNode(ctx, deps, false, a.cfg.Cluster.Enabled)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if a.cfg.Cluster.Enabled {
		if err := a.startCluster(ctx, g, n); err != nil {
			return err
		}
	} else {
		g.Go(func() error { return drainQueue(ctx, n.prog) })
	}
	a.startBackground(ctx, g, deps, n)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, n)
	}
	return g.Wait()
}

// ClusterMode serves a remote node: requests arrive over its event stream
// and callbacks go back over its API.
func (a *App) ClusterMode(ctx context.Context, deps *Dependencies) error {
	url := a.cfg.Client.LedgerURL
	a.logger.InfoContext(ctx, "starting cluster mode", slog.String("ledger_url", url))

	_, authorityKey, _, clusterKey, _ := a.keySources()
	authority, err := a.signer(authorityKey, false)
	if err != nil {
		return err
	}
	keys, err := a.keypair(clusterKey)
	if err != nil {
		return err
	}

	client := ledgerrpc.NewClient(url, a.cfg.Client.APIKey)
	stream := ledgerrpc.NewEventStream(url, a.cfg.Client.APIKey, ledgerrpc.QueuedChannels(), a.logger)
	link := ledgerrpc.NewClusterLink(client, stream, a.logger)
	cluster, err := mpc.NewCluster(link, mpc.Reference{}, keys, authority,
		crypto.NewCallbackAuth(a.cfg.Ledger.CallbackSecret), a.clusterConfig(), a.logger)
	if err != nil {
		return fmt.Errorf("app: cluster: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return stopped(link.Run(ctx)) })
	g.Go(func() error { return stopped(cluster.Run(ctx)) })
	return g.Wait()
}

// traderSide builds the caller stack for one trader: orchestrator, cluster
// key cache and session.
type traderSide struct {
	orch   *computation.Orchestrator
	trader *service.PositionService
}

type traderLedger interface {
	computation.Submitter
	computation.FinalizationReader
	crypto.KeySource
	service.PositionReader
}

func (a *App) newTrader(l traderLedger, source computation.EventSource, deps *Dependencies, ephemeral bool) (*traderSide, error) {
	_, _, traderKey, _, sessionKey := a.keySources()
	signer, err := a.signer(traderKey, ephemeral)
	if err != nil {
		return nil, err
	}
	keys, err := a.keypair(sessionKey)
	if err != nil {
		return nil, err
	}
	orch := computation.New(l, l, source, deps.LockManager, a.orchestratorConfig(), a.logger)
	cache := crypto.NewClusterKeyCache(l, deps.KeyCache, a.keyCacheConfig(), a.logger)
	trader := service.NewPositionService(orch, l, crypto.NewSession(keys, cache), signer,
		l, a.cfg.Client.AwaitTimeout.Duration, a.logger)
	return &traderSide{orch: orch, trader: trader}, nil
}

// runScript runs the orchestrator alongside the scripted trade and stops
// everything once the script returns.
func runScript(ctx context.Context, g *errgroup.Group, cancel context.CancelFunc, t *traderSide, script *tradeScript) error {
	g.Go(func() error { return stopped(t.orch.Run(ctx)) })
	g.Go(func() error {
		defer cancel()
		return script.Run(ctx)
	})
	return g.Wait()
}

// ClientMode trades against a remote node. Finalizations arrive over the
// Redis relay when Redis is enabled, otherwise over the node's websocket.
func (a *App) ClientMode(ctx context.Context, deps *Dependencies) error {
	url := a.cfg.Client.LedgerURL
	a.logger.InfoContext(ctx, "starting client mode", slog.String("ledger_url", url))

	client := ledgerrpc.NewClient(url, a.cfg.Client.APIKey)
	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("app: reach ledger: %w", err)
	}
	var source computation.EventSource
	if deps.Bus != nil {
		source = redis.NewStreamSource(deps.Bus, a.logger)
	} else {
		source = ledgerrpc.NewEventStream(url, a.cfg.Client.APIKey, nil, a.logger)
	}

	t, err := a.newTrader(client, source, deps, false)
	if err != nil {
		return err
	}
	script := &tradeScript{
		trader:  t.trader,
		ledger:  client,
		markets: service.MarketsFromConfig(a.cfg.Markets),
		cfg:     a.cfg.Demo,
		logger:  a.logger,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	return runScript(ctx, g, cancel, t, script)
}

// DemoMode runs the whole system in one process with throwaway keys, funds
// a trader and walks one position from open to close.
func (a *App) DemoMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting demo mode")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	n, err := a.openNode(ctx, deps, true, true)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	if err := a.startCluster(ctx, g, n); err != nil {
		return err
	}
	a.startBackground(ctx, g, deps, n)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, n)
	}

	t, err := a.newTrader(n.prog, n.prog, deps, true)
	if err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	if err := a.fundTrader(ctx, n, t.trader.Signer()); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	script := &tradeScript{
		trader:   t.trader,
		ledger:   n.prog,
		markets:  n.markets,
		cfg:      a.cfg.Demo,
		setPrice: n.prices.SetPrice,
		logger:   a.logger,
	}
	return runScript(ctx, g, cancel, t, script)
}

func (a *App) fundTrader(ctx context.Context, n *localNode, owner domain.Pubkey) error {
	mk, ok := n.markets.Get(a.cfg.Demo.Collateral)
	if !ok {
		return fmt.Errorf("app: unknown collateral %q", a.cfg.Demo.Collateral)
	}
	amount, err := domain.ParseAmount(a.cfg.Demo.Funds, mk.Decimals)
	if err != nil {
		return fmt.Errorf("app: demo funds: %w", err)
	}
	if err := n.admin.Fund(ctx, mk.Mint, owner, amount); err != nil {
		return fmt.Errorf("app: fund trader: %w", err)
	}
	a.logger.InfoContext(ctx, "trader funded",
		slog.String("trader", owner.String()),
		slog.String("amount", domain.FormatAmount(amount, mk.Decimals)),
		slog.String("mint", mk.Symbol),
	)
	return nil
}
