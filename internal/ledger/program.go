// Package ledger is the ordered ledger that holds custody accounts and
// encrypted position records. Instructions are signed envelopes executed one
// at a time; each runs inside a single store transaction so it either
// commits every write or none. Position operations queue a computation for
// the cluster and settle in a later callback transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/shootperps/internal/crypto"
	"github.com/alanyoungcy/shootperps/internal/domain"
	"github.com/alanyoungcy/shootperps/internal/metrics"
)

// Config tunes a Program.
type Config struct {
	ChainID        int64
	QueueSize      int
	EventBuffer    int
	ReplayTTL      time.Duration
	MaxClockSkew   time.Duration
	CallbackSecret string
}

// DefaultConfig returns the settings used by the demo and tests.
func DefaultConfig() Config {
	return Config{
		ChainID:      1337,
		QueueSize:    1024,
		EventBuffer:  256,
		ReplayTTL:    10 * time.Minute,
		MaxClockSkew: 2 * time.Minute,
	}
}

// Option customizes a Program.
type Option func(*Program)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Program) { p.now = now }
}

// Program executes ledger instructions.
type Program struct {
	store     domain.LedgerStore
	verifier  *crypto.Verifier
	callbacks *crypto.CallbackAuth
	replay    *ReplayGuard
	events    *Broadcaster
	queue     chan domain.ComputationRequest
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger

	// mu orders transactions: the ledger runs one instruction at a time.
	mu sync.Mutex
}

// NewProgram creates a program over store.
func NewProgram(store domain.LedgerStore, cfg Config, logger *slog.Logger, opts ...Option) *Program {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.ReplayTTL <= 0 {
		cfg.ReplayTTL = DefaultConfig().ReplayTTL
	}
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = DefaultConfig().MaxClockSkew
	}
	logger = logger.With(slog.String("component", "ledger"))
	p := &Program{
		store:     store,
		verifier:  crypto.NewVerifier(cfg.ChainID),
		callbacks: crypto.NewCallbackAuth(cfg.CallbackSecret),
		replay:    NewReplayGuard(cfg.ReplayTTL),
		events:    NewBroadcaster(cfg.EventBuffer, logger),
		queue:     make(chan domain.ComputationRequest, cfg.QueueSize),
		cfg:       cfg,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Execute verifies and runs one signed instruction.
func (p *Program) Execute(ctx context.Context, env SignedEnvelope) (domain.TxResult, error) {
	res, err := p.execute(ctx, env)
	result := "ok"
	if err != nil {
		result = domain.ReasonCode(err)
		p.logger.WarnContext(ctx, "instruction rejected",
			slog.String("kind", string(env.Kind)),
			slog.String("signer", env.Signer.String()),
			slog.String("error", err.Error()),
		)
	}
	metrics.LedgerInstructions.WithLabelValues(string(env.Kind), result).Inc()
	return res, err
}

func (p *Program) execute(ctx context.Context, env SignedEnvelope) (domain.TxResult, error) {
	if err := env.Verify(p.verifier); err != nil {
		return domain.TxResult{}, err
	}
	now := p.now()
	if skew := now.Sub(env.IssuedAt); skew > p.cfg.MaxClockSkew || -skew > p.cfg.MaxClockSkew {
		return domain.TxResult{}, fmt.Errorf("ledger: %w: envelope issued %s, skew %s", domain.ErrReplay, env.IssuedAt.Format(time.RFC3339), skew.Truncate(time.Second))
	}
	id := env.ID()
	if p.replay.Seen(id, now) {
		return domain.TxResult{}, fmt.Errorf("ledger: envelope %s: %w", id, domain.ErrReplay)
	}
	res, err := p.dispatch(ctx, env.Envelope, now)
	if err != nil {
		// Nothing was committed, so the same envelope may be corrected
		// state-side and resent.
		p.replay.Forget(id)
		return domain.TxResult{}, err
	}
	res.Kind = env.Kind
	return res, nil
}

func (p *Program) dispatch(ctx context.Context, env Envelope, now time.Time) (domain.TxResult, error) {
	switch env.Kind {
	case domain.IxInitialize:
		return runIx(p, ctx, env, now, p.initialize)
	case domain.IxSetPermissions:
		return runIx(p, ctx, env, now, p.setPermissions)
	case domain.IxAddPool:
		return runIx(p, ctx, env, now, p.addPool)
	case domain.IxSetPoolActive:
		return runIx(p, ctx, env, now, p.setPoolActive)
	case domain.IxAddCustody:
		return runIx(p, ctx, env, now, p.addCustody)
	case domain.IxSetCustodyActive:
		return runIx(p, ctx, env, now, p.setCustodyActive)
	case domain.IxSetOraclePrice:
		return runIx(p, ctx, env, now, p.setOraclePrice)
	case domain.IxPublishClusterKey:
		return runIx(p, ctx, env, now, p.publishClusterKey)
	case domain.IxInitCompDef:
		return runIx(p, ctx, env, now, p.initCompDef)
	case domain.IxCreateMint:
		return runIx(p, ctx, env, now, p.createMint)
	case domain.IxMintTo:
		return runIx(p, ctx, env, now, p.mintTo)
	case domain.IxAddLiquidity:
		return runIx(p, ctx, env, now, p.addLiquidity)
	case domain.IxRemoveLiquidity:
		return runIx(p, ctx, env, now, p.removeLiquidity)
	case domain.IxOpenPosition:
		return runIx(p, ctx, env, now, p.openPosition)
	case domain.IxUpdatePosition:
		return runIx(p, ctx, env, now, p.updatePosition)
	case domain.IxCalculatePnl:
		return runIx(p, ctx, env, now, p.calculatePnl)
	case domain.IxClosePosition:
		return runIx(p, ctx, env, now, p.closePosition)
	case domain.IxLiquidatePosition:
		return runIx(p, ctx, env, now, p.liquidatePosition)
	default:
		return domain.TxResult{}, fmt.Errorf("ledger: %w: unknown instruction %q", domain.ErrInvalidArgument, env.Kind)
	}
}

func runIx[T any](p *Program, ctx context.Context, env Envelope, now time.Time, fn func(x *execution, args T) (domain.TxResult, error)) (domain.TxResult, error) {
	args, err := decodeArgs[T](env)
	if err != nil {
		return domain.TxResult{}, err
	}
	var res domain.TxResult
	err = p.run(ctx, env.Signer, now, func(x *execution) error {
		var err error
		res, err = fn(x, args)
		return err
	})
	return res, err
}

// execution carries the state of one ledger transaction.
type execution struct {
	ctx    context.Context
	tx     domain.LedgerTx
	now    time.Time
	signer domain.Pubkey
	logger *slog.Logger
	events []domain.Event
	queued []domain.ComputationRequest
	// custodies touched by the transaction, for the utilization gauge
	touched []domain.Custody
}

func (x *execution) emit(e domain.Event) error {
	e.ID = uuid.NewString()
	e.Time = x.now
	if err := x.tx.AppendEvent(x.ctx, &e); err != nil {
		return fmt.Errorf("ledger: append %s event: %w", e.Type, err)
	}
	x.events = append(x.events, e)
	return nil
}

func (x *execution) enqueue(req domain.ComputationRequest) {
	x.queued = append(x.queued, req)
}

func (x *execution) putCustody(c *domain.Custody) error {
	if err := x.tx.PutCustody(x.ctx, *c); err != nil {
		return err
	}
	x.touched = append(x.touched, *c)
	return nil
}

// run executes fn in one store transaction and, once it commits, publishes
// its events and hands its computation requests to the cluster queue.
func (p *Program) run(ctx context.Context, signer domain.Pubkey, now time.Time, fn func(x *execution) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	x := &execution{ctx: ctx, now: now, signer: signer, logger: p.logger}
	err := p.store.Apply(ctx, func(tx domain.LedgerTx) error {
		x.tx, x.events, x.queued, x.touched = tx, nil, nil, nil
		return fn(x)
	})
	if err != nil {
		return err
	}
	p.afterCommit(ctx, x)
	return nil
}

func (p *Program) afterCommit(ctx context.Context, x *execution) {
	for _, c := range x.touched {
		metrics.CustodyUtilization.WithLabelValues(c.Address.String()).Set(float64(c.Utilization()))
	}
	for _, e := range x.events {
		p.events.Publish(e)
	}
	for _, req := range x.queued {
		p.send(ctx, req)
	}
}

// send offers req to the cluster queue without blocking the ledger. A
// request that does not fit stays pending and is picked up by Requeue.
func (p *Program) send(ctx context.Context, req domain.ComputationRequest) bool {
	select {
	case p.queue <- req:
		metrics.LedgerQueueDepth.Set(float64(len(p.queue)))
		return true
	default:
		p.logger.WarnContext(ctx, "computation queue full, request left pending",
			slog.Uint64("offset", req.Offset),
			slog.String("definition", string(req.Definition)),
		)
		return false
	}
}

// Queue is the stream of computation requests for the cluster.
func (p *Program) Queue() <-chan domain.ComputationRequest { return p.queue }

// Requeue resends every pending computation submitted more than olderThan
// ago. The cluster may see a request twice; the second callback is refused
// because the computation is already resolved.
func (p *Program) Requeue(ctx context.Context, olderThan time.Duration) (int, error) {
	var pending []domain.Computation
	err := p.store.View(ctx, func(tx domain.LedgerTx) error {
		var err error
		pending, err = tx.PendingComputations(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("ledger: requeue: %w", err)
	}
	cutoff := p.now().Add(-olderThan)
	n := 0
	for _, c := range pending {
		if c.Request == nil || c.SubmittedAt.After(cutoff) {
			continue
		}
		if !p.send(ctx, *c.Request) {
			break
		}
		n++
	}
	if n > 0 {
		p.logger.InfoContext(ctx, "requeued pending computations", slog.Int("count", n))
	}
	return n, nil
}

// RunMaintenance requeues stalled computations and trims the replay guard
// until ctx is cancelled.
func (p *Program) RunMaintenance(ctx context.Context, interval time.Duration) error {
	if _, err := p.Requeue(ctx, 0); err != nil {
		p.logger.ErrorContext(ctx, "startup requeue failed", slog.String("error", err.Error()))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.Requeue(ctx, interval); err != nil {
				p.logger.WarnContext(ctx, "requeue failed", slog.String("error", err.Error()))
			}
			p.replay.Cleanup(p.now())
		}
	}
}

// Subscribe streams committed events.
func (p *Program) Subscribe() (<-chan domain.Event, func()) { return p.events.Subscribe() }

// Callbacks returns the authenticator the cluster signs callbacks with.
func (p *Program) Callbacks() *crypto.CallbackAuth { return p.callbacks }

// ChainID is the chain identifier envelopes must be signed for.
func (p *Program) ChainID() int64 { return p.cfg.ChainID }

func view[T any](p *Program, ctx context.Context, fn func(tx domain.LedgerTx) (T, error)) (T, error) {
	var out T
	err := p.store.View(ctx, func(tx domain.LedgerTx) error {
		var err error
		out, err = fn(tx)
		return err
	})
	return out, err
}

// Perpetuals returns the protocol singleton.
func (p *Program) Perpetuals(ctx context.Context) (domain.Perpetuals, error) {
	return view(p, ctx, func(tx domain.LedgerTx) (domain.Perpetuals, error) { return tx.Perpetuals(ctx) })
}

// Pool returns a pool account.
func (p *Program) Pool(ctx context.Context, addr domain.Pubkey) (domain.Pool, error) {
	return view(p, ctx, func(tx domain.LedgerTx) (domain.Pool, error) { return tx.Pool(ctx, addr) })
}

// Custody returns a custody account.
func (p *Program) Custody(ctx context.Context, addr domain.Pubkey) (domain.Custody, error) {
	return view(p, ctx, func(tx domain.LedgerTx) (domain.Custody, error) { return tx.Custody(ctx, addr) })
}

// Oracle returns the price feed of a custody.
func (p *Program) Oracle(ctx context.Context, custody domain.Pubkey) (domain.OracleAccount, error) {
	return view(p, ctx, func(tx domain.LedgerTx) (domain.OracleAccount, error) {
		c, err := tx.Custody(ctx, custody)
		if err != nil {
			return domain.OracleAccount{}, err
		}
		return tx.Oracle(ctx, c.Oracle.Account)
	})
}

// Position returns a position record.
func (p *Program) Position(ctx context.Context, addr domain.Pubkey) (domain.Position, error) {
	pos, err := view(p, ctx, func(tx domain.LedgerTx) (domain.Position, error) { return tx.Position(ctx, addr) })
	if errors.Is(err, domain.ErrNotFound) {
		return pos, fmt.Errorf("ledger: position %s: %w", addr, domain.ErrPositionNotFound)
	}
	return pos, err
}

// PositionsByOwner lists the positions of owner, oldest first.
func (p *Program) PositionsByOwner(ctx context.Context, owner domain.Pubkey) ([]domain.Position, error) {
	return view(p, ctx, func(tx domain.LedgerTx) ([]domain.Position, error) { return tx.PositionsByOwner(ctx, owner) })
}

// Computation returns the record of offset.
func (p *Program) Computation(ctx context.Context, offset uint64) (domain.Computation, error) {
	return view(p, ctx, func(tx domain.LedgerTx) (domain.Computation, error) { return tx.Computation(ctx, offset) })
}

// PendingComputations lists computations still awaiting a callback.
func (p *Program) PendingComputations(ctx context.Context) ([]domain.Computation, error) {
	return view(p, ctx, func(tx domain.LedgerTx) ([]domain.Computation, error) { return tx.PendingComputations(ctx) })
}

// Finalization returns the outcome of offset, or false while it is pending.
func (p *Program) Finalization(ctx context.Context, offset uint64) (domain.Finalization, bool, error) {
	c, err := p.Computation(ctx, offset)
	if err != nil {
		return domain.Finalization{}, false, err
	}
	f, ok := c.Finalization()
	return f, ok, nil
}

// ClusterKey reads the published cluster public key.
func (p *Program) ClusterKey(ctx context.Context) (domain.X25519Key, error) {
	acct, err := view(p, ctx, func(tx domain.LedgerTx) (domain.ClusterAccount, error) { return tx.Cluster(ctx) })
	if errors.Is(err, domain.ErrNotFound) || (err == nil && acct.PublicKey.IsZero()) {
		return domain.X25519Key{}, fmt.Errorf("ledger: %w", domain.ErrKeyUnavailable)
	}
	if err != nil {
		return domain.X25519Key{}, err
	}
	return acct.PublicKey, nil
}

// Balance returns owner's balance of mint.
func (p *Program) Balance(ctx context.Context, mint, owner domain.Pubkey) (uint64, error) {
	return view(p, ctx, func(tx domain.LedgerTx) (uint64, error) {
		acct, err := tx.TokenAccount(ctx, domain.TokenAccountAddress(mint, owner))
		if errors.Is(err, domain.ErrNotFound) {
			return 0, nil
		}
		return acct.Amount, err
	})
}

// Events returns committed events after seq.
func (p *Program) Events(ctx context.Context, afterSeq uint64, limit int) ([]domain.Event, error) {
	return view(p, ctx, func(tx domain.LedgerTx) ([]domain.Event, error) { return tx.Events(ctx, afterSeq, limit) })
}

var _ crypto.KeySource = (*Program)(nil)
