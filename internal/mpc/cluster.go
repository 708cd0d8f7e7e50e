package mpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/shootperps/internal/crypto"
	"github.com/alanyoungcy/shootperps/internal/domain"
	"github.com/alanyoungcy/shootperps/internal/ledger"
	"github.com/alanyoungcy/shootperps/internal/metrics"
)

// Ledger is the part of the ledger the cluster talks to.
type Ledger interface {
	Queue() <-chan domain.ComputationRequest
	HandleCallback(ctx context.Context, cb domain.SignedCallback) error
	Execute(ctx context.Context, env ledger.SignedEnvelope) (domain.TxResult, error)
}

// Config tunes a Cluster.
type Config struct {
	Workers int
	// CeremonyDelay is how long key generation takes before the public key
	// is published. Clients see ErrKeyUnavailable until then.
	CeremonyDelay    time.Duration
	DeliveryAttempts int
	DeliveryBackoff  time.Duration
}

// DefaultConfig returns the settings used by the demo.
func DefaultConfig() Config {
	return Config{
		Workers:          4,
		CeremonyDelay:    time.Second,
		DeliveryAttempts: 5,
		DeliveryBackoff:  200 * time.Millisecond,
	}
}

// Option customises a Cluster.
type Option func(*Cluster)

// WithClock replaces the clock used to stamp instructions and callbacks.
func WithClock(now func() time.Time) Option {
	return func(c *Cluster) { c.now = now }
}

// Cluster evaluates queued computations and delivers signed callbacks.
type Cluster struct {
	ledger      Ledger
	circuits    Circuits
	keys        crypto.Keypair
	stateSecret [32]byte
	authority   *crypto.Signer
	auth        *crypto.CallbackAuth
	cfg         Config
	now         func() time.Time
	logger      *slog.Logger
}

// NewCluster creates a cluster holding keys. authority signs the key
// publication and definition registration; auth signs callbacks.
func NewCluster(l Ledger, circuits Circuits, keys crypto.Keypair, authority *crypto.Signer, auth *crypto.CallbackAuth, cfg Config, logger *slog.Logger, opts ...Option) (*Cluster, error) {
	secret, err := crypto.DeriveStateSecret(keys.Private)
	if err != nil {
		return nil, fmt.Errorf("mpc: state secret: %w", err)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.DeliveryAttempts <= 0 {
		cfg.DeliveryAttempts = 1
	}
	c := &Cluster{
		ledger:      l,
		circuits:    circuits,
		keys:        keys,
		stateSecret: secret,
		authority:   authority,
		auth:        auth,
		cfg:         cfg,
		now:         time.Now,
		logger:      logger.With(slog.String("component", "mpc")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// PublicKey is the cluster's X25519 public key.
func (c *Cluster) PublicKey() domain.X25519Key { return c.keys.Public }

// Run publishes the key and processes requests until ctx is cancelled.
func (c *Cluster) Run(ctx context.Context) error {
	if err := c.Bootstrap(ctx); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error { return c.work(ctx, i) })
	}
	return g.Wait()
}

// Bootstrap waits out the key ceremony, publishes the public key and
// registers every definition. Registration is idempotent.
func (c *Cluster) Bootstrap(ctx context.Context) error {
	if c.cfg.CeremonyDelay > 0 {
		c.logger.InfoContext(ctx, "key ceremony started", slog.Duration("delay", c.cfg.CeremonyDelay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.CeremonyDelay):
		}
	}
	// The protocol may not be initialized yet when the cluster starts.
	for {
		err := c.submit(ctx, domain.IxPublishClusterKey, domain.PublishClusterKeyArgs{PublicKey: c.keys.Public})
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("mpc: publish key: %w", err)
		}
		c.logger.InfoContext(ctx, "waiting for protocol initialization")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	for _, def := range domain.AllDefinitions() {
		if err := c.submit(ctx, domain.IxInitCompDef, domain.InitCompDefArgs{Name: def}); err != nil {
			return fmt.Errorf("mpc: register %s: %w", def, err)
		}
	}
	c.logger.InfoContext(ctx, "cluster ready",
		slog.String("public_key", c.keys.Public.String()),
		slog.Int("workers", c.cfg.Workers),
	)
	return nil
}

func (c *Cluster) submit(ctx context.Context, kind domain.InstructionKind, args any) error {
	env, err := ledger.Sign(c.authority, kind, args, c.now())
	if err != nil {
		return err
	}
	_, err = c.ledger.Execute(ctx, env)
	return err
}

func (c *Cluster) work(ctx context.Context, id int) error {
	queue := c.ledger.Queue()
	for {
		select {
		case <-ctx.Done():
			return nil
		case req, ok := <-queue:
			if !ok {
				return nil
			}
			if err := c.Process(ctx, req); err != nil && ctx.Err() == nil {
				c.logger.ErrorContext(ctx, "computation not delivered",
					slog.Int("worker", id),
					slog.Uint64("offset", req.Offset),
					slog.String("definition", string(req.Definition)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Process evaluates req and delivers its callback. An undeliverable result
// leaves the computation pending on the ledger, which requeues it later.
func (c *Cluster) Process(ctx context.Context, req domain.ComputationRequest) error {
	start := time.Now()
	out, err := c.Evaluate(req)
	metrics.ClusterComputeDuration.WithLabelValues(string(req.Definition)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ClusterErrors.WithLabelValues(string(req.Definition)).Inc()
		return err
	}
	if err := c.deliver(ctx, req, out); err != nil {
		metrics.ClusterErrors.WithLabelValues(string(req.Definition)).Inc()
		return err
	}
	return nil
}

// Evaluate runs the circuit of req and seals the resulting state under the
// requested output nonce and the key of req.Position. Inputs that cannot be decrypted yield
// domain.StatusUndecryptable rather than an error, so the ledger can
// refund the submitter.
func (c *Cluster) Evaluate(req domain.ComputationRequest) (domain.Outputs, error) {
	res, err := c.evaluate(req)
	if errors.Is(err, domain.ErrDecryptionFailed) {
		c.logger.Warn("computation inputs undecryptable",
			slog.Uint64("offset", req.Offset),
			slog.String("error", err.Error()),
		)
		return domain.Outputs{Status: domain.StatusUndecryptable}, nil
	}
	if err != nil {
		return domain.Outputs{}, err
	}
	out := domain.Outputs{
		Status:         res.Status,
		Profit:         res.Profit,
		Loss:           res.Loss,
		Leverage:       res.Leverage,
		TransferAmount: res.TransferAmount,
		FeeAmount:      res.FeeAmount,
		Liquidatable:   res.Liquidatable,
		RewardAmount:   res.RewardAmount,
		OwnerAmount:    res.OwnerAmount,
	}
	if res.Status == domain.StatusOK && res.State != nil {
		key, err := c.positionKey(req.Position)
		if err != nil {
			return domain.Outputs{}, err
		}
		cts, err := crypto.Encrypt(key, req.OutputNonce, res.State.Values())
		if err != nil {
			return domain.Outputs{}, fmt.Errorf("mpc: seal state: %w", err)
		}
		fields, err := domain.FieldsFromSlice(cts)
		if err != nil {
			return domain.Outputs{}, err
		}
		out.State = &domain.EncryptedState{Nonce: req.OutputNonce, Fields: fields}
	}
	return out, nil
}

func (c *Cluster) evaluate(req domain.ComputationRequest) (Result, error) {
	switch req.Definition {
	case domain.DefInitPosition:
		v, err := c.openInput(req.Input, 4)
		if err != nil {
			return Result{}, err
		}
		return c.circuits.InitPosition(OpenInput{
			Side:       v[ledger.OpenInputSide],
			SizeUSD:    v[ledger.OpenInputSize],
			Collateral: v[ledger.OpenInputCollateral],
			EntryPrice: v[ledger.OpenInputEntryPrice],
		}, req.Plain), nil
	case domain.DefUpdatePosition:
		state, err := c.openState(req.Position, req.State)
		if err != nil {
			return Result{}, err
		}
		v, err := c.openInput(req.Input, 2)
		if err != nil {
			return Result{}, err
		}
		in := UpdateInput{Delta: v[ledger.UpdateInputDelta], Flag: v[ledger.UpdateInputFlag]}
		return c.circuits.UpdatePosition(state, in, req.Plain), nil
	case domain.DefCalculatePnl, domain.DefClosePosition, domain.DefCheckLiquidation:
		state, err := c.openState(req.Position, req.State)
		if err != nil {
			return Result{}, err
		}
		switch req.Definition {
		case domain.DefCalculatePnl:
			return c.circuits.CalculatePnl(state, req.Plain), nil
		case domain.DefClosePosition:
			return c.circuits.ClosePosition(state, req.Plain), nil
		default:
			return c.circuits.CheckLiquidation(state, req.Plain), nil
		}
	default:
		return Result{}, fmt.Errorf("mpc: %w: definition %q", domain.ErrInvalidArgument, req.Definition)
	}
}

// openInput decrypts caller-encrypted values with the shared secret.
func (c *Cluster) openInput(in *domain.EncryptedInput, want int) ([]uint64, error) {
	if in == nil || len(in.Values) != want {
		return nil, fmt.Errorf("mpc: %w: want %d encrypted inputs", domain.ErrDecryptionFailed, want)
	}
	secret, err := crypto.DeriveSharedSecret(c.keys.Private, in.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("mpc: shared secret: %w: %v", domain.ErrDecryptionFailed, err)
	}
	return crypto.Decrypt(secret, in.Nonce, in.Values)
}

func (c *Cluster) positionKey(position domain.Pubkey) ([32]byte, error) {
	key, err := crypto.PositionStateSecret(c.stateSecret, position)
	if err != nil {
		return key, fmt.Errorf("mpc: position key: %w", err)
	}
	return key, nil
}

func (c *Cluster) openState(position domain.Pubkey, s *domain.EncryptedState) (PositionState, error) {
	if s == nil {
		return PositionState{}, fmt.Errorf("mpc: %w: missing position state", domain.ErrDecryptionFailed)
	}
	key, err := c.positionKey(position)
	if err != nil {
		return PositionState{}, fmt.Errorf("%w: %v", domain.ErrDecryptionFailed, err)
	}
	v, err := crypto.Decrypt(key, s.Nonce, s.Fields.Slice())
	if err != nil {
		return PositionState{}, err
	}
	state, err := StateFromValues(v)
	if err != nil {
		return PositionState{}, fmt.Errorf("%w: %v", domain.ErrDecryptionFailed, err)
	}
	return state, nil
}

// deliver signs and sends the callback, retrying transient failures. A
// consistency rejection is final: the ledger has already resolved the
// computation.
func (c *Cluster) deliver(ctx context.Context, req domain.ComputationRequest, out domain.Outputs) error {
	payload, err := json.Marshal(domain.CallbackPayload{
		Offset:     req.Offset,
		Definition: req.Definition,
		Outputs:    out,
		ProducedAt: c.now(),
	})
	if err != nil {
		return fmt.Errorf("mpc: encode callback: %w", err)
	}
	cb := c.auth.Sign(payload)
	for attempt := 1; ; attempt++ {
		err := c.ledger.HandleCallback(ctx, cb)
		switch {
		case err == nil:
			return nil
		case domain.IsConsistency(err):
			c.logger.WarnContext(ctx, "callback rejected",
				slog.Uint64("offset", req.Offset),
				slog.String("error", err.Error()),
			)
			return nil
		case attempt >= c.cfg.DeliveryAttempts:
			return fmt.Errorf("mpc: deliver offset %d after %d attempts: %w", req.Offset, attempt, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.DeliveryBackoff * time.Duration(attempt)):
		}
	}
}
