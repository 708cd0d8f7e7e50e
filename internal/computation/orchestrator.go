package computation

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/shootperps/internal/domain"
	"github.com/alanyoungcy/shootperps/internal/ledger"
	"github.com/alanyoungcy/shootperps/internal/metrics"
)

// Submitter writes a signed instruction to the ledger.
type Submitter interface {
	Execute(ctx context.Context, env ledger.SignedEnvelope) (domain.TxResult, error)
}

// FinalizationReader looks up the outcome of an offset. ok is false while
// the computation is pending.
type FinalizationReader interface {
	Finalization(ctx context.Context, offset uint64) (f domain.Finalization, ok bool, err error)
}

// EventSource streams ledger events. The channel closes when the source
// disconnects; cancel releases the subscription.
type EventSource interface {
	Subscribe() (events <-chan domain.Event, cancel func())
}

// Request describes one submission. Build is called with the allocated
// offset and returns the signed instruction carrying it.
type Request struct {
	Kind domain.ComputationKind
	// Position is zero for opens.
	Position domain.Pubkey
	Build    func(offset uint64) (ledger.SignedEnvelope, error)
}

// Config tunes an Orchestrator.
type Config struct {
	AwaitTimeout time.Duration
	PollInterval time.Duration
	// LockTTL bounds how long a distributed position lock outlives a
	// crashed holder.
	LockTTL             time.Duration
	RegisterAttempts    int
	RegisterBackoff     time.Duration
	ResubscribeInterval time.Duration
}

// DefaultConfig returns the settings used by the node and the demo.
func DefaultConfig() Config {
	return Config{
		AwaitTimeout:        30 * time.Second,
		PollInterval:        2 * time.Second,
		LockTTL:             2 * time.Minute,
		RegisterAttempts:    10,
		RegisterBackoff:     time.Second,
		ResubscribeInterval: 2 * time.Second,
	}
}

// Orchestrator submits computations and resolves their tickets.
type Orchestrator struct {
	submitter Submitter
	reader    FinalizationReader
	source    EventSource
	locks     domain.LockManager
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger

	mu       sync.Mutex
	pending  map[uint64]*Ticket
	inflight map[domain.Pubkey]uint64
	unlocks  map[uint64]func()
}

// New creates an orchestrator. source and locks may be nil: without a
// source tickets resolve by polling, without locks the one-per-position
// rule holds within this process only.
func New(submitter Submitter, reader FinalizationReader, source EventSource, locks domain.LockManager, cfg Config, logger *slog.Logger) *Orchestrator {
	def := DefaultConfig()
	if cfg.AwaitTimeout <= 0 {
		cfg.AwaitTimeout = def.AwaitTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.RegisterAttempts <= 0 {
		cfg.RegisterAttempts = 1
	}
	if cfg.ResubscribeInterval <= 0 {
		cfg.ResubscribeInterval = def.ResubscribeInterval
	}
	return &Orchestrator{
		submitter: submitter,
		reader:    reader,
		source:    source,
		locks:     locks,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "orchestrator")),
		pending:   make(map[uint64]*Ticket),
		inflight:  make(map[domain.Pubkey]uint64),
		unlocks:   make(map[uint64]func()),
	}
}

// Submit allocates an offset, builds the instruction and writes it to the
// ledger. A rejected instruction releases the ticket and returns the
// ledger's validation error; nothing was queued.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*Ticket, error) {
	t, err := o.register(ctx, req)
	if err != nil {
		metrics.TicketsSubmitted.WithLabelValues(req.Kind.String(), domain.ReasonCode(err)).Inc()
		return nil, err
	}
	env, err := req.Build(t.Offset)
	if err != nil {
		o.release(t)
		return nil, fmt.Errorf("computation: build %s instruction: %w", req.Kind, err)
	}
	res, err := o.submitter.Execute(ctx, env)
	if err != nil {
		o.release(t)
		metrics.TicketsSubmitted.WithLabelValues(req.Kind.String(), domain.ReasonCode(err)).Inc()
		return nil, err
	}
	t.markSubmitted(res.Position, o.now())
	if req.Kind == domain.KindOpen && !res.Position.IsZero() {
		o.mu.Lock()
		_, open := o.pending[t.Offset]
		if _, busy := o.inflight[res.Position]; open && !busy {
			o.inflight[res.Position] = t.Offset
		}
		o.mu.Unlock()
	}
	metrics.TicketsSubmitted.WithLabelValues(req.Kind.String(), "ok").Inc()
	o.logger.InfoContext(ctx, "computation submitted",
		slog.Uint64("offset", t.Offset),
		slog.String("kind", req.Kind.String()),
		slog.String("position", t.Position().String()),
	)
	return t, nil
}

// register claims the position and records a created ticket before the
// instruction is sent, so a fast finalization cannot be missed.
func (o *Orchestrator) register(ctx context.Context, req Request) (*Ticket, error) {
	mutating := req.Kind.Mutating() && !req.Position.IsZero()
	var unlock func()
	if mutating && o.locks != nil {
		var err error
		unlock, err = o.locks.Acquire(ctx, "position:"+req.Position.String(), o.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("computation: position %s: %w", req.Position, domain.ErrTicketPending)
		}
		if err != nil {
			return nil, fmt.Errorf("computation: lock position: %w", err)
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if mutating {
		if offset, busy := o.inflight[req.Position]; busy {
			if unlock != nil {
				unlock()
			}
			return nil, fmt.Errorf("computation: position %s has offset %d outstanding: %w", req.Position, offset, domain.ErrTicketPending)
		}
	}
	offset, err := o.allocateOffset()
	if err != nil {
		if unlock != nil {
			unlock()
		}
		return nil, err
	}
	t := newTicket(offset, req.Kind, req.Position)
	o.pending[offset] = t
	if mutating {
		o.inflight[req.Position] = offset
	}
	if unlock != nil {
		o.unlocks[offset] = unlock
	}
	return t, nil
}

// allocateOffset draws a random nonzero offset not used by an outstanding
// ticket. Callers hold o.mu.
func (o *Orchestrator) allocateOffset() (uint64, error) {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, fmt.Errorf("computation: offset: %w", err)
		}
		offset := binary.LittleEndian.Uint64(b[:])
		if offset == 0 {
			continue
		}
		if _, taken := o.pending[offset]; !taken {
			return offset, nil
		}
	}
}

// release drops every local resource held for t.
func (o *Orchestrator) release(t *Ticket) {
	o.mu.Lock()
	delete(o.pending, t.Offset)
	if pos := t.Position(); !pos.IsZero() && o.inflight[pos] == t.Offset {
		delete(o.inflight, pos)
	}
	unlock := o.unlocks[t.Offset]
	delete(o.unlocks, t.Offset)
	o.mu.Unlock()
	if unlock != nil {
		unlock()
	}
}

// finish resolves t and releases it. Late or duplicate resolutions are
// ignored.
func (o *Orchestrator) finish(ctx context.Context, t *Ticket, state State, f domain.Finalization, err error) {
	if !t.resolve(state, f, err) {
		return
	}
	o.release(t)
	metrics.TicketsResolved.WithLabelValues(t.Kind.String(), state.String()).Inc()
	if at := t.SubmittedAt(); !at.IsZero() && state != StateTimedOut {
		metrics.TicketLatency.WithLabelValues(t.Kind.String()).Observe(o.now().Sub(at).Seconds())
	}
	attrs := []any{
		slog.Uint64("offset", t.Offset),
		slog.String("kind", t.Kind.String()),
		slog.String("state", state.String()),
	}
	if err != nil {
		o.logger.WarnContext(ctx, "computation resolved", append(attrs, slog.String("error", err.Error()))...)
		return
	}
	o.logger.InfoContext(ctx, "computation resolved", attrs...)
}

// Resolve applies a finalization observed elsewhere, such as an event from
// a remote feed. Unknown offsets are dropped.
func (o *Orchestrator) Resolve(ctx context.Context, f domain.Finalization) bool {
	o.mu.Lock()
	t, ok := o.pending[f.Offset]
	o.mu.Unlock()
	if !ok {
		o.logger.DebugContext(ctx, "finalization for unknown offset dropped", slog.Uint64("offset", f.Offset))
		return false
	}
	o.finish(ctx, t, stateFor(f), f, f.Err())
	return true
}

// Await blocks until t resolves, timeout elapses or ctx is cancelled. A
// zero timeout uses the configured default. On timeout the ticket moves to
// TimedOut and the error wraps ErrComputationTimeout: the ledger may still
// finalize the offset, see Recheck.
func (o *Orchestrator) Await(ctx context.Context, t *Ticket, timeout time.Duration) (domain.Finalization, error) {
	if timeout <= 0 {
		timeout = o.cfg.AwaitTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	poll := time.NewTicker(o.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-t.Done():
			return t.Result()
		case <-ctx.Done():
			o.finish(ctx, t, StateTimedOut, domain.Finalization{Offset: t.Offset, Kind: t.Kind},
				fmt.Errorf("computation: offset %d abandoned: %w: %w", t.Offset, domain.ErrComputationTimeout, ctx.Err()))
			return t.Result()
		case <-timer.C:
			o.finish(ctx, t, StateTimedOut, domain.Finalization{Offset: t.Offset, Kind: t.Kind},
				fmt.Errorf("computation: offset %d after %s: %w", t.Offset, timeout, domain.ErrComputationTimeout))
			return t.Result()
		case <-poll.C:
			if o.reader == nil {
				continue
			}
			f, ok, err := o.reader.Finalization(ctx, t.Offset)
			if err != nil {
				o.logger.WarnContext(ctx, "finalization poll failed",
					slog.Uint64("offset", t.Offset),
					slog.String("error", err.Error()),
				)
				continue
			}
			if ok {
				o.finish(ctx, t, stateFor(f), f, f.Err())
			}
		}
	}
}

// Recheck queries the outcome of an offset, typically one whose ticket
// timed out. A still-pending offset returns ErrComputationTimeout.
func (o *Orchestrator) Recheck(ctx context.Context, offset uint64) (domain.Finalization, error) {
	f, ok, err := o.reader.Finalization(ctx, offset)
	if err != nil {
		return domain.Finalization{}, fmt.Errorf("computation: recheck %d: %w", offset, err)
	}
	if !ok {
		return domain.Finalization{Offset: offset}, fmt.Errorf("computation: offset %d still pending: %w", offset, domain.ErrComputationTimeout)
	}
	return f, f.Err()
}

// RegisterDefinitions registers every circuit definition, retrying
// transient failures with a fixed backoff. Registration is idempotent on
// the ledger. Validation errors other than an uninitialized protocol are
// not retried.
func (o *Orchestrator) RegisterDefinitions(ctx context.Context, build func(name domain.DefinitionName) (ledger.SignedEnvelope, error)) error {
	for _, name := range domain.AllDefinitions() {
		var err error
		for attempt := 1; attempt <= o.cfg.RegisterAttempts; attempt++ {
			var env ledger.SignedEnvelope
			env, err = build(name)
			if err != nil {
				return fmt.Errorf("computation: build %s registration: %w", name, err)
			}
			_, err = o.submitter.Execute(ctx, env)
			if err == nil || errors.Is(err, domain.ErrAlreadyExists) {
				err = nil
				break
			}
			if domain.IsValidation(err) {
				return fmt.Errorf("computation: register %s: %w", name, err)
			}
			o.logger.WarnContext(ctx, "definition registration failed",
				slog.String("definition", string(name)),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			if attempt == o.cfg.RegisterAttempts {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.cfg.RegisterBackoff):
			}
		}
		if err != nil {
			return fmt.Errorf("computation: register %s after %d attempts: %w", name, o.cfg.RegisterAttempts, err)
		}
	}
	o.logger.InfoContext(ctx, "definitions registered", slog.Int("count", len(domain.AllDefinitions())))
	return nil
}

// Run consumes finalization events until ctx is cancelled, resubscribing
// when the source disconnects.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.source == nil {
		<-ctx.Done()
		return nil
	}
	o.logger.InfoContext(ctx, "orchestrator started")
	defer o.logger.Info("orchestrator stopped")
	for {
		events, cancel := o.source.Subscribe()
		o.consume(ctx, events)
		cancel()
		if ctx.Err() != nil {
			return nil
		}
		o.logger.WarnContext(ctx, "event source disconnected", slog.Duration("retry_in", o.cfg.ResubscribeInterval))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(o.cfg.ResubscribeInterval):
		}
	}
}

func (o *Orchestrator) consume(ctx context.Context, events <-chan domain.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if f, ok := e.Finalization(); ok {
				o.Resolve(ctx, f)
			}
		}
	}
}

// Outstanding returns the number of unresolved tickets.
func (o *Orchestrator) Outstanding() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}
