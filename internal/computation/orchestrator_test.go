package computation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/shootperps/internal/domain"
	"github.com/alanyoungcy/shootperps/internal/ledger"
)

// fakeLedger accepts every instruction and finalizes offsets on demand.
type fakeLedger struct {
	mu       sync.Mutex
	errs     []error
	executed int
	position domain.Pubkey
	finals   map[uint64]domain.Finalization
	subs     []chan domain.Event
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		position: domain.DerivePubkey([]byte("position")),
		finals:   make(map[uint64]domain.Finalization),
	}
}

// failNext queues errors returned by the next Execute calls.
func (f *fakeLedger) failNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, errs...)
}

func (f *fakeLedger) Execute(_ context.Context, env ledger.SignedEnvelope) (domain.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return domain.TxResult{}, err
		}
	}
	return domain.TxResult{Kind: env.Kind, Position: f.position}, nil
}

func (f *fakeLedger) Finalization(_ context.Context, offset uint64) (domain.Finalization, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fin, ok := f.finals[offset]
	return fin, ok, nil
}

func (f *fakeLedger) Subscribe() (<-chan domain.Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan domain.Event, 16)
	f.subs = append(f.subs, ch)
	return ch, func() {}
}

func (f *fakeLedger) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// finalize records the outcome and optionally publishes its event.
func (f *fakeLedger) finalize(offset uint64, status domain.ComputationStatus, reason string, publish bool) {
	e := domain.Event{
		Type:     domain.EventPositionClosed,
		Offset:   offset,
		Kind:     domain.KindClose,
		Status:   status,
		Position: f.position,
		Reason:   reason,
	}
	if status != domain.StatusFinalized {
		e.Type = domain.EventComputationFailed
	}
	fin, _ := e.Finalization()
	f.mu.Lock()
	f.finals[offset] = fin
	subs := append([]chan domain.Event(nil), f.subs...)
	f.mu.Unlock()
	if publish {
		for _, ch := range subs {
			ch <- e
		}
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		AwaitTimeout:        time.Second,
		PollInterval:        10 * time.Millisecond,
		RegisterAttempts:    3,
		RegisterBackoff:     time.Millisecond,
		ResubscribeInterval: 10 * time.Millisecond,
	}
}

func request(kind domain.ComputationKind, position domain.Pubkey) Request {
	return Request{
		Kind:     kind,
		Position: position,
		Build: func(offset uint64) (ledger.SignedEnvelope, error) {
			return ledger.SignedEnvelope{Envelope: ledger.Envelope{Kind: domain.IxClosePosition, Salt: offset}}, nil
		},
	}
}

// running starts Run and waits for its subscription.
func running(t *testing.T, o *Orchestrator, f *fakeLedger) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = o.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool { return f.subscribers() > 0 }, time.Second, time.Millisecond)
}

func TestSubmitResolvesFromEvents(t *testing.T) {
	f := newFakeLedger()
	o := New(f, nil, f, nil, testConfig(), discardLogger())
	running(t, o, f)
	ctx := context.Background()

	ticket, err := o.Submit(ctx, request(domain.KindClose, f.position))
	require.NoError(t, err)
	assert.NotZero(t, ticket.Offset)
	assert.Equal(t, StateSubmitted, ticket.State())
	assert.False(t, ticket.SubmittedAt().IsZero())

	f.finalize(ticket.Offset, domain.StatusFinalized, "", true)
	fin, err := o.Await(ctx, ticket, 0)
	require.NoError(t, err)
	assert.Equal(t, ticket.Offset, fin.Offset)
	assert.Equal(t, StateFinalized, ticket.State())
	assert.Zero(t, o.Outstanding())
}

func TestOneMutatingTicketPerPosition(t *testing.T) {
	f := newFakeLedger()
	o := New(f, f, nil, nil, testConfig(), discardLogger())
	ctx := context.Background()

	first, err := o.Submit(ctx, request(domain.KindUpdate, f.position))
	require.NoError(t, err)

	_, err = o.Submit(ctx, request(domain.KindClose, f.position))
	require.ErrorIs(t, err, domain.ErrTicketPending)

	pnl, err := o.Submit(ctx, request(domain.KindPnl, f.position))
	require.NoError(t, err, "read-only tickets are not restricted")
	assert.Equal(t, 2, o.Outstanding())

	f.finalize(first.Offset, domain.StatusFinalized, "", false)
	_, err = o.Await(ctx, first, 0)
	require.NoError(t, err)

	_, err = o.Submit(ctx, request(domain.KindClose, f.position))
	assert.NoError(t, err)
	assert.NotEqual(t, first.Offset, pnl.Offset)
}

func TestOpenClaimsItsPosition(t *testing.T) {
	f := newFakeLedger()
	o := New(f, f, nil, nil, testConfig(), discardLogger())
	ctx := context.Background()

	open, err := o.Submit(ctx, request(domain.KindOpen, domain.Pubkey{}))
	require.NoError(t, err)
	assert.Equal(t, f.position, open.Position())

	_, err = o.Submit(ctx, request(domain.KindUpdate, f.position))
	assert.ErrorIs(t, err, domain.ErrTicketPending)
}

func TestRejectedSubmissionReleasesTicket(t *testing.T) {
	f := newFakeLedger()
	o := New(f, f, nil, nil, testConfig(), discardLogger())
	ctx := context.Background()
	f.failNext(domain.ErrLeverageOutOfRange)

	_, err := o.Submit(ctx, request(domain.KindUpdate, f.position))
	require.ErrorIs(t, err, domain.ErrLeverageOutOfRange)
	assert.Zero(t, o.Outstanding())

	_, err = o.Submit(ctx, request(domain.KindUpdate, f.position))
	assert.NoError(t, err)
}

func TestBuildFailureReleasesTicket(t *testing.T) {
	f := newFakeLedger()
	o := New(f, f, nil, nil, testConfig(), discardLogger())
	boom := errors.New("boom")

	_, err := o.Submit(context.Background(), Request{
		Kind:     domain.KindUpdate,
		Position: f.position,
		Build:    func(uint64) (ledger.SignedEnvelope, error) { return ledger.SignedEnvelope{}, boom },
	})
	require.ErrorIs(t, err, boom)
	assert.Zero(t, o.Outstanding())
	assert.Zero(t, f.executed)
}

func TestAwaitTimeoutThenRecheck(t *testing.T) {
	f := newFakeLedger()
	o := New(f, f, nil, nil, testConfig(), discardLogger())
	ctx := context.Background()

	ticket, err := o.Submit(ctx, request(domain.KindClose, f.position))
	require.NoError(t, err)

	_, err = o.Await(ctx, ticket, 30*time.Millisecond)
	require.ErrorIs(t, err, domain.ErrComputationTimeout)
	assert.Equal(t, StateTimedOut, ticket.State())
	assert.Zero(t, o.Outstanding())

	_, err = o.Recheck(ctx, ticket.Offset)
	assert.ErrorIs(t, err, domain.ErrComputationTimeout)

	f.finalize(ticket.Offset, domain.StatusFinalized, "", false)
	fin, err := o.Recheck(ctx, ticket.Offset)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFinalized, fin.Status)

	// the position is free again after a timeout
	_, err = o.Submit(ctx, request(domain.KindClose, f.position))
	assert.NoError(t, err)
}

func TestAwaitCancelled(t *testing.T) {
	f := newFakeLedger()
	o := New(f, f, nil, nil, testConfig(), discardLogger())
	ticket, err := o.Submit(context.Background(), request(domain.KindClose, f.position))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = o.Await(ctx, ticket, 0)
	assert.ErrorIs(t, err, domain.ErrComputationTimeout)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, o.Outstanding())
}

func TestAwaitPollsWithoutEventSource(t *testing.T) {
	f := newFakeLedger()
	o := New(f, f, nil, nil, testConfig(), discardLogger())
	ctx := context.Background()

	ticket, err := o.Submit(ctx, request(domain.KindClose, f.position))
	require.NoError(t, err)
	f.finalize(ticket.Offset, domain.StatusFailed, "not_liquidatable", false)

	fin, err := o.Await(ctx, ticket, 0)
	require.ErrorIs(t, err, domain.ErrComputationFailed)
	assert.Equal(t, "not_liquidatable", fin.Reason)
	assert.Equal(t, StateFailed, ticket.State())
}

func TestRejectedFinalizationCarriesConsistencyError(t *testing.T) {
	f := newFakeLedger()
	o := New(f, nil, f, nil, testConfig(), discardLogger())
	running(t, o, f)
	ctx := context.Background()

	ticket, err := o.Submit(ctx, request(domain.KindClose, f.position))
	require.NoError(t, err)
	f.finalize(ticket.Offset, domain.StatusRejected, "nonce_mismatch", true)

	<-ticket.Done()
	_, err = ticket.Result()
	assert.ErrorIs(t, err, domain.ErrNonceMismatch)
	assert.Equal(t, StateFailed, ticket.State())
}

func TestLateFinalizationDropped(t *testing.T) {
	f := newFakeLedger()
	o := New(f, f, nil, nil, testConfig(), discardLogger())
	assert.False(t, o.Resolve(context.Background(), domain.Finalization{Offset: 42, Status: domain.StatusFinalized}))
}

func TestTicketResolvesOnce(t *testing.T) {
	ticket := newTicket(7, domain.KindPnl, domain.Pubkey{})
	_, err := ticket.Result()
	require.ErrorIs(t, err, domain.ErrTicketPending)

	assert.True(t, ticket.resolve(StateFinalized, domain.Finalization{Offset: 7, Reason: "first"}, nil))
	assert.False(t, ticket.resolve(StateFailed, domain.Finalization{Offset: 7, Reason: "second"}, domain.ErrComputationFailed))

	fin, err := ticket.Result()
	require.NoError(t, err)
	assert.Equal(t, "first", fin.Reason)
	assert.Equal(t, StateFinalized, ticket.State())
}

func TestRegisterDefinitionsRetries(t *testing.T) {
	f := newFakeLedger()
	o := New(f, f, nil, nil, testConfig(), discardLogger())
	f.failNext(domain.ErrNotFound, domain.ErrNotFound)

	built := 0
	err := o.RegisterDefinitions(context.Background(), func(domain.DefinitionName) (ledger.SignedEnvelope, error) {
		built++
		return ledger.SignedEnvelope{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, len(domain.AllDefinitions())+2, built)
}

func TestRegisterDefinitionsStopsOnValidationError(t *testing.T) {
	f := newFakeLedger()
	o := New(f, f, nil, nil, testConfig(), discardLogger())
	f.failNext(domain.ErrUnauthorized)

	err := o.RegisterDefinitions(context.Background(), func(domain.DefinitionName) (ledger.SignedEnvelope, error) {
		return ledger.SignedEnvelope{}, nil
	})
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, 1, f.executed)
}

func TestRegisterDefinitionsGivesUp(t *testing.T) {
	f := newFakeLedger()
	o := New(f, f, nil, nil, testConfig(), discardLogger())
	f.failNext(domain.ErrNotFound, domain.ErrNotFound, domain.ErrNotFound)

	err := o.RegisterDefinitions(context.Background(), func(domain.DefinitionName) (ledger.SignedEnvelope, error) {
		return ledger.SignedEnvelope{}, nil
	})
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 3, f.executed)
}

// heldLocks refuses every key already held.
type heldLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *heldLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

func TestDistributedLockAcrossOrchestrators(t *testing.T) {
	f := newFakeLedger()
	locks := &heldLocks{held: make(map[string]bool)}
	a := New(f, f, nil, locks, testConfig(), discardLogger())
	b := New(f, f, nil, locks, testConfig(), discardLogger())
	ctx := context.Background()

	ticket, err := a.Submit(ctx, request(domain.KindUpdate, f.position))
	require.NoError(t, err)
	_, err = b.Submit(ctx, request(domain.KindUpdate, f.position))
	require.ErrorIs(t, err, domain.ErrTicketPending)

	f.finalize(ticket.Offset, domain.StatusFinalized, "", false)
	_, err = a.Await(ctx, ticket, 0)
	require.NoError(t, err)

	_, err = b.Submit(ctx, request(domain.KindUpdate, f.position))
	assert.NoError(t, err)
}
