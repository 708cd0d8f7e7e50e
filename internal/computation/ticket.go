// Package computation tracks client-side computations from submission to
// finalization. A Ticket is the process-local handle of one offset; the
// Orchestrator submits tickets, enforces one mutating ticket per position
// and resolves them from the ledger's finalization events.
package computation

import (
	"sync"
	"time"

	"github.com/alanyoungcy/shootperps/internal/domain"
)

// State is the lifecycle position of a Ticket.
type State uint8

const (
	StateCreated State = iota
	StateSubmitted
	StateFinalized
	StateTimedOut
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSubmitted:
		return "submitted"
	case StateFinalized:
		return "finalized"
	case StateTimedOut:
		return "timed_out"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a resolved state.
func (s State) Terminal() bool { return s >= StateFinalized }

// Ticket is one outstanding computation. It resolves exactly once.
type Ticket struct {
	Offset uint64
	Kind   domain.ComputationKind

	mu          sync.Mutex
	position    domain.Pubkey
	submittedAt time.Time
	state       State
	result      domain.Finalization
	err         error
	done        chan struct{}
}

func newTicket(offset uint64, kind domain.ComputationKind, position domain.Pubkey) *Ticket {
	return &Ticket{
		Offset:   offset,
		Kind:     kind,
		position: position,
		done:     make(chan struct{}),
	}
}

// Position is the position the computation runs on. For opens it is known
// only after submission.
func (t *Ticket) Position() domain.Pubkey {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.position
}

// SubmittedAt is zero until the ledger accepted the instruction.
func (t *Ticket) SubmittedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.submittedAt
}

func (t *Ticket) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Ticket) markSubmitted(position domain.Pubkey, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateCreated {
		return
	}
	if !position.IsZero() {
		t.position = position
	}
	t.submittedAt = at
	t.state = StateSubmitted
}

// resolve moves t to a terminal state. Only the first call has an effect;
// it reports whether this call resolved the ticket.
func (t *Ticket) resolve(state State, f domain.Finalization, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return false
	}
	t.state = state
	t.result = f
	t.err = err
	close(t.done)
	return true
}

// Done is closed once the ticket resolves.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Result returns the finalization and its error. Before Done is closed it
// returns ErrTicketPending.
func (t *Ticket) Result() (domain.Finalization, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.Terminal() {
		return domain.Finalization{}, domain.ErrTicketPending
	}
	return t.result, t.err
}

// stateFor maps a ledger finalization to the terminal ticket state.
func stateFor(f domain.Finalization) State {
	if f.Status == domain.StatusFinalized {
		return StateFinalized
	}
	return StateFailed
}
