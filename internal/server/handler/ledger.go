package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/shootperps/internal/domain"
	"github.com/alanyoungcy/shootperps/internal/ledger"
)

// Ledger is the node-side ledger surface the API exposes.
type Ledger interface {
	Execute(ctx context.Context, env ledger.SignedEnvelope) (domain.TxResult, error)
	HandleCallback(ctx context.Context, cb domain.SignedCallback) error

	Perpetuals(ctx context.Context) (domain.Perpetuals, error)
	Pool(ctx context.Context, addr domain.Pubkey) (domain.Pool, error)
	Custody(ctx context.Context, addr domain.Pubkey) (domain.Custody, error)
	Oracle(ctx context.Context, custody domain.Pubkey) (domain.OracleAccount, error)
	Position(ctx context.Context, addr domain.Pubkey) (domain.Position, error)
	PositionsByOwner(ctx context.Context, owner domain.Pubkey) ([]domain.Position, error)
	Computation(ctx context.Context, offset uint64) (domain.Computation, error)
	PendingComputations(ctx context.Context) ([]domain.Computation, error)
	Finalization(ctx context.Context, offset uint64) (domain.Finalization, bool, error)
	ClusterKey(ctx context.Context) (domain.X25519Key, error)
	Balance(ctx context.Context, mint, owner domain.Pubkey) (uint64, error)
	Events(ctx context.Context, afterSeq uint64, limit int) ([]domain.Event, error)
}

var _ Ledger = (*ledger.Program)(nil)

// LedgerHandler serves instruction submission and account reads.
type LedgerHandler struct {
	ledger Ledger
	logger *slog.Logger
}

// NewLedgerHandler creates a LedgerHandler.
func NewLedgerHandler(l Ledger, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: l, logger: logger.With(slog.String("handler", "ledger"))}
}

// FinalizationResponse is returned by GET /v1/finalizations/{offset}.
// Resolved is false while the computation is pending.
type FinalizationResponse struct {
	Resolved     bool                 `json:"resolved"`
	Finalization *domain.Finalization `json:"finalization,omitempty"`
}

// ClusterKeyResponse is returned by GET /v1/cluster/key.
type ClusterKeyResponse struct {
	PublicKey domain.X25519Key `json:"public_key"`
}

// BalanceResponse is returned by GET /v1/balances/{mint}/{owner}.
type BalanceResponse struct {
	Mint   domain.Pubkey `json:"mint"`
	Owner  domain.Pubkey `json:"owner"`
	Amount uint64        `json:"amount"`
}

// Submit executes a signed instruction.
// POST /v1/tx
func (h *LedgerHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var env ledger.SignedEnvelope
	if err := decodeBody(w, r, &env); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	res, err := h.ledger.Execute(r.Context(), env)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Callback delivers a signed computation callback from an external
// cluster.
// POST /v1/callbacks
func (h *LedgerHandler) Callback(w http.ResponseWriter, r *http.Request) {
	var cb domain.SignedCallback
	if err := decodeBody(w, r, &cb); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if err := h.ledger.HandleCallback(r.Context(), cb); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetPerpetuals returns the protocol root account.
// GET /v1/perpetuals
func (h *LedgerHandler) GetPerpetuals(w http.ResponseWriter, r *http.Request) {
	p, err := h.ledger.Perpetuals(r.Context())
	respond(w, r, h.logger, p, err)
}

// GetPool returns a pool.
// GET /v1/pools/{address}
func (h *LedgerHandler) GetPool(w http.ResponseWriter, r *http.Request) {
	byAddress(w, r, h.logger, "address", h.ledger.Pool)
}

// GetCustody returns a custody.
// GET /v1/custodies/{address}
func (h *LedgerHandler) GetCustody(w http.ResponseWriter, r *http.Request) {
	byAddress(w, r, h.logger, "address", h.ledger.Custody)
}

// GetOracle returns the oracle account of a custody.
// GET /v1/custodies/{address}/oracle
func (h *LedgerHandler) GetOracle(w http.ResponseWriter, r *http.Request) {
	byAddress(w, r, h.logger, "address", h.ledger.Oracle)
}

// GetPosition returns a position. Its state is ciphertext.
// GET /v1/positions/{address}
func (h *LedgerHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	byAddress(w, r, h.logger, "address", h.ledger.Position)
}

// ListPositions returns every position of an owner.
// GET /v1/owners/{owner}/positions
func (h *LedgerHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	owner, err := pathPubkey(r, "owner")
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	positions, err := h.ledger.PositionsByOwner(r.Context(), owner)
	if positions == nil {
		positions = []domain.Position{}
	}
	respond(w, r, h.logger, positions, err)
}

// GetComputation returns a computation record.
// GET /v1/computations/{offset}
func (h *LedgerHandler) GetComputation(w http.ResponseWriter, r *http.Request) {
	offset, err := pathUint(r, "offset")
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	c, err := h.ledger.Computation(r.Context(), offset)
	respond(w, r, h.logger, c, err)
}

// ListPending returns computations still awaiting a callback.
// GET /v1/computations
func (h *LedgerHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	pending, err := h.ledger.PendingComputations(r.Context())
	if pending == nil {
		pending = []domain.Computation{}
	}
	respond(w, r, h.logger, pending, err)
}

// GetFinalization reports the outcome of an offset.
// GET /v1/finalizations/{offset}
func (h *LedgerHandler) GetFinalization(w http.ResponseWriter, r *http.Request) {
	offset, err := pathUint(r, "offset")
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	f, ok, err := h.ledger.Finalization(r.Context(), offset)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	resp := FinalizationResponse{Resolved: ok}
	if ok {
		resp.Finalization = &f
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetClusterKey returns the published cluster public key, or 503 before
// the key ceremony completes.
// GET /v1/cluster/key
func (h *LedgerHandler) GetClusterKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.ledger.ClusterKey(r.Context())
	respond(w, r, h.logger, ClusterKeyResponse{PublicKey: key}, err)
}

// GetBalance returns a token balance.
// GET /v1/balances/{mint}/{owner}
func (h *LedgerHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	mint, err := pathPubkey(r, "mint")
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	owner, err := pathPubkey(r, "owner")
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	amount, err := h.ledger.Balance(r.Context(), mint, owner)
	respond(w, r, h.logger, BalanceResponse{Mint: mint, Owner: owner, Amount: amount}, err)
}

// ListEvents pages through the event log.
// GET /v1/events/log?after=<seq>&limit=<n>
func (h *LedgerHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	after := uint64(queryInt(r, "after", 0, int(^uint(0)>>1)))
	limit := queryInt(r, "limit", 100, 1000)
	if limit == 0 {
		limit = 100
	}
	events, err := h.ledger.Events(r.Context(), after, limit)
	if events == nil {
		events = []domain.Event{}
	}
	respond(w, r, h.logger, events, err)
}

func respond(w http.ResponseWriter, r *http.Request, logger *slog.Logger, v any, err error) {
	if err != nil {
		writeDomainError(w, r, logger, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func byAddress[T any](w http.ResponseWriter, r *http.Request, logger *slog.Logger, param string, get func(context.Context, domain.Pubkey) (T, error)) {
	addr, err := pathPubkey(r, param)
	if err != nil {
		writeDomainError(w, r, logger, err)
		return
	}
	v, err := get(r.Context(), addr)
	respond(w, r, logger, v, err)
}
