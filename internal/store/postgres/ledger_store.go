package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/shootperps/internal/domain"
)

// Account kinds stored in ledger_accounts.
const (
	kindPerpetuals = "perpetuals"
	kindPool       = "pool"
	kindCustody    = "custody"
	kindOracle     = "oracle"
	kindPosition   = "position"
	kindEscrow     = "escrow"
	kindMint       = "mint"
	kindToken      = "token"
	kindCluster    = "cluster"
	kindCompDef    = "compdef"

	// singleton is the address of accounts that exist once.
	singleton = "-"
)

// LedgerStore implements domain.LedgerStore on PostgreSQL. Every account is
// a JSONB document, the same encoding the in-memory store keeps, so the two
// stores are interchangeable under the ledger program.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

var _ domain.LedgerStore = (*LedgerStore)(nil)

// Apply runs fn in one serializable transaction and commits only if fn
// returns nil.
func (s *LedgerStore) Apply(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("postgres: begin ledger tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&ledgerTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit ledger tx: %w", err)
	}
	return nil
}

// View runs fn in a read-only snapshot.
func (s *LedgerStore) View(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("postgres: begin ledger view: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	return fn(&ledgerTx{tx: tx, readOnly: true})
}

type ledgerTx struct {
	tx       pgx.Tx
	readOnly bool
}

func (t *ledgerTx) writable() error {
	if t.readOnly {
		return errors.New("postgres: write in read-only ledger view")
	}
	return nil
}

func getDoc[T any](ctx context.Context, t *ledgerTx, kind, address string) (T, error) {
	var v T
	var data []byte
	err := t.tx.QueryRow(ctx,
		`SELECT data FROM ledger_accounts WHERE kind = $1 AND address = $2`,
		kind, address,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return v, fmt.Errorf("postgres: %s/%s: %w", kind, address, domain.ErrNotFound)
	}
	if err != nil {
		return v, fmt.Errorf("postgres: get %s/%s: %w", kind, address, err)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("postgres: decode %s/%s: %w", kind, address, err)
	}
	return v, nil
}

// putDoc upserts an account. owner and sortAt are only set for accounts
// listed by owner.
func putDoc(ctx context.Context, t *ledgerTx, kind, address string, owner *string, sortAt *time.Time, v any) error {
	if err := t.writable(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("postgres: encode %s/%s: %w", kind, address, err)
	}
	const query = `
		INSERT INTO ledger_accounts (kind, address, owner, sort_at, data, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (kind, address) DO UPDATE SET
			owner = EXCLUDED.owner,
			sort_at = EXCLUDED.sort_at,
			data = EXCLUDED.data,
			updated_at = NOW()`
	if _, err := t.tx.Exec(ctx, query, kind, address, owner, sortAt, data); err != nil {
		return fmt.Errorf("postgres: put %s/%s: %w", kind, address, err)
	}
	return nil
}

func (t *ledgerTx) Perpetuals(ctx context.Context) (domain.Perpetuals, error) {
	return getDoc[domain.Perpetuals](ctx, t, kindPerpetuals, singleton)
}

func (t *ledgerTx) PutPerpetuals(ctx context.Context, p domain.Perpetuals) error {
	return putDoc(ctx, t, kindPerpetuals, singleton, nil, nil, p)
}

func (t *ledgerTx) Pool(ctx context.Context, addr domain.Pubkey) (domain.Pool, error) {
	return getDoc[domain.Pool](ctx, t, kindPool, addr.String())
}

func (t *ledgerTx) PutPool(ctx context.Context, p domain.Pool) error {
	return putDoc(ctx, t, kindPool, p.Address.String(), nil, nil, p)
}

func (t *ledgerTx) Custody(ctx context.Context, addr domain.Pubkey) (domain.Custody, error) {
	return getDoc[domain.Custody](ctx, t, kindCustody, addr.String())
}

func (t *ledgerTx) PutCustody(ctx context.Context, c domain.Custody) error {
	return putDoc(ctx, t, kindCustody, c.Address.String(), nil, nil, c)
}

func (t *ledgerTx) Oracle(ctx context.Context, addr domain.Pubkey) (domain.OracleAccount, error) {
	return getDoc[domain.OracleAccount](ctx, t, kindOracle, addr.String())
}

func (t *ledgerTx) PutOracle(ctx context.Context, o domain.OracleAccount) error {
	return putDoc(ctx, t, kindOracle, o.Address.String(), nil, nil, o)
}

func (t *ledgerTx) Position(ctx context.Context, addr domain.Pubkey) (domain.Position, error) {
	return getDoc[domain.Position](ctx, t, kindPosition, addr.String())
}

func (t *ledgerTx) PutPosition(ctx context.Context, p domain.Position) error {
	owner := p.Owner.String()
	openTime := p.OpenTime
	return putDoc(ctx, t, kindPosition, p.Address.String(), &owner, &openTime, p)
}

func (t *ledgerTx) PositionsByOwner(ctx context.Context, owner domain.Pubkey) ([]domain.Position, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT data FROM ledger_accounts WHERE kind = $1 AND owner = $2 ORDER BY sort_at, address`,
		kindPosition, owner.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: positions of %s: %w", owner, err)
	}
	return scanDocs[domain.Position](rows)
}

func scanDocs[T any](rows pgx.Rows) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("postgres: scan document: %w", err)
		}
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("postgres: decode document: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (t *ledgerTx) Escrow(ctx context.Context, position domain.Pubkey) (domain.PositionEscrow, error) {
	return getDoc[domain.PositionEscrow](ctx, t, kindEscrow, position.String())
}

func (t *ledgerTx) PutEscrow(ctx context.Context, e domain.PositionEscrow) error {
	return putDoc(ctx, t, kindEscrow, e.Position.String(), nil, nil, e)
}

func (t *ledgerTx) DeleteEscrow(ctx context.Context, position domain.Pubkey) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx,
		`DELETE FROM ledger_accounts WHERE kind = $1 AND address = $2`,
		kindEscrow, position.String(),
	); err != nil {
		return fmt.Errorf("postgres: delete escrow %s: %w", position, err)
	}
	return nil
}

func (t *ledgerTx) Computation(ctx context.Context, offset uint64) (domain.Computation, error) {
	var data []byte
	err := t.tx.QueryRow(ctx,
		`SELECT data FROM ledger_computations WHERE comp_offset = $1`, int64(offset),
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Computation{}, fmt.Errorf("postgres: computation %d: %w", offset, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Computation{}, fmt.Errorf("postgres: get computation %d: %w", offset, err)
	}
	var c domain.Computation
	if err := json.Unmarshal(data, &c); err != nil {
		return domain.Computation{}, fmt.Errorf("postgres: decode computation %d: %w", offset, err)
	}
	return c, nil
}

func (t *ledgerTx) PutComputation(ctx context.Context, c domain.Computation) error {
	if err := t.writable(); err != nil {
		return err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("postgres: encode computation %d: %w", c.Offset, err)
	}
	const query = `
		INSERT INTO ledger_computations (comp_offset, status, position, submitted_at, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (comp_offset) DO UPDATE SET
			status = EXCLUDED.status,
			position = EXCLUDED.position,
			data = EXCLUDED.data`
	if _, err := t.tx.Exec(ctx, query,
		int64(c.Offset), int16(c.Status), c.Position.String(), c.SubmittedAt, data,
	); err != nil {
		return fmt.Errorf("postgres: put computation %d: %w", c.Offset, err)
	}
	return nil
}

func (t *ledgerTx) PendingComputations(ctx context.Context) ([]domain.Computation, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT data FROM ledger_computations WHERE status = $1 ORDER BY submitted_at, comp_offset`,
		int16(domain.StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: pending computations: %w", err)
	}
	return scanDocs[domain.Computation](rows)
}

func (t *ledgerTx) Mint(ctx context.Context, addr domain.Pubkey) (domain.Mint, error) {
	return getDoc[domain.Mint](ctx, t, kindMint, addr.String())
}

func (t *ledgerTx) PutMint(ctx context.Context, m domain.Mint) error {
	return putDoc(ctx, t, kindMint, m.Address.String(), nil, nil, m)
}

func (t *ledgerTx) TokenAccount(ctx context.Context, addr domain.Pubkey) (domain.TokenAccount, error) {
	return getDoc[domain.TokenAccount](ctx, t, kindToken, addr.String())
}

func (t *ledgerTx) PutTokenAccount(ctx context.Context, a domain.TokenAccount) error {
	return putDoc(ctx, t, kindToken, a.Address.String(), nil, nil, a)
}

func (t *ledgerTx) Cluster(ctx context.Context) (domain.ClusterAccount, error) {
	return getDoc[domain.ClusterAccount](ctx, t, kindCluster, singleton)
}

func (t *ledgerTx) PutCluster(ctx context.Context, c domain.ClusterAccount) error {
	return putDoc(ctx, t, kindCluster, singleton, nil, nil, c)
}

func (t *ledgerTx) Definition(ctx context.Context, name domain.DefinitionName) (domain.CompDef, error) {
	return getDoc[domain.CompDef](ctx, t, kindCompDef, string(name))
}

func (t *ledgerTx) PutDefinition(ctx context.Context, d domain.CompDef) error {
	return putDoc(ctx, t, kindCompDef, string(d.Name), nil, nil, d)
}

// AppendEvent assigns the next sequence number. The ledger program applies
// one instruction at a time and the transaction is serializable, so
// MAX(seq)+1 cannot race.
func (t *ledgerTx) AppendEvent(ctx context.Context, e *domain.Event) error {
	if err := t.writable(); err != nil {
		return err
	}
	var last int64
	if err := t.tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM ledger_events`).Scan(&last); err != nil {
		return fmt.Errorf("postgres: next event seq: %w", err)
	}
	e.Seq = uint64(last) + 1

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("postgres: encode event %d: %w", e.Seq, err)
	}
	var offset *int64
	if e.Offset != 0 {
		o := int64(e.Offset)
		offset = &o
	}
	var position *string
	if !e.Position.IsZero() {
		p := e.Position.String()
		position = &p
	}
	const query = `
		INSERT INTO ledger_events (seq, id, type, comp_offset, position, created_at, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := t.tx.Exec(ctx, query,
		int64(e.Seq), e.ID, string(e.Type), offset, position, e.Time, data,
	); err != nil {
		return fmt.Errorf("postgres: append event %d: %w", e.Seq, err)
	}
	return nil
}

// Events lists events after afterSeq in order. A limit of zero or less
// returns them all.
func (t *ledgerTx) Events(ctx context.Context, afterSeq uint64, limit int) ([]domain.Event, error) {
	var lim *int64
	if limit > 0 {
		l := int64(limit)
		lim = &l
	}
	rows, err := t.tx.Query(ctx,
		`SELECT data FROM ledger_events WHERE seq > $1 ORDER BY seq LIMIT $2`,
		int64(afterSeq), lim,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: events after %d: %w", afterSeq, err)
	}
	return scanDocs[domain.Event](rows)
}
