package domain

import "context"

// LedgerStore persists ledger state. Apply runs fn in one atomic
// transaction: either every write lands or none does.
type LedgerStore interface {
	Apply(ctx context.Context, fn func(tx LedgerTx) error) error
	View(ctx context.Context, fn func(tx LedgerTx) error) error
}

// LedgerTx is the account view of one transaction. Getters return
// ErrNotFound for absent accounts.
type LedgerTx interface {
	Perpetuals(ctx context.Context) (Perpetuals, error)
	PutPerpetuals(ctx context.Context, p Perpetuals) error

	Pool(ctx context.Context, addr Pubkey) (Pool, error)
	PutPool(ctx context.Context, p Pool) error

	Custody(ctx context.Context, addr Pubkey) (Custody, error)
	PutCustody(ctx context.Context, c Custody) error

	Oracle(ctx context.Context, addr Pubkey) (OracleAccount, error)
	PutOracle(ctx context.Context, o OracleAccount) error

	Position(ctx context.Context, addr Pubkey) (Position, error)
	PutPosition(ctx context.Context, p Position) error
	PositionsByOwner(ctx context.Context, owner Pubkey) ([]Position, error)

	Escrow(ctx context.Context, position Pubkey) (PositionEscrow, error)
	PutEscrow(ctx context.Context, e PositionEscrow) error
	DeleteEscrow(ctx context.Context, position Pubkey) error

	Computation(ctx context.Context, offset uint64) (Computation, error)
	PutComputation(ctx context.Context, c Computation) error
	PendingComputations(ctx context.Context) ([]Computation, error)

	Mint(ctx context.Context, addr Pubkey) (Mint, error)
	PutMint(ctx context.Context, m Mint) error

	TokenAccount(ctx context.Context, addr Pubkey) (TokenAccount, error)
	PutTokenAccount(ctx context.Context, a TokenAccount) error

	Cluster(ctx context.Context) (ClusterAccount, error)
	PutCluster(ctx context.Context, c ClusterAccount) error

	Definition(ctx context.Context, name DefinitionName) (CompDef, error)
	PutDefinition(ctx context.Context, d CompDef) error

	// AppendEvent assigns the next sequence number to e.
	AppendEvent(ctx context.Context, e *Event) error
	Events(ctx context.Context, afterSeq uint64, limit int) ([]Event, error)
}
