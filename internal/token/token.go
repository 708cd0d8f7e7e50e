// Package token implements fungible token accounts on top of a ledger
// transaction. Every function runs inside the caller's transaction, so a
// failed instruction leaves balances untouched.
package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/alanyoungcy/shootperps/internal/domain"
)

// CreateMint registers a new mint. It fails if the symbol is taken.
func CreateMint(ctx context.Context, tx domain.LedgerTx, symbol string, decimals uint8, authority domain.Pubkey) (domain.Mint, error) {
	if symbol == "" {
		return domain.Mint{}, fmt.Errorf("token: %w: empty symbol", domain.ErrInvalidArgument)
	}
	if decimals > domain.MaxTokenDecimals {
		return domain.Mint{}, fmt.Errorf("token: %w: %d decimals above %d", domain.ErrInvalidArgument, decimals, domain.MaxTokenDecimals)
	}
	return CreateMintAt(ctx, tx, domain.MintAddress(symbol), symbol, decimals, authority)
}

// CreateMintAt registers a mint at a derived address, used for LP mints.
func CreateMintAt(ctx context.Context, tx domain.LedgerTx, addr domain.Pubkey, symbol string, decimals uint8, authority domain.Pubkey) (domain.Mint, error) {
	if _, err := tx.Mint(ctx, addr); err == nil {
		return domain.Mint{}, fmt.Errorf("token: mint %s: %w", symbol, domain.ErrAlreadyExists)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Mint{}, err
	}
	m := domain.Mint{Address: addr, Symbol: symbol, Decimals: decimals, Authority: authority}
	if err := tx.PutMint(ctx, m); err != nil {
		return domain.Mint{}, err
	}
	return m, nil
}

// Account loads the associated account of owner for mint, returning an
// empty account if none exists yet.
func Account(ctx context.Context, tx domain.LedgerTx, mint, owner domain.Pubkey) (domain.TokenAccount, error) {
	return accountAt(ctx, tx, domain.TokenAccountAddress(mint, owner), mint, owner)
}

func accountAt(ctx context.Context, tx domain.LedgerTx, addr, mint, owner domain.Pubkey) (domain.TokenAccount, error) {
	acct, err := tx.TokenAccount(ctx, addr)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.TokenAccount{Address: addr, Mint: mint, Owner: owner}, nil
	}
	if err != nil {
		return domain.TokenAccount{}, err
	}
	if acct.Mint != mint {
		return domain.TokenAccount{}, fmt.Errorf("token: %w: account %s holds mint %s", domain.ErrInvalidArgument, addr, acct.Mint)
	}
	return acct, nil
}

// CustodyAccount loads the token account a custody holds its assets in. The
// account is owned by the custody itself.
func CustodyAccount(ctx context.Context, tx domain.LedgerTx, c domain.Custody) (domain.TokenAccount, error) {
	return accountAt(ctx, tx, c.TokenAccount, c.Mint, c.Address)
}

// Balance returns the balance of owner's associated account.
func Balance(ctx context.Context, tx domain.LedgerTx, mint, owner domain.Pubkey) (uint64, error) {
	acct, err := Account(ctx, tx, mint, owner)
	if err != nil {
		return 0, err
	}
	return acct.Amount, nil
}

// MintTo creates amount new tokens in owner's associated account. Only the
// mint authority may call it.
func MintTo(ctx context.Context, tx domain.LedgerTx, mint, owner, authority domain.Pubkey, amount uint64) error {
	m, err := tx.Mint(ctx, mint)
	if err != nil {
		return fmt.Errorf("token: mint %s: %w", mint, err)
	}
	if m.Authority != authority {
		return fmt.Errorf("token: mint_to %s: %w", m.Symbol, domain.ErrUnauthorized)
	}
	acct, err := Account(ctx, tx, mint, owner)
	if err != nil {
		return err
	}
	return credit(ctx, tx, &m, &acct, amount)
}

// MintToAccount mints into an explicit account such as a custody vault.
func MintToAccount(ctx context.Context, tx domain.LedgerTx, mint domain.Pubkey, acct domain.TokenAccount, authority domain.Pubkey, amount uint64) error {
	m, err := tx.Mint(ctx, mint)
	if err != nil {
		return fmt.Errorf("token: mint %s: %w", mint, err)
	}
	if m.Authority != authority {
		return fmt.Errorf("token: mint_to %s: %w", m.Symbol, domain.ErrUnauthorized)
	}
	return credit(ctx, tx, &m, &acct, amount)
}

func credit(ctx context.Context, tx domain.LedgerTx, m *domain.Mint, acct *domain.TokenAccount, amount uint64) error {
	if m.Supply+amount < m.Supply || acct.Amount+amount < acct.Amount {
		return fmt.Errorf("token: mint_to: %w", domain.ErrMathOverflow)
	}
	m.Supply += amount
	acct.Amount += amount
	if err := tx.PutMint(ctx, *m); err != nil {
		return err
	}
	return tx.PutTokenAccount(ctx, *acct)
}

// Burn destroys amount tokens from owner's associated account.
func Burn(ctx context.Context, tx domain.LedgerTx, mint, owner domain.Pubkey, amount uint64) error {
	m, err := tx.Mint(ctx, mint)
	if err != nil {
		return fmt.Errorf("token: mint %s: %w", mint, err)
	}
	acct, err := Account(ctx, tx, mint, owner)
	if err != nil {
		return err
	}
	if acct.Amount < amount {
		return fmt.Errorf("token: burn %d %s: %w", amount, m.Symbol, domain.ErrInsufficientFunds)
	}
	acct.Amount -= amount
	m.Supply = domain.SubSat(m.Supply, amount)
	if err := tx.PutMint(ctx, m); err != nil {
		return err
	}
	return tx.PutTokenAccount(ctx, acct)
}

// Transfer moves amount between two accounts of the same mint. The source
// must be owned by authority.
func Transfer(ctx context.Context, tx domain.LedgerTx, from, to domain.TokenAccount, authority domain.Pubkey, amount uint64) error {
	if from.Owner != authority {
		return fmt.Errorf("token: transfer from %s: %w", from.Address, domain.ErrUnauthorized)
	}
	if from.Mint != to.Mint {
		return fmt.Errorf("token: %w: mint mismatch", domain.ErrInvalidArgument)
	}
	if amount == 0 {
		return nil
	}
	if from.Address == to.Address {
		return nil
	}
	if from.Amount < amount {
		return fmt.Errorf("token: transfer %d, balance %d: %w", amount, from.Amount, domain.ErrInsufficientFunds)
	}
	if to.Amount+amount < to.Amount {
		return fmt.Errorf("token: transfer: %w", domain.ErrMathOverflow)
	}
	from.Amount -= amount
	to.Amount += amount
	if err := tx.PutTokenAccount(ctx, from); err != nil {
		return err
	}
	return tx.PutTokenAccount(ctx, to)
}

// TransferFromOwner moves amount of mint from owner's associated account to
// dst, reloading both accounts inside tx.
func TransferFromOwner(ctx context.Context, tx domain.LedgerTx, mint, owner domain.Pubkey, dst domain.Pubkey, dstOwner domain.Pubkey, amount uint64) error {
	from, err := Account(ctx, tx, mint, owner)
	if err != nil {
		return err
	}
	to, err := accountAt(ctx, tx, dst, mint, dstOwner)
	if err != nil {
		return err
	}
	return Transfer(ctx, tx, from, to, owner, amount)
}

// TransferToOwner moves amount from src (owned by srcOwner) into owner's
// associated account, creating it if needed.
func TransferToOwner(ctx context.Context, tx domain.LedgerTx, mint, src, srcOwner, owner domain.Pubkey, amount uint64) error {
	from, err := accountAt(ctx, tx, src, mint, srcOwner)
	if err != nil {
		return err
	}
	to, err := Account(ctx, tx, mint, owner)
	if err != nil {
		return err
	}
	return Transfer(ctx, tx, from, to, srcOwner, amount)
}
