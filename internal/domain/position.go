package domain

import (
	"fmt"
	"time"
)

// Indices of the encrypted fields of a position.
const (
	FieldSide = iota
	FieldSizeUSD
	FieldCollateral
	FieldEntryPrice
	FieldLeverage

	PositionFieldCount
)

var fieldNames = [PositionFieldCount]string{"side", "size_usd", "collateral", "entry_price", "leverage"}

// PositionFields are the five encrypted trading attributes of a position.
type PositionFields [PositionFieldCount]Ciphertext

// CheckNonZero rejects any all-zero field, the reserved "uninitialized"
// value.
func (f PositionFields) CheckNonZero() error {
	for i, ct := range f {
		if ct.IsZero() {
			return fmt.Errorf("%w: field %s", ErrZeroCiphertext, fieldNames[i])
		}
	}
	return nil
}

// Slice returns the fields as a slice in index order.
func (f PositionFields) Slice() []Ciphertext {
	out := make([]Ciphertext, PositionFieldCount)
	copy(out, f[:])
	return out
}

// FieldsFromSlice is the inverse of Slice.
func FieldsFromSlice(cts []Ciphertext) (PositionFields, error) {
	var f PositionFields
	if len(cts) != PositionFieldCount {
		return f, fmt.Errorf("%w: want %d position fields, got %d", ErrInvalidArgument, PositionFieldCount, len(cts))
	}
	copy(f[:], cts)
	return f, nil
}

// Position is one trader's encrypted perpetual exposure. Only the owner,
// venue, nonce, active flag and timestamps are readable by observers.
type Position struct {
	Address           Pubkey         `json:"address"`
	Owner             Pubkey         `json:"owner"`
	Pool              Pubkey         `json:"pool"`
	Custody           Pubkey         `json:"custody"`
	CollateralCustody Pubkey         `json:"collateral_custody"`
	Fields            PositionFields `json:"fields"`
	Nonce             Nonce          `json:"nonce"`
	Active            bool           `json:"active"`
	OpenOffset        uint64         `json:"open_offset"`
	OpenTime          time.Time      `json:"open_time"`
	UpdateTime        time.Time      `json:"update_time"`
}

// Opened reports whether the position ever received its initial state.
func (p Position) Opened() bool { return !p.Nonce.IsZero() }

// State returns the encrypted state of the position.
func (p Position) State() EncryptedState {
	return EncryptedState{Nonce: p.Nonce, Fields: p.Fields}
}

// PositionEscrow is the public custody bookkeeping of one position. Only
// plaintext transfer amounts flow into it, so settlement never needs to
// read a ciphertext.
type PositionEscrow struct {
	Position          Pubkey `json:"position"`
	Custody           Pubkey `json:"custody"`
	CollateralCustody Pubkey `json:"collateral_custody"`
	// Locked is the amount reserved in Custody for the potential payoff.
	Locked uint64 `json:"locked"`
	// Collateral is the net amount deposited into CollateralCustody.
	Collateral uint64 `json:"collateral"`
	// SizeUSD is the public notional declared at open.
	SizeUSD uint64 `json:"size_usd"`
	// PendingAdd is an add-collateral transfer awaiting its callback.
	PendingAdd uint64 `json:"pending_add"`
}
