package domain

import (
	"encoding/binary"
	"fmt"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ComputationKind is the position operation a computation belongs to.
type ComputationKind uint8

const (
	KindUnknown ComputationKind = iota
	KindOpen
	KindUpdate
	KindPnl
	KindClose
	KindLiquidate
)

func (k ComputationKind) String() string {
	switch k {
	case KindOpen:
		return "open"
	case KindUpdate:
		return "update"
	case KindPnl:
		return "pnl"
	case KindClose:
		return "close"
	case KindLiquidate:
		return "liquidate"
	default:
		return "unknown"
	}
}

func (k ComputationKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *ComputationKind) UnmarshalText(text []byte) error {
	for _, c := range []ComputationKind{KindUnknown, KindOpen, KindUpdate, KindPnl, KindClose, KindLiquidate} {
		if c.String() == string(text) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("%w: computation kind %q", ErrInvalidArgument, string(text))
}

// Mutating reports whether the kind advances the position nonce.
func (k ComputationKind) Mutating() bool {
	return k != KindPnl && k != KindUnknown
}

// Definition returns the circuit that serves the kind.
func (k ComputationKind) Definition() DefinitionName {
	switch k {
	case KindOpen:
		return DefInitPosition
	case KindUpdate:
		return DefUpdatePosition
	case KindPnl:
		return DefCalculatePnl
	case KindClose:
		return DefClosePosition
	case KindLiquidate:
		return DefCheckLiquidation
	default:
		return ""
	}
}

// DefinitionName names a registered circuit.
type DefinitionName string

const (
	DefInitPosition     DefinitionName = "init_position"
	DefUpdatePosition   DefinitionName = "update_position"
	DefCheckLiquidation DefinitionName = "check_liquidation"
	DefClosePosition    DefinitionName = "close_position"
	DefCalculatePnl     DefinitionName = "calculate_pnl"
)

// AllDefinitions lists every circuit that must be registered before use.
func AllDefinitions() []DefinitionName {
	return []DefinitionName{DefInitPosition, DefUpdatePosition, DefCheckLiquidation, DefClosePosition, DefCalculatePnl}
}

// Valid reports whether d is a known circuit.
func (d DefinitionName) Valid() bool {
	for _, n := range AllDefinitions() {
		if n == d {
			return true
		}
	}
	return false
}

// ID is the stable numeric identifier of the definition.
func (d DefinitionName) ID() uint32 {
	return binary.LittleEndian.Uint32(ethcrypto.Keccak256([]byte(d))[:4])
}

// CompDef is a registered computation definition.
type CompDef struct {
	Name         DefinitionName `json:"name"`
	ID           uint32         `json:"id"`
	Finalized    bool           `json:"finalized"`
	RegisteredAt time.Time      `json:"registered_at"`
}

// ComputationStatus is the ledger-side state of a queued computation.
type ComputationStatus uint8

const (
	StatusPending ComputationStatus = iota
	StatusFinalized
	StatusFailed
	StatusRejected
)

func (s ComputationStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFinalized:
		return "finalized"
	case StatusFailed:
		return "failed"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

func (s ComputationStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *ComputationStatus) UnmarshalText(text []byte) error {
	for _, c := range []ComputationStatus{StatusPending, StatusFinalized, StatusFailed, StatusRejected} {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("%w: computation status %q", ErrInvalidArgument, string(text))
}

// Resolved reports whether the computation left the pending state.
func (s ComputationStatus) Resolved() bool { return s != StatusPending }

// EncryptedInput is a caller-encrypted argument bundle.
type EncryptedInput struct {
	PublicKey X25519Key    `json:"public_key"`
	Nonce     Nonce        `json:"nonce"`
	Values    []Ciphertext `json:"values"`
}

// EncryptedState is a position state encrypted under the cluster secret.
type EncryptedState struct {
	Nonce  Nonce          `json:"nonce"`
	Fields PositionFields `json:"fields"`
}

// PlainInputs are the public parameters the ledger passes to a circuit.
type PlainInputs struct {
	CurrentPrice       uint64 `json:"current_price,omitempty"`
	CollateralPrice    uint64 `json:"collateral_price,omitempty"`
	CollateralDecimals uint8  `json:"collateral_decimals,omitempty"`
	MaxLeverage        uint64 `json:"max_leverage,omitempty"`
	FeeBps             uint64 `json:"fee_bps,omitempty"`
	TransferAmount     uint64 `json:"transfer_amount,omitempty"`
	IsAdd              bool   `json:"is_add,omitempty"`
}

// ComputationRequest is what the ledger hands to the cluster queue.
type ComputationRequest struct {
	Offset      uint64          `json:"offset"`
	Kind        ComputationKind `json:"kind"`
	Definition  DefinitionName  `json:"definition"`
	Position    Pubkey          `json:"position"`
	Input       *EncryptedInput `json:"input,omitempty"`
	State       *EncryptedState `json:"state,omitempty"`
	OutputNonce Nonce           `json:"output_nonce"`
	Plain       PlainInputs     `json:"plain"`
}

// Outputs are the results a circuit reveals. State is set for successful
// mutating computations; the plaintext fields depend on the definition.
type Outputs struct {
	Status         uint8           `json:"status"`
	State          *EncryptedState `json:"state,omitempty"`
	Profit         uint64          `json:"profit,omitempty"`
	Loss           uint64          `json:"loss,omitempty"`
	Leverage       uint64          `json:"leverage,omitempty"`
	TransferAmount uint64          `json:"transfer_amount,omitempty"`
	FeeAmount      uint64          `json:"fee_amount,omitempty"`
	Liquidatable   bool            `json:"liquidatable,omitempty"`
	RewardAmount   uint64          `json:"reward_amount,omitempty"`
	OwnerAmount    uint64          `json:"owner_amount,omitempty"`
}

// Computation is the ledger record of one queued request.
type Computation struct {
	Offset        uint64              `json:"offset"`
	Kind          ComputationKind     `json:"kind"`
	Definition    DefinitionName      `json:"definition"`
	Position      Pubkey              `json:"position"`
	Signer        Pubkey              `json:"signer"`
	ExpectedNonce Nonce               `json:"expected_nonce"`
	OutputNonce   Nonce               `json:"output_nonce"`
	Plain         PlainInputs         `json:"plain"`
	Request       *ComputationRequest `json:"request,omitempty"`
	Status        ComputationStatus   `json:"status"`
	Reason        string              `json:"reason,omitempty"`
	Outputs       *Outputs            `json:"outputs,omitempty"`
	SubmittedAt   time.Time           `json:"submitted_at"`
	ResolvedAt    time.Time           `json:"resolved_at,omitempty"`
}

// Finalization returns the outcome of c once it is resolved.
func (c Computation) Finalization() (Finalization, bool) {
	if !c.Status.Resolved() {
		return Finalization{}, false
	}
	f := Finalization{
		Offset:     c.Offset,
		Kind:       c.Kind,
		Position:   c.Position,
		Status:     c.Status,
		Reason:     c.Reason,
		Nonce:      c.ExpectedNonce,
		ResolvedAt: c.ResolvedAt,
	}
	if c.Outputs != nil {
		out := *c.Outputs
		f.Outputs = &out
		if out.State != nil && c.Status == StatusFinalized {
			f.Nonce = out.State.Nonce
		}
	}
	return f, true
}

// Finalization is the outcome of one offset as clients observe it.
type Finalization struct {
	Offset     uint64            `json:"offset"`
	Kind       ComputationKind   `json:"kind"`
	Position   Pubkey            `json:"position"`
	Status     ComputationStatus `json:"status"`
	Reason     string            `json:"reason,omitempty"`
	Nonce      Nonce             `json:"nonce"`
	Outputs    *Outputs          `json:"outputs,omitempty"`
	ResolvedAt time.Time         `json:"resolved_at"`
}

// Err converts a non-successful finalization into an error.
func (f Finalization) Err() error {
	switch f.Status {
	case StatusFinalized:
		return nil
	case StatusRejected:
		if e := ErrorForReason(f.Reason); e != nil {
			return fmt.Errorf("offset %d rejected: %w", f.Offset, e)
		}
		return fmt.Errorf("%w: offset %d rejected: %s", ErrInvalidCallback, f.Offset, f.Reason)
	default:
		return fmt.Errorf("%w: offset %d: %s", ErrComputationFailed, f.Offset, f.Reason)
	}
}

// CallbackPayload is the body the cluster signs and delivers to the ledger.
type CallbackPayload struct {
	Offset     uint64         `json:"offset"`
	Definition DefinitionName `json:"definition"`
	Outputs    Outputs        `json:"outputs"`
	ProducedAt time.Time      `json:"produced_at"`
}

// SignedCallback is a callback payload with its authentication tag.
type SignedCallback struct {
	Payload   []byte `json:"payload"`
	Signature string `json:"signature"`
}

// Circuit status codes. Zero is success; the meaning of other codes depends
// on the definition.
const (
	StatusOK uint8 = 0

	InitInvalidSide     uint8 = 1
	InitZeroSize        uint8 = 2
	InitZeroCollateral  uint8 = 3
	InitZeroEntryPrice  uint8 = 4
	InitInputMismatch   uint8 = 5
	UpdateInsufficient  uint8 = 1
	UpdateMaxLeverage   uint8 = 2
	UpdateInputMismatch uint8 = 3

	// StatusUndecryptable is reported by the cluster itself when the
	// encrypted inputs or state cannot be opened.
	StatusUndecryptable uint8 = 0xFF
)

// CircuitStatusReason renders a non-zero circuit status as a reason code.
func CircuitStatusReason(def DefinitionName, status uint8) string {
	if status == StatusUndecryptable {
		return "decryption_failed"
	}
	switch def {
	case DefInitPosition:
		switch status {
		case InitInvalidSide:
			return "invalid_side"
		case InitZeroSize:
			return "zero_size"
		case InitZeroCollateral:
			return "zero_collateral"
		case InitZeroEntryPrice:
			return "zero_entry_price"
		case InitInputMismatch:
			return "input_mismatch"
		}
	case DefUpdatePosition:
		switch status {
		case UpdateInsufficient:
			return "insufficient_collateral"
		case UpdateMaxLeverage:
			return "max_leverage_exceeded"
		case UpdateInputMismatch:
			return "input_mismatch"
		}
	}
	return fmt.Sprintf("circuit_status_%d", status)
}
