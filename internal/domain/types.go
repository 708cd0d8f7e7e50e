package domain

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Pubkey identifies an account on the ledger: an owner, a pool, a custody,
// a position or a token account.
type Pubkey [32]byte

// DerivePubkey returns the program-derived address for the given seeds.
func DerivePubkey(seeds ...[]byte) Pubkey {
	return Pubkey(ethcrypto.Keccak256Hash(seeds...))
}

// PubkeyFromAddress left-pads a 20-byte signer address into a Pubkey.
func PubkeyFromAddress(addr common.Address) Pubkey {
	return Pubkey(common.BytesToHash(addr.Bytes()))
}

// ParsePubkey decodes a 0x-prefixed hex string.
func ParsePubkey(s string) (Pubkey, error) {
	b, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil {
		return Pubkey{}, fmt.Errorf("%w: pubkey %q: %v", ErrInvalidArgument, s, err)
	}
	if len(b) != 32 {
		return Pubkey{}, fmt.Errorf("%w: pubkey must be 32 bytes, got %d", ErrInvalidArgument, len(b))
	}
	return Pubkey(b), nil
}

func (p Pubkey) String() string { return hexutil.Encode(p[:]) }

// IsZero reports whether p is the default key.
func (p Pubkey) IsZero() bool { return p == Pubkey{} }

func (p Pubkey) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Pubkey) UnmarshalText(text []byte) error {
	v, err := ParsePubkey(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// X25519Key is a Curve25519 public key used for key exchange.
type X25519Key [32]byte

func (k X25519Key) String() string { return hexutil.Encode(k[:]) }

func (k X25519Key) IsZero() bool { return k == X25519Key{} }

func (k X25519Key) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *X25519Key) UnmarshalText(text []byte) error {
	b, err := hexutil.Decode(string(text))
	if err != nil {
		return fmt.Errorf("%w: x25519 key: %v", ErrInvalidArgument, err)
	}
	if len(b) != 32 {
		return fmt.Errorf("%w: x25519 key must be 32 bytes", ErrInvalidArgument)
	}
	copy(k[:], b)
	return nil
}

// CiphertextSize is the fixed width of one encrypted field.
const CiphertextSize = 32

// Ciphertext is one encrypted numeric field.
type Ciphertext [CiphertextSize]byte

// IsZero reports whether c is the reserved "uninitialized" value.
func (c Ciphertext) IsZero() bool { return c == Ciphertext{} }

func (c Ciphertext) String() string { return hexutil.Encode(c[:]) }

func (c Ciphertext) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Ciphertext) UnmarshalText(text []byte) error {
	b, err := hexutil.Decode(string(text))
	if err != nil {
		return fmt.Errorf("%w: ciphertext: %v", ErrInvalidArgument, err)
	}
	if len(b) != CiphertextSize {
		return fmt.Errorf("%w: ciphertext must be %d bytes", ErrInvalidArgument, CiphertextSize)
	}
	copy(c[:], b)
	return nil
}

// Nonce is a 16-byte cipher nonce, interpreted as a little-endian u128 when
// compared or rendered.
type Nonce [16]byte

// NonceFromUint encodes v as a nonce. v must fit in 128 bits.
func NonceFromUint(v *uint256.Int) (Nonce, error) {
	if v.BitLen() > 128 {
		return Nonce{}, fmt.Errorf("%w: nonce exceeds 128 bits", ErrInvalidArgument)
	}
	be := v.Bytes32()
	var n Nonce
	for i := 0; i < 16; i++ {
		n[i] = be[31-i]
	}
	return n, nil
}

// NonceFromUint64 is a convenience for small nonces.
func NonceFromUint64(v uint64) Nonce {
	var n Nonce
	binary.LittleEndian.PutUint64(n[:8], v)
	return n
}

// Uint returns the nonce as an integer.
func (n Nonce) Uint() *uint256.Int {
	var be [32]byte
	for i := 0; i < 16; i++ {
		be[31-i] = n[i]
	}
	return new(uint256.Int).SetBytes32(be[:])
}

// Cmp compares two nonces numerically.
func (n Nonce) Cmp(o Nonce) int { return n.Uint().Cmp(o.Uint()) }

// IsZero reports whether the nonce is unset.
func (n Nonce) IsZero() bool { return n == Nonce{} }

// Next returns n+1. It wraps at 2^128, which callers treat as exhaustion.
func (n Nonce) Next() (Nonce, error) {
	v := n.Uint()
	v.AddUint64(v, 1)
	return NonceFromUint(v)
}

func (n Nonce) String() string { return n.Uint().Dec() }

func (n Nonce) MarshalText() ([]byte, error) { return []byte(n.String()), nil }

func (n *Nonce) UnmarshalText(text []byte) error {
	v, err := uint256.FromDecimal(string(text))
	if err != nil {
		return fmt.Errorf("%w: nonce %q: %v", ErrInvalidArgument, string(text), err)
	}
	out, err := NonceFromUint(v)
	if err != nil {
		return err
	}
	*n = out
	return nil
}

// Side is the direction of a position. It only ever appears in plaintext
// on the caller side and inside the cluster.
type Side uint8

const (
	SideNone  Side = 0
	SideLong  Side = 1
	SideShort Side = 2
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return "none"
	}
}

// ParseSide accepts "long" or "short".
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long":
		return SideLong, nil
	case "short":
		return SideShort, nil
	default:
		return SideNone, fmt.Errorf("%w: side %q", ErrInvalidArgument, s)
	}
}

// Fixed-point conventions shared by the ledger and the circuits.
const (
	// USDDecimals is the implicit precision of every USD value and price.
	USDDecimals = 6
	// USDScale is 10^USDDecimals.
	USDScale uint64 = 1_000_000
	// BPSPower is one whole in basis points.
	BPSPower uint64 = 10_000
	// RatePower is the fixed-point scale of borrow rates.
	RatePower uint64 = 1_000_000_000
	// MaxTokenDecimals caps mint precision so balances of a few billion
	// tokens still fit in u64 base units.
	MaxTokenDecimals = 9
	// MaxLeverageSentinel is reported when a position has no margin left.
	MaxLeverageSentinel uint64 = 1_000_000
)
