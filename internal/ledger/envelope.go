package ledger

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/alanyoungcy/shootperps/internal/crypto"
	"github.com/alanyoungcy/shootperps/internal/domain"
)

// Envelope field numbers in the canonical encoding.
const (
	fieldKind     protowire.Number = 1
	fieldSigner   protowire.Number = 2
	fieldIssuedAt protowire.Number = 3
	fieldSalt     protowire.Number = 4
	fieldArgs     protowire.Number = 5
)

// Envelope is one ledger instruction before signing.
type Envelope struct {
	Kind     domain.InstructionKind `json:"kind"`
	Signer   domain.Pubkey          `json:"signer"`
	IssuedAt time.Time              `json:"issued_at"`
	Salt     uint64                 `json:"salt"`
	Args     json.RawMessage        `json:"args"`
}

// SignedEnvelope is an envelope with the signer's secp256k1 signature.
type SignedEnvelope struct {
	Envelope
	Signature hexutil.Bytes `json:"signature"`
}

// Encode returns the canonical byte encoding that is signed. Fields are
// written in field-number order so the encoding is deterministic.
func (e Envelope) Encode() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldKind, protowire.BytesType)
	b = protowire.AppendString(b, string(e.Kind))
	b = protowire.AppendTag(b, fieldSigner, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Signer[:])
	b = protowire.AppendTag(b, fieldIssuedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.IssuedAt.UnixNano()))
	b = protowire.AppendTag(b, fieldSalt, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, e.Salt)
	b = protowire.AppendTag(b, fieldArgs, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Args)
	return b
}

// DecodeEnvelope parses the canonical encoding.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, fmt.Errorf("ledger: envelope tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldKind && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return e, fmt.Errorf("ledger: envelope kind: %w", protowire.ParseError(n))
			}
			e.Kind, b = domain.InstructionKind(v), b[n:]
		case num == fieldSigner && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 || len(v) != len(e.Signer) {
				return e, fmt.Errorf("ledger: envelope signer: %w", domain.ErrInvalidArgument)
			}
			copy(e.Signer[:], v)
			b = b[n:]
		case num == fieldIssuedAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, fmt.Errorf("ledger: envelope issued_at: %w", protowire.ParseError(n))
			}
			e.IssuedAt, b = time.Unix(0, int64(v)).UTC(), b[n:]
		case num == fieldSalt && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return e, fmt.Errorf("ledger: envelope salt: %w", protowire.ParseError(n))
			}
			e.Salt, b = v, b[n:]
		case num == fieldArgs && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return e, fmt.Errorf("ledger: envelope args: %w", protowire.ParseError(n))
			}
			e.Args, b = append(json.RawMessage(nil), v...), b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return e, fmt.Errorf("ledger: envelope field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return e, nil
}

// ID identifies the envelope for replay protection.
func (e Envelope) ID() string {
	return hexutil.Encode(ethcrypto.Keccak256(e.Encode()))
}

// NewEnvelope marshals args into an envelope issued now.
func NewEnvelope(kind domain.InstructionKind, signer domain.Pubkey, args any, now time.Time) (Envelope, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return Envelope{}, fmt.Errorf("ledger: encode %s args: %w", kind, err)
	}
	var salt [8]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return Envelope{}, fmt.Errorf("ledger: envelope salt: %w", err)
	}
	return Envelope{
		Kind:     kind,
		Signer:   signer,
		IssuedAt: now.UTC(),
		Salt:     binary.LittleEndian.Uint64(salt[:]),
		Args:     raw,
	}, nil
}

// Sign builds and signs an envelope with s.
func Sign(s *crypto.Signer, kind domain.InstructionKind, args any, now time.Time) (SignedEnvelope, error) {
	env, err := NewEnvelope(kind, s.Identity(), args, now)
	if err != nil {
		return SignedEnvelope{}, err
	}
	sig, err := s.SignPayload(env.Encode())
	if err != nil {
		return SignedEnvelope{}, err
	}
	return SignedEnvelope{Envelope: env, Signature: sig}, nil
}

// Verify recovers the signer and checks it matches the declared one.
func (s SignedEnvelope) Verify(v *crypto.Verifier) error {
	id, err := v.Recover(s.Encode(), s.Signature)
	if err != nil {
		return err
	}
	if id != s.Signer {
		return fmt.Errorf("ledger: %w: signed by %s, declared %s", domain.ErrInvalidSignature, id, s.Signer)
	}
	return nil
}

func decodeArgs[T any](env Envelope) (T, error) {
	var v T
	if err := json.Unmarshal(env.Args, &v); err != nil {
		return v, fmt.Errorf("ledger: decode %s args: %w: %v", env.Kind, domain.ErrInvalidArgument, err)
	}
	return v, nil
}
