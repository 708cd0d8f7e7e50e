package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/shootperps/internal/domain"
)

// Type hashes of the EIP-712 structs instructions are signed as.
var (
	domainTypeHash      = ethcrypto.Keccak256([]byte("EIP712Domain(string name,string version,uint256 chainId)"))
	instructionTypeHash = ethcrypto.Keccak256([]byte("Instruction(bytes32 payloadHash)"))
)

const (
	domainName    = "ShootPerps"
	domainVersion = "1"
	// SignatureLen is r || s || v.
	SignatureLen = 65
)

// Signer signs ledger instructions with a secp256k1 key. The signer's
// ledger identity is its address left-padded to 32 bytes.
type Signer struct {
	key       *ecdsa.PrivateKey
	address   common.Address
	domainSep []byte
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key. The
// chain ID separates signatures of different ledger deployments.
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return newSigner(pk, chainID), nil
}

// GenerateSigner creates a Signer with a fresh random key.
func GenerateSigner(chainID int64) (*Signer, error) {
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: generating key: %w", err)
	}
	return newSigner(pk, chainID), nil
}

func newSigner(pk *ecdsa.PrivateKey, chainID int64) *Signer {
	return &Signer{
		key:       pk,
		address:   ethcrypto.PubkeyToAddress(pk.PublicKey),
		domainSep: buildDomainSeparator(chainID),
	}
}

func (s *Signer) Address() common.Address { return s.address }

// Identity returns the ledger identity of the signer.
func (s *Signer) Identity() domain.Pubkey {
	return domain.PubkeyFromAddress(s.address)
}

// PrivateKeyHex exports the key for persistence with SealKey.
func (s *Signer) PrivateKeyHex() string {
	return hex.EncodeToString(ethcrypto.FromECDSA(s.key))
}

// SignPayload signs the EIP-712 digest of an encoded instruction and
// returns the 65-byte signature.
func (s *Signer) SignPayload(payload []byte) ([]byte, error) {
	return s.signDigest(instructionDigest(s.domainSep, payload))
}

// Verifier recovers instruction signers for one chain ID.
type Verifier struct {
	domainSep []byte
}

// NewVerifier returns a Verifier matching signers built with chainID.
func NewVerifier(chainID int64) *Verifier {
	return &Verifier{domainSep: buildDomainSeparator(chainID)}
}

// Recover returns the identity that produced sig over payload.
func (v *Verifier) Recover(payload, sig []byte) (domain.Pubkey, error) {
	if len(sig) != SignatureLen {
		return domain.Pubkey{}, fmt.Errorf("crypto/signer: %w: length %d", domain.ErrInvalidSignature, len(sig))
	}
	rsv := make([]byte, SignatureLen)
	copy(rsv, sig)
	if rsv[64] >= 27 {
		rsv[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(instructionDigest(v.domainSep, payload), rsv)
	if err != nil {
		return domain.Pubkey{}, fmt.Errorf("crypto/signer: %w: %v", domain.ErrInvalidSignature, err)
	}
	return domain.PubkeyFromAddress(ethcrypto.PubkeyToAddress(*pub)), nil
}

func buildDomainSeparator(chainID int64) []byte {
	id := uint256.NewInt(uint64(chainID)).Bytes32()
	return ethcrypto.Keccak256(
		domainTypeHash,
		ethcrypto.Keccak256([]byte(domainName)),
		ethcrypto.Keccak256([]byte(domainVersion)),
		id[:],
	)
}

// instructionDigest is keccak256(0x1901 || domainSep || keccak256(typeHash || keccak256(payload))).
func instructionDigest(domainSep, payload []byte) []byte {
	structHash := ethcrypto.Keccak256(instructionTypeHash, ethcrypto.Keccak256(payload))
	return ethcrypto.Keccak256([]byte{0x19, 0x01}, domainSep, structHash)
}

// signDigest returns r || s || v with v in {27, 28}.
func (s *Signer) signDigest(digest []byte) ([]byte, error) {
	sig, err := ethcrypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: sign: %w", err)
	}
	sig[64] += 27
	return sig, nil
}
