package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/alanyoungcy/shootperps/internal/domain"
)

// hkdf info strings. Changing any of them invalidates every stored ciphertext.
var (
	sharedSecretInfo   = []byte("shootperps/v1/position-cipher")
	stateSecretInfo    = []byte("shootperps/v1/cluster-state")
	positionSecretInfo = []byte("shootperps/v1/position-state")
)

// Keypair is an X25519 key-exchange keypair.
type Keypair struct {
	Private [32]byte
	Public  domain.X25519Key
}

// GenerateKeypair returns a fresh keypair drawn from crypto/rand.
func GenerateKeypair() (Keypair, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return Keypair{}, fmt.Errorf("crypto: generating x25519 key: %w", err)
	}
	return KeypairFromPrivate(priv)
}

// KeypairFromPrivate recomputes the public half of a stored private key.
func KeypairFromPrivate(priv [32]byte) (Keypair, error) {
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return Keypair{}, fmt.Errorf("crypto: deriving x25519 public key: %w", err)
	}
	kp := Keypair{Private: priv}
	copy(kp.Public[:], pub)
	return kp, nil
}

// DeriveSharedSecret performs X25519 with the counterparty's public key and
// expands the result into a 32-byte cipher key. Both sides of the exchange
// derive the same secret. Low-order public keys are rejected.
func DeriveSharedSecret(private [32]byte, counterparty domain.X25519Key) ([32]byte, error) {
	var secret [32]byte
	if counterparty.IsZero() {
		return secret, fmt.Errorf("crypto: %w: empty counterparty key", domain.ErrKeyUnavailable)
	}
	shared, err := curve25519.X25519(private[:], counterparty[:])
	if err != nil {
		return secret, fmt.Errorf("crypto: x25519: %w", err)
	}
	return expand(shared, sharedSecretInfo)
}

// DeriveStateSecret derives the key the cluster encrypts position state
// under. Only the holder of the cluster private key can compute it.
func DeriveStateSecret(private [32]byte) ([32]byte, error) {
	return expand(private[:], stateSecretInfo)
}

// PositionStateSecret derives the key one position's state is sealed under.
// Output nonces are chosen by the position owner, so each position gets its
// own key and a nonce repeated across positions never repeats a keystream.
func PositionStateSecret(stateSecret [32]byte, position domain.Pubkey) ([32]byte, error) {
	if position == (domain.Pubkey{}) {
		return [32]byte{}, fmt.Errorf("crypto: %w: empty position address", domain.ErrInvalidArgument)
	}
	return expandSalted(stateSecret[:], position[:], positionSecretInfo)
}

func expand(ikm, info []byte) ([32]byte, error) {
	return expandSalted(ikm, nil, info)
}

func expandSalted(ikm, salt, info []byte) ([32]byte, error) {
	var out [32]byte
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, info), out[:]); err != nil {
		return out, fmt.Errorf("crypto: hkdf: %w", err)
	}
	return out, nil
}
