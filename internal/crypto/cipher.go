package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/holiman/uint256"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/alanyoungcy/shootperps/internal/domain"
)

// Each field is a 16-byte little-endian integer sealed with
// XChaCha20-Poly1305, giving 16 bytes of ciphertext plus a 16-byte tag.
const plaintextWidth = 16

// Encrypt seals values under secret and nonce. Element i uses the 24-byte
// nonce nonce||BE64(i), so a single 16-byte nonce covers the whole vector.
// A nonce must never be reused with the same secret for different values.
func Encrypt(secret [32]byte, nonce domain.Nonce, values []uint64) ([]domain.Ciphertext, error) {
	aead, err := chacha20poly1305.NewX(secret[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher init: %w", err)
	}
	out := make([]domain.Ciphertext, len(values))
	var pt [plaintextWidth]byte
	for i, v := range values {
		clear(pt[:])
		binary.LittleEndian.PutUint64(pt[:8], v)
		sealed := aead.Seal(nil, elementNonce(nonce, i), pt[:], nil)
		copy(out[i][:], sealed)
	}
	return out, nil
}

// Decrypt opens ciphertexts sealed by Encrypt. A wrong secret, nonce or
// element order fails with domain.ErrDecryptionFailed.
func Decrypt(secret [32]byte, nonce domain.Nonce, cts []domain.Ciphertext) ([]uint64, error) {
	aead, err := chacha20poly1305.NewX(secret[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher init: %w", err)
	}
	out := make([]uint64, len(cts))
	for i, ct := range cts {
		pt, err := aead.Open(nil, elementNonce(nonce, i), ct[:], nil)
		if err != nil {
			return nil, fmt.Errorf("crypto: element %d: %w", i, domain.ErrDecryptionFailed)
		}
		if binary.LittleEndian.Uint64(pt[8:]) != 0 {
			return nil, fmt.Errorf("crypto: element %d exceeds 64 bits: %w", i, domain.ErrDecryptionFailed)
		}
		out[i] = binary.LittleEndian.Uint64(pt[:8])
	}
	return out, nil
}

func elementNonce(nonce domain.Nonce, i int) []byte {
	n := make([]byte, chacha20poly1305.NonceSizeX)
	copy(n, nonce[:])
	binary.BigEndian.PutUint64(n[16:], uint64(i))
	return n
}

// NewNonce draws a fresh random nonce. The top bit is cleared so nonces
// derived from it with NextNonce have room to grow.
func NewNonce() (domain.Nonce, error) {
	var n domain.Nonce
	for n.IsZero() {
		if _, err := io.ReadFull(rand.Reader, n[:]); err != nil {
			return domain.Nonce{}, fmt.Errorf("crypto: generating nonce: %w", err)
		}
		n[15] &= 0x7f
	}
	return n, nil
}

// NextNonce returns a random nonce strictly greater than prev. Output
// nonces chosen this way keep a position's nonce monotonic while staying
// unpredictable.
func NextNonce(prev domain.Nonce) (domain.Nonce, error) {
	var step [8]byte
	if _, err := io.ReadFull(rand.Reader, step[:]); err != nil {
		return domain.Nonce{}, fmt.Errorf("crypto: generating nonce step: %w", err)
	}
	v := prev.Uint()
	v.Add(v, uint256.NewInt(binary.LittleEndian.Uint64(step[:])))
	v.AddUint64(v, 1)
	n, err := domain.NonceFromUint(v)
	if err != nil {
		return domain.Nonce{}, fmt.Errorf("crypto: nonce space exhausted: %w", err)
	}
	return n, nil
}
