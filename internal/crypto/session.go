package crypto

import (
	"context"
	"fmt"
	"sync"

	"github.com/alanyoungcy/shootperps/internal/domain"
)

// Session is a client's encryption context: its ephemeral keypair, the
// cluster key it exchanged with, and the derived secret. Rekey swaps all
// three under the write lock, so Encrypt and Decrypt always see a
// consistent snapshot.
type Session struct {
	cache *ClusterKeyCache

	mu         sync.RWMutex
	keys       Keypair
	clusterKey domain.X25519Key
	secret     [32]byte
	ready      bool
}

// NewSession creates a session for keys. Call Establish before encrypting.
func NewSession(keys Keypair, cache *ClusterKeyCache) *Session {
	return &Session{keys: keys, cache: cache}
}

// Establish resolves the cluster key and derives the shared secret.
func (s *Session) Establish(ctx context.Context) error {
	key, err := s.cache.Resolve(ctx)
	if err != nil {
		return err
	}
	return s.Rekey(key)
}

// Rekey derives a fresh secret for clusterKey. It is a no-op if the key is
// unchanged.
func (s *Session) Rekey(clusterKey domain.X25519Key) error {
	s.mu.RLock()
	same := s.ready && s.clusterKey == clusterKey
	priv := s.keys.Private
	s.mu.RUnlock()
	if same {
		return nil
	}

	secret, err := DeriveSharedSecret(priv, clusterKey)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.clusterKey = clusterKey
	s.secret = secret
	s.ready = true
	s.mu.Unlock()
	return nil
}

// Refresh invalidates the cached cluster key and establishes again. Use it
// after the cluster announces a key rotation.
func (s *Session) Refresh(ctx context.Context) error {
	s.cache.Invalidate(ctx)
	return s.Establish(ctx)
}

// PublicKey is the client key the cluster needs to derive the same secret.
func (s *Session) PublicKey() domain.X25519Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys.Public
}

// ClusterKey returns the key the session is currently bound to.
func (s *Session) ClusterKey() domain.Resolution[domain.X25519Key] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return domain.Unavailable[domain.X25519Key](domain.ErrKeyUnavailable)
	}
	return domain.Resolved(s.clusterKey)
}

// Encrypt seals values under a fresh nonce.
func (s *Session) Encrypt(values []uint64) (domain.EncryptedInput, error) {
	nonce, err := NewNonce()
	if err != nil {
		return domain.EncryptedInput{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return domain.EncryptedInput{}, fmt.Errorf("crypto: session not established: %w", domain.ErrKeyUnavailable)
	}
	cts, err := Encrypt(s.secret, nonce, values)
	if err != nil {
		return domain.EncryptedInput{}, err
	}
	return domain.EncryptedInput{PublicKey: s.keys.Public, Nonce: nonce, Values: cts}, nil
}

// Decrypt opens values sealed for this session.
func (s *Session) Decrypt(nonce domain.Nonce, cts []domain.Ciphertext) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return nil, fmt.Errorf("crypto: session not established: %w", domain.ErrKeyUnavailable)
	}
	return Decrypt(s.secret, nonce, cts)
}
