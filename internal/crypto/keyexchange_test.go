package crypto

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/shootperps/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSharedSecretAgreement(t *testing.T) {
	client, err := GenerateKeypair()
	require.NoError(t, err)
	cluster, err := GenerateKeypair()
	require.NoError(t, err)

	s1, err := DeriveSharedSecret(client.Private, cluster.Public)
	require.NoError(t, err)
	s2, err := DeriveSharedSecret(cluster.Private, client.Public)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)

	again, err := DeriveSharedSecret(client.Private, cluster.Public)
	require.NoError(t, err)
	assert.Equal(t, s1, again, "derivation is deterministic")
}

func TestSharedSecretRejectsBadPeer(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	_, err = DeriveSharedSecret(kp.Private, domain.X25519Key{})
	assert.ErrorIs(t, err, domain.ErrKeyUnavailable)

	// The point of order one yields an all-zero shared value.
	var lowOrder domain.X25519Key
	lowOrder[0] = 1
	_, err = DeriveSharedSecret(kp.Private, lowOrder)
	assert.Error(t, err)
}

func TestKeypairFromPrivate(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)
	again, err := KeypairFromPrivate(kp.Private)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, again.Public)
}

func TestPositionStateSecretSeparatesPositions(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)
	state, err := DeriveStateSecret(kp.Private)
	require.NoError(t, err)

	a, b := domain.Pubkey{1}, domain.Pubkey{2}
	ka, err := PositionStateSecret(state, a)
	require.NoError(t, err)
	kb, err := PositionStateSecret(state, b)
	require.NoError(t, err)
	again, err := PositionStateSecret(state, a)
	require.NoError(t, err)
	assert.Equal(t, ka, again)
	assert.NotEqual(t, ka, kb)
	assert.NotEqual(t, state, ka)

	_, err = PositionStateSecret(state, domain.Pubkey{})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	// The same nonce on two positions must not share a keystream.
	nonce, err := NewNonce()
	require.NoError(t, err)
	secretVals := []uint64{1_000_000_000, 1}
	knownVals := []uint64{5, 0}
	ca, err := Encrypt(ka, nonce, secretVals)
	require.NoError(t, err)
	cb, err := Encrypt(kb, nonce, knownVals)
	require.NoError(t, err)
	for i := range ca {
		var recovered [8]byte
		for j := range recovered {
			recovered[j] = ca[i][j] ^ cb[i][j]
		}
		var known [8]byte
		binary.LittleEndian.PutUint64(known[:], knownVals[i])
		for j := range recovered {
			recovered[j] ^= known[j]
		}
		assert.NotEqual(t, secretVals[i], binary.LittleEndian.Uint64(recovered[:]))
	}
	_, err = Decrypt(kb, nonce, ca)
	assert.ErrorIs(t, err, domain.ErrDecryptionFailed)
}

type fakeKeySource struct {
	mu        sync.Mutex
	key       domain.X25519Key
	availAt   int
	calls     int
	permanent error
}

func (f *fakeKeySource) ClusterKey(context.Context) (domain.X25519Key, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.permanent != nil {
		return domain.X25519Key{}, f.permanent
	}
	if f.calls < f.availAt {
		return domain.X25519Key{}, domain.ErrKeyUnavailable
	}
	return f.key, nil
}

func (f *fakeKeySource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestClusterKeyCacheRetriesUntilPublished(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)
	src := &fakeKeySource{key: kp.Public, availAt: 3}
	cache := NewClusterKeyCache(src, nil, KeyCacheConfig{Attempts: 5, Interval: time.Millisecond}, discardLogger())

	assert.False(t, cache.Peek().OK())

	key, err := cache.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, kp.Public, key)
	assert.Equal(t, 3, src.callCount())

	_, err = cache.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, src.callCount(), "resolved key is cached")
	assert.True(t, cache.Peek().OK())
}

func TestClusterKeyCacheExhaustion(t *testing.T) {
	src := &fakeKeySource{availAt: 1000}
	cache := NewClusterKeyCache(src, nil, KeyCacheConfig{Attempts: 4, Interval: time.Millisecond}, discardLogger())

	_, err := cache.Resolve(context.Background())
	require.ErrorIs(t, err, domain.ErrKeyFetchTimeout)
	assert.Equal(t, 4, src.callCount())

	reason := cache.Peek().Reason()
	assert.ErrorIs(t, reason, domain.ErrKeyUnavailable)
}

func TestClusterKeyCacheHonoursContext(t *testing.T) {
	src := &fakeKeySource{availAt: 1000}
	cache := NewClusterKeyCache(src, nil, KeyCacheConfig{Attempts: 100, Interval: time.Hour}, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := cache.Resolve(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

type memKeyCache struct {
	key         domain.X25519Key
	sets        atomic.Int32
	invalidated atomic.Int32
}

func (m *memKeyCache) GetClusterKey(context.Context) (domain.X25519Key, error) {
	if m.key.IsZero() {
		return domain.X25519Key{}, domain.ErrNotFound
	}
	return m.key, nil
}

func (m *memKeyCache) SetClusterKey(_ context.Context, key domain.X25519Key, _ time.Duration) error {
	m.key = key
	m.sets.Add(1)
	return nil
}

func (m *memKeyCache) InvalidateClusterKey(context.Context) error {
	m.key = domain.X25519Key{}
	m.invalidated.Add(1)
	return nil
}

func TestClusterKeyCacheSharedTier(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)
	src := &fakeKeySource{key: kp.Public}
	shared := &memKeyCache{}

	first := NewClusterKeyCache(src, shared, KeyCacheConfig{Attempts: 1}, discardLogger())
	_, err = first.Resolve(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, shared.sets.Load())

	second := NewClusterKeyCache(src, shared, KeyCacheConfig{Attempts: 1}, discardLogger())
	key, err := second.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, kp.Public, key)
	assert.Equal(t, 1, src.callCount(), "second process reads the shared tier")

	second.Invalidate(context.Background())
	assert.False(t, second.Peek().OK())
	assert.EqualValues(t, 1, shared.invalidated.Load())
}

func TestSessionRekeyIsAtomic(t *testing.T) {
	clusterA, err := GenerateKeypair()
	require.NoError(t, err)
	clusterB, err := GenerateKeypair()
	require.NoError(t, err)
	client, err := GenerateKeypair()
	require.NoError(t, err)

	src := &fakeKeySource{key: clusterA.Public}
	sess := NewSession(client, NewClusterKeyCache(src, nil, KeyCacheConfig{Attempts: 1}, discardLogger()))

	_, err = sess.Encrypt([]uint64{1})
	require.ErrorIs(t, err, domain.ErrKeyUnavailable)

	require.NoError(t, sess.Establish(context.Background()))

	secretA, err := DeriveSharedSecret(clusterA.Private, client.Public)
	require.NoError(t, err)
	secretB, err := DeriveSharedSecret(clusterB.Private, client.Public)
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	var bad atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				in, err := sess.Encrypt([]uint64{99})
				if err != nil {
					bad.Add(1)
					return
				}
				// Every ciphertext must open under exactly one of the secrets.
				_, errA := Decrypt(secretA, in.Nonce, in.Values)
				_, errB := Decrypt(secretB, in.Nonce, in.Values)
				if (errA == nil) == (errB == nil) {
					bad.Add(1)
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		if i%2 == 0 {
			require.NoError(t, sess.Rekey(clusterB.Public))
		} else {
			require.NoError(t, sess.Rekey(clusterA.Public))
		}
	}
	close(stop)
	wg.Wait()
	assert.Zero(t, bad.Load())
}
