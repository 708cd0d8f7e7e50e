package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/shootperps/internal/domain"
)

func TestSignerRecover(t *testing.T) {
	s, err := GenerateSigner(7)
	require.NoError(t, err)

	payload := []byte("open_position")
	sig, err := s.SignPayload(payload)
	require.NoError(t, err)
	require.Len(t, sig, SignatureLen)

	id, err := NewVerifier(7).Recover(payload, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Identity(), id)

	other, err := NewVerifier(8).Recover(payload, sig)
	if err == nil {
		assert.NotEqual(t, s.Identity(), other, "chain id is part of the digest")
	}

	tampered, err := NewVerifier(7).Recover([]byte("close_position"), sig)
	if err == nil {
		assert.NotEqual(t, s.Identity(), tampered)
	}

	_, err = NewVerifier(7).Recover(payload, sig[:64])
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestSignerFromHex(t *testing.T) {
	s, err := GenerateSigner(1)
	require.NoError(t, err)
	again, err := NewSigner("0x"+s.PrivateKeyHex(), 1)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), again.Address())
}

func TestCallbackAuth(t *testing.T) {
	auth := NewCallbackAuth("cluster-secret")
	cb := auth.Sign([]byte(`{"offset":1}`))
	require.NoError(t, auth.Verify(cb))

	cb.Payload = []byte(`{"offset":2}`)
	assert.ErrorIs(t, auth.Verify(cb), domain.ErrInvalidSignature)

	other := NewCallbackAuth("other-secret").Sign([]byte(`{"offset":1}`))
	assert.ErrorIs(t, auth.Verify(other), domain.ErrInvalidSignature)
	assert.NotContains(t, auth.String(), "cluster-secret")
}

func TestSealOpenKey(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	data, err := SealKey(KeyKindExchange, kp.Private[:], "hunter2")
	require.NoError(t, err)

	_, err = OpenKey(KeyKindExchange, data, "wrong")
	assert.Error(t, err)
	_, err = OpenKey(KeyKindSigning, data, "hunter2")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "mxe.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	loaded, err := LoadKeypair(KeyConfig{Kind: KeyKindExchange, KeyFilePath: path, Password: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, kp.Public, loaded.Public)
}
