package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/alanyoungcy/shootperps/internal/domain"
)

// CallbackAuth authenticates cluster callbacks to the ledger with a shared
// secret. The signature is HMAC-SHA256(secret, payload) encoded as base64.
type CallbackAuth struct {
	Secret []byte
}

// NewCallbackAuth returns an authenticator for secret.
func NewCallbackAuth(secret string) *CallbackAuth {
	return &CallbackAuth{Secret: []byte(secret)}
}

// Sign wraps payload with its signature.
func (h *CallbackAuth) Sign(payload []byte) domain.SignedCallback {
	return domain.SignedCallback{
		Payload:   payload,
		Signature: hmacSHA256Base64(h.Secret, payload),
	}
}

// Verify checks the signature in constant time.
func (h *CallbackAuth) Verify(cb domain.SignedCallback) error {
	want, err := base64.StdEncoding.DecodeString(cb.Signature)
	if err != nil {
		return fmt.Errorf("crypto/hmac: %w: %v", domain.ErrInvalidSignature, err)
	}
	mac := hmac.New(sha256.New, h.Secret)
	mac.Write(cb.Payload)
	if !hmac.Equal(mac.Sum(nil), want) {
		return fmt.Errorf("crypto/hmac: %w: callback signature mismatch", domain.ErrInvalidSignature)
	}
	return nil
}

// hmacSHA256Base64 computes HMAC-SHA256 of message using key and returns the
// result as a base64 standard-encoded string.
func hmacSHA256Base64(key, message []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *CallbackAuth) String() string {
	s := string(h.Secret)
	if len(s) <= 4 {
		return "CallbackAuth{secret=****}"
	}
	return fmt.Sprintf("CallbackAuth{secret=%s****}", s[:4])
}
