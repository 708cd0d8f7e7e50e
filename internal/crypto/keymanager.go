// Package crypto provides key exchange, field encryption, instruction
// signing, callback authentication and key-at-rest protection.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	// saltLen is the random salt length in bytes.
	saltLen = 16
	// aesKeyLen is the derived AES-256 key length.
	aesKeyLen = 32
	// currentVersion is the key file JSON schema version.
	currentVersion = 1
	// KeyLen is the length of every key this package stores.
	KeyLen = 32
)

// KeyKind labels what a key file holds so a signing key is never loaded as
// an exchange key.
type KeyKind string

const (
	KeyKindSigning  KeyKind = "secp256k1"
	KeyKindExchange KeyKind = "x25519"
)

// keyFileJSON is the on-disk format for an encrypted key.
type keyFileJSON struct {
	Version    int     `json:"version"`
	Kind       KeyKind `json:"kind"`
	Salt       string  `json:"salt"`       // base64 standard encoding
	Nonce      string  `json:"nonce"`      // base64 standard encoding
	Ciphertext string  `json:"ciphertext"` // base64 standard encoding
}

// KeyConfig carries the information LoadKey needs to resolve a key.
type KeyConfig struct {
	Kind KeyKind

	// RawKey is the hex-encoded key (with or without 0x prefix). If
	// non-empty, LoadKey returns it directly.
	RawKey string

	// KeyFilePath is the path to a JSON file produced by SealKey.
	KeyFilePath string

	// Password decrypts the file at KeyFilePath.
	Password string
}

// SealKey encrypts a 32-byte key with a password using PBKDF2-HMAC-SHA256
// and AES-256-GCM. The kind is bound to the ciphertext as associated data.
func SealKey(kind KeyKind, key []byte, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	if len(key) != KeyLen {
		return nil, fmt.Errorf("crypto: expected %d-byte key, got %d bytes", KeyLen, len(key))
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	gcm, err := passwordAEAD(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	out := keyFileJSON{
		Version:    currentVersion,
		Kind:       kind,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, key, []byte(kind))),
	}
	return json.MarshalIndent(out, "", "  ")
}

// OpenKey decrypts a key file produced by SealKey.
func OpenKey(kind KeyKind, data []byte, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}

	var stored keyFileJSON
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("crypto: parsing key file: %w", err)
	}
	if stored.Version != currentVersion {
		return nil, fmt.Errorf("crypto: unsupported key file version %d", stored.Version)
	}
	if stored.Kind != kind {
		return nil, fmt.Errorf("crypto: key file holds a %s key, want %s", stored.Kind, kind)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	gcm, err := passwordAEAD(password, salt)
	if err != nil {
		return nil, err
	}
	key, err := gcm.Open(nil, nonce, ciphertext, []byte(kind))
	if err != nil {
		return nil, fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}
	return key, nil
}

func passwordAEAD(password string, salt []byte) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}

// LoadKey resolves a key from the provided configuration.
//
// Resolution order:
//  1. If RawKey is set, decode it.
//  2. If KeyFilePath is set, read the file and decrypt with Password.
//  3. Otherwise, return an error.
func LoadKey(cfg KeyConfig) ([]byte, error) {
	if cfg.RawKey != "" {
		key, err := hex.DecodeString(strings.TrimPrefix(cfg.RawKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("crypto: raw %s key is not valid hex: %w", cfg.Kind, err)
		}
		if len(key) != KeyLen {
			return nil, fmt.Errorf("crypto: raw %s key must be %d bytes", cfg.Kind, KeyLen)
		}
		return key, nil
	}

	if cfg.KeyFilePath != "" {
		data, err := os.ReadFile(cfg.KeyFilePath)
		if err != nil {
			return nil, fmt.Errorf("crypto: reading key file: %w", err)
		}
		return OpenKey(cfg.Kind, data, cfg.Password)
	}

	return nil, fmt.Errorf("crypto: no %s key source configured", cfg.Kind)
}

// LoadKeypair resolves an exchange keypair, generating an ephemeral one when
// no source is configured.
func LoadKeypair(cfg KeyConfig) (Keypair, error) {
	if cfg.RawKey == "" && cfg.KeyFilePath == "" {
		return GenerateKeypair()
	}
	raw, err := LoadKey(cfg)
	if err != nil {
		return Keypair{}, err
	}
	var priv [32]byte
	copy(priv[:], raw)
	return KeypairFromPrivate(priv)
}
