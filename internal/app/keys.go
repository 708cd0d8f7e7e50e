package app

import (
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/shootperps/internal/config"
	"github.com/alanyoungcy/shootperps/internal/crypto"
)

// keySource names one configured key.
type keySource struct {
	name string
	raw  string
	path string
}

func (a *App) keySources() (admin, authority, trader, cluster, session keySource) {
	k := a.cfg.Keys
	return keySource{"admin", k.AdminKey, k.AdminKeyPath},
		keySource{"authority", k.AuthorityKey, k.AuthorityKeyPath},
		keySource{"trader", k.TraderKey, k.TraderKeyPath},
		keySource{"cluster", k.ClusterKey, k.ClusterKeyPath},
		keySource{"session", k.SessionKey, k.SessionKeyPath}
}

func (ks keySource) configured() bool { return ks.raw != "" || ks.path != "" }

func (ks keySource) keyConfig(kind crypto.KeyKind, keys config.KeysConfig) crypto.KeyConfig {
	return crypto.KeyConfig{Kind: kind, RawKey: ks.raw, KeyFilePath: ks.path, Password: keys.KeyPassword}
}

// signer loads a signing key. With ephemeral set a missing key is
// generated, which only suits the demo and tests.
func (a *App) signer(ks keySource, ephemeral bool) (*crypto.Signer, error) {
	chainID := a.cfg.Ledger.ChainID
	if !ks.configured() {
		if !ephemeral {
			return nil, fmt.Errorf("app: %s key is not configured", ks.name)
		}
		s, err := crypto.GenerateSigner(chainID)
		if err != nil {
			return nil, fmt.Errorf("app: generate %s key: %w", ks.name, err)
		}
		a.logger.Warn("using ephemeral key",
			slog.String("key", ks.name),
			slog.String("identity", s.Identity().String()),
		)
		return s, nil
	}
	raw, err := crypto.LoadKey(ks.keyConfig(crypto.KeyKindSigning, a.cfg.Keys))
	if err != nil {
		return nil, fmt.Errorf("app: load %s key: %w", ks.name, err)
	}
	s, err := crypto.NewSigner(hex.EncodeToString(raw), chainID)
	if err != nil {
		return nil, fmt.Errorf("app: %s key: %w", ks.name, err)
	}
	return s, nil
}

// keypair loads an exchange keypair, generating one when unset.
func (a *App) keypair(ks keySource) (crypto.Keypair, error) {
	kp, err := crypto.LoadKeypair(ks.keyConfig(crypto.KeyKindExchange, a.cfg.Keys))
	if err != nil {
		return crypto.Keypair{}, fmt.Errorf("app: load %s key: %w", ks.name, err)
	}
	return kp, nil
}
