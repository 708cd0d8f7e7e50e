package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidateForDemo(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "demo"
	require.NoError(t, cfg.Validate())
}

func TestNodeModeNeedsAdminKey(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admin_key")

	cfg.Keys.AdminKey = "0x" + "11223344556677881122334455667788112233445566778811223344556677aa"
	require.NoError(t, cfg.Validate())
}

func TestClusterModeNeedsNodeAndAuthority(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "cluster"
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"authority_key", "callback_secret"} {
		assert.Contains(t, err.Error(), want)
	}

	cfg.Client.LedgerURL = ""
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger_url")

	cfg.Client.LedgerURL = "http://node:8080"
	cfg.Keys.AuthorityKey = "0x" + "11223344556677881122334455667788112233445566778811223344556677aa"
	cfg.Ledger.CallbackSecret = "shared"
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.LogLevel = "loud"
	cfg.Ledger.Store = "sqlite"
	cfg.Markets.Assets[1].Price = "abc"
	cfg.Markets.Assets[1].MaxInitialLeverage = 5_000

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"unknown mode", "log_level", "unknown store", "SOL price", "SOL pricing"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateDuplicateAssets(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "demo"
	cfg.Markets.Assets = append(cfg.Markets.Assets, defaultAsset("sol", 9, false, "1", ""))
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate asset SOL")
}

func TestValidateCapsDecimals(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "demo"
	cfg.Markets.Assets = append(cfg.Markets.Assets, defaultAsset("ETH", 18, false, "2500", ""))
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ETH decimals 18")
}

func TestValidateKeyFileNeedsPassword(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "demo"
	cfg.Keys.TraderKeyPath = "/etc/shootperps/trader.json"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trader_key_path")
}

func TestRateLimitNeedsRedis(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "demo"
	cfg.Server.RateLimit = 10
	require.Error(t, cfg.Validate())
	cfg.Redis.Enabled = true
	require.NoError(t, cfg.Validate())
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shoot.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "demo"

[ledger]
chain_id = 42
replay_ttl = "90s"

[markets]
pool = "alt"

[[markets.assets]]
symbol = "USDC"
decimals = 6
stable = true
price = "1"
min_initial_leverage = 10000
max_initial_leverage = 100000
max_leverage = 200000
max_utilization = 9000

[[markets.assets]]
symbol = "ETH"
decimals = 8
price = "2500.5"
liquidity = "100"
min_initial_leverage = 10000
max_initial_leverage = 100000
max_leverage = 200000
max_utilization = 9000

[demo]
asset = "ETH"
`), 0o600))

	t.Setenv("SHOOT_LEDGER_CALLBACK_SECRET", "from-env")
	t.Setenv("SHOOT_CLIENT_AWAIT_TIMEOUT", "45s")
	t.Setenv("SHOOT_SERVER_CORS_ORIGINS", " https://a.example , ,https://b.example")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, int64(42), cfg.Ledger.ChainID)
	assert.Equal(t, 90*time.Second, cfg.Ledger.ReplayTTL.Duration)
	assert.Equal(t, "from-env", cfg.Ledger.CallbackSecret)
	assert.Equal(t, 45*time.Second, cfg.Client.AwaitTimeout.Duration)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	require.Len(t, cfg.Markets.Assets, 2)
	eth, ok := cfg.Markets.Asset("eth")
	require.True(t, ok)
	assert.Equal(t, uint8(8), eth.Decimals)
	assert.Equal(t, uint64(200_000), eth.Pricing().MaxLeverage)
	// Fields absent from the file keep their defaults.
	assert.Equal(t, "memory", cfg.Ledger.Store)
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("SHOOT_MODE", "demo")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "demo", cfg.Mode)
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Keys.AdminKey = "deadbeef"
	cfg.Keys.AdminKeyPath = "/keys/admin.json"
	cfg.Ledger.CallbackSecret = "s3cret"
	cfg.Postgres.Password = "pw"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Keys.AdminKey)
	assert.Equal(t, "/keys/admin.json", out.Keys.AdminKeyPath)
	assert.Equal(t, "***", out.Ledger.CallbackSecret)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Empty(t, out.Keys.TraderKey)

	out.Server.CORSOrigins[0] = "mutated"
	out.Markets.Assets[0].Symbol = "mutated"
	assert.NotEqual(t, "mutated", cfg.Server.CORSOrigins[0])
	assert.Equal(t, "USDC", cfg.Markets.Assets[0].Symbol)
	assert.Equal(t, "deadbeef", cfg.Keys.AdminKey)
}
