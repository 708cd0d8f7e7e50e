// Package config defines the top-level configuration for the shootperps node
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/shootperps/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SHOOT_* environment variables.
type Config struct {
	Ledger   LedgerConfig   `toml:"ledger"`
	Cluster  ClusterConfig  `toml:"cluster"`
	Client   ClientConfig   `toml:"client"`
	Keys     KeysConfig     `toml:"keys"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Markets  MarketsConfig  `toml:"markets"`
	Demo     DemoConfig     `toml:"demo"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// LedgerConfig tunes the ledger program.
type LedgerConfig struct {
	ChainID int64 `toml:"chain_id"`
	// Store selects the account store: "memory" or "postgres".
	Store               string   `toml:"store"`
	QueueSize           int      `toml:"queue_size"`
	EventBuffer         int      `toml:"event_buffer"`
	ReplayTTL           duration `toml:"replay_ttl"`
	MaxClockSkew        duration `toml:"max_clock_skew"`
	CallbackSecret      string   `toml:"callback_secret"`
	MaintenanceInterval duration `toml:"maintenance_interval"`
}

// ClusterConfig tunes the in-process computation cluster.
type ClusterConfig struct {
	Enabled          bool     `toml:"enabled"`
	Workers          int      `toml:"workers"`
	CeremonyDelay    duration `toml:"ceremony_delay"`
	DeliveryAttempts int      `toml:"delivery_attempts"`
	DeliveryBackoff  duration `toml:"delivery_backoff"`
}

// ClientConfig tunes the caller side: the orchestrator, the cluster key
// cache and, in client mode, the remote ledger endpoint.
type ClientConfig struct {
	LedgerURL        string   `toml:"ledger_url"`
	APIKey           string   `toml:"api_key"`
	AwaitTimeout     duration `toml:"await_timeout"`
	PollInterval     duration `toml:"poll_interval"`
	LockTTL          duration `toml:"lock_ttl"`
	RegisterAttempts int      `toml:"register_attempts"`
	RegisterBackoff  duration `toml:"register_backoff"`
	KeyFetchAttempts int      `toml:"key_fetch_attempts"`
	KeyFetchInterval duration `toml:"key_fetch_interval"`
	KeyCacheTTL      duration `toml:"key_cache_ttl"`
}

// KeysConfig names where each key comes from. Every key may be given raw
// (hex) or as a sealed key file opened with KeyPassword. Missing keys are
// generated per process, which only makes sense for the demo.
type KeysConfig struct {
	AdminKey         string `toml:"admin_key"`
	AdminKeyPath     string `toml:"admin_key_path"`
	AuthorityKey     string `toml:"authority_key"`
	AuthorityKeyPath string `toml:"authority_key_path"`
	TraderKey        string `toml:"trader_key"`
	TraderKeyPath    string `toml:"trader_key_path"`
	// ClusterKey is the X25519 private key of the computation cluster.
	ClusterKey     string `toml:"cluster_key"`
	ClusterKeyPath string `toml:"cluster_key_path"`
	// SessionKey is the client's X25519 private key.
	SessionKey     string `toml:"session_key"`
	SessionKeyPath string `toml:"session_key_path"`
	KeyPassword    string `toml:"key_password"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the event
// archive.
type S3Config struct {
	Enabled         bool     `toml:"enabled"`
	Endpoint        string   `toml:"endpoint"`
	Region          string   `toml:"region"`
	Bucket          string   `toml:"bucket"`
	Prefix          string   `toml:"prefix"`
	AccessKey       string   `toml:"access_key"`
	SecretKey       string   `toml:"secret_key"`
	UseSSL          bool     `toml:"use_ssl"`
	ForcePathStyle  bool     `toml:"force_path_style"`
	ArchiveInterval duration `toml:"archive_interval"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey guards POST /v1/tx. Empty disables authentication.
	APIKey string `toml:"api_key"`
	// RateLimit is requests per RateWindow per client IP; 0 disables it.
	// It needs Redis.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// MarketsConfig is what the admin bootstraps on a fresh ledger.
type MarketsConfig struct {
	Pool   string        `toml:"pool"`
	Assets []AssetConfig `toml:"assets"`
}

// AssetConfig describes one custody. Price and Liquidity are decimal
// strings: USD for the price, whole tokens for the seeded liquidity.
// Leverage, utilization and fees are in basis points; borrow rates use
// the 1e9 rate power.
type AssetConfig struct {
	Symbol    string `toml:"symbol"`
	Decimals  uint8  `toml:"decimals"`
	Stable    bool   `toml:"stable"`
	Price     string `toml:"price"`
	Liquidity string `toml:"liquidity"`

	MaxPriceErrorBps uint64 `toml:"max_price_error_bps"`
	MaxPriceAgeSec   uint32 `toml:"max_price_age_sec"`

	MinInitialLeverage uint64 `toml:"min_initial_leverage"`
	MaxInitialLeverage uint64 `toml:"max_initial_leverage"`
	MaxLeverage        uint64 `toml:"max_leverage"`
	MaxPayoffMult      uint64 `toml:"max_payoff_mult"`
	MaxUtilization     uint64 `toml:"max_utilization"`

	OpenFeeBps            uint64 `toml:"open_fee_bps"`
	CloseFeeBps           uint64 `toml:"close_fee_bps"`
	LiquidationFeeBps     uint64 `toml:"liquidation_fee_bps"`
	ProtocolShareBps      uint64 `toml:"protocol_share_bps"`
	AddLiquidityFeeBps    uint64 `toml:"add_liquidity_fee_bps"`
	RemoveLiquidityFeeBps uint64 `toml:"remove_liquidity_fee_bps"`

	BorrowBaseRate     uint64 `toml:"borrow_base_rate"`
	BorrowSlope1       uint64 `toml:"borrow_slope1"`
	BorrowSlope2       uint64 `toml:"borrow_slope2"`
	OptimalUtilization uint64 `toml:"optimal_utilization"`
}

// NotifyConfig holds alert channel credentials. Events filters which ledger
// event types are forwarded; empty forwards all of them.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Configured reports whether any alert channel is set.
func (n NotifyConfig) Configured() bool {
	return n.DiscordWebhookURL != "" || (n.TelegramToken != "" && n.TelegramChatID != "")
}

// DemoConfig drives the scripted trader of the demo and client modes.
type DemoConfig struct {
	Asset      string `toml:"asset"`
	Collateral string `toml:"collateral"`
	Side       string `toml:"side"`
	// Funds is minted to the trader in demo mode, in collateral tokens.
	Funds     string `toml:"funds"`
	SizeUSD   string `toml:"size_usd"`
	Deposit   string `toml:"deposit"`
	TopUp     string `toml:"top_up"`
	ExitPrice string `toml:"exit_price"`
}

func defaultAsset(symbol string, decimals uint8, stable bool, price, liquidity string) AssetConfig {
	return AssetConfig{
		Symbol:                symbol,
		Decimals:              decimals,
		Stable:                stable,
		Price:                 price,
		Liquidity:             liquidity,
		MaxPriceErrorBps:      100,
		MaxPriceAgeSec:        60,
		MinInitialLeverage:    10_000,
		MaxInitialLeverage:    500_000,
		MaxLeverage:           1_000_000,
		MaxPayoffMult:         10_000,
		MaxUtilization:        9_000,
		OpenFeeBps:            10,
		CloseFeeBps:           10,
		LiquidationFeeBps:     100,
		ProtocolShareBps:      1_000,
		AddLiquidityFeeBps:    0,
		RemoveLiquidityFeeBps: 0,
		BorrowBaseRate:        0,
		BorrowSlope1:          80_000,
		BorrowSlope2:          120_000,
		OptimalUtilization:    800_000_000,
	}
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{
			ChainID:             1337,
			Store:               "memory",
			QueueSize:           1024,
			EventBuffer:         256,
			ReplayTTL:           duration{10 * time.Minute},
			MaxClockSkew:        duration{2 * time.Minute},
			MaintenanceInterval: duration{30 * time.Second},
		},
		Cluster: ClusterConfig{
			Enabled:          true,
			Workers:          4,
			CeremonyDelay:    duration{time.Second},
			DeliveryAttempts: 5,
			DeliveryBackoff:  duration{200 * time.Millisecond},
		},
		Client: ClientConfig{
			LedgerURL:        "http://localhost:8000",
			AwaitTimeout:     duration{30 * time.Second},
			PollInterval:     duration{2 * time.Second},
			LockTTL:          duration{2 * time.Minute},
			RegisterAttempts: 10,
			RegisterBackoff:  duration{time.Second},
			KeyFetchAttempts: 20,
			KeyFetchInterval: duration{3 * time.Second},
			KeyCacheTTL:      duration{10 * time.Minute},
		},
		Postgres: PostgresConfig{
			DSN:           "",
			Host:          "localhost",
			Port:          5432,
			Database:      "shootperps",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Enabled:         false,
			Endpoint:        "http://localhost:9000",
			Region:          "us-east-1",
			Bucket:          "shootperps-events",
			Prefix:          "events",
			UseSSL:          false,
			ForcePathStyle:  true,
			ArchiveInterval: duration{5 * time.Minute},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   0,
			RateWindow:  duration{time.Second},
		},
		Markets: MarketsConfig{
			Pool: "main",
			Assets: []AssetConfig{
				defaultAsset("USDC", 6, true, "1", "1000000"),
				defaultAsset("SOL", 9, false, "100", "10000"),
			},
		},
		Demo: DemoConfig{
			Asset:      "SOL",
			Collateral: "USDC",
			Side:       "long",
			Funds:      "10000",
			SizeUSD:    "1000",
			Deposit:    "100",
			TopUp:      "50",
			ExitPrice:  "110",
		},
		Notify: NotifyConfig{
			Events: []string{"position_liquidated", "computation_failed"},
		},
		Mode:     "node",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"node":    true,
	"cluster": true,
	"client":  true,
	"demo":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validStores = map[string]bool{
	"memory":   true,
	"postgres": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	// Mode
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: node, cluster, client, demo)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Ledger
	if c.Ledger.ChainID <= 0 {
		errs = append(errs, "ledger: chain_id must be positive")
	}
	if !validStores[strings.ToLower(c.Ledger.Store)] {
		errs = append(errs, fmt.Sprintf("ledger: unknown store %q (valid: memory, postgres)", c.Ledger.Store))
	}
	if c.Ledger.QueueSize < 1 {
		errs = append(errs, "ledger: queue_size must be >= 1")
	}
	if c.Ledger.MaintenanceInterval.Duration <= 0 {
		errs = append(errs, "ledger: maintenance_interval must be > 0")
	}
	// A node with an external cluster must share a real secret with it.
	if (mode == "cluster" || mode == "node" && !c.Cluster.Enabled) && c.Ledger.CallbackSecret == "" {
		errs = append(errs, "ledger: callback_secret is required when the cluster runs out of process")
	}

	// Cluster
	if c.Cluster.Enabled && c.Cluster.Workers < 1 {
		errs = append(errs, "cluster: workers must be >= 1")
	}

	// Client
	if c.Client.AwaitTimeout.Duration <= 0 {
		errs = append(errs, "client: await_timeout must be > 0")
	}
	if c.Client.KeyFetchAttempts < 1 {
		errs = append(errs, "client: key_fetch_attempts must be >= 1")
	}
	if (mode == "client" || mode == "cluster") && c.Client.LedgerURL == "" {
		errs = append(errs, fmt.Sprintf("client: ledger_url must be set for %s mode", mode))
	}

	// Keys. A node that is not a demo must have a stable admin.
	if mode == "node" && c.Keys.AdminKey == "" && c.Keys.AdminKeyPath == "" {
		errs = append(errs, "keys: admin_key or admin_key_path must be set for mode node")
	}
	if mode == "cluster" && c.Keys.AuthorityKey == "" && c.Keys.AuthorityKeyPath == "" {
		errs = append(errs, "keys: authority_key or authority_key_path must be set for mode cluster")
	}
	for name, path := range map[string]string{
		"admin_key_path":     c.Keys.AdminKeyPath,
		"authority_key_path": c.Keys.AuthorityKeyPath,
		"trader_key_path":    c.Keys.TraderKeyPath,
		"cluster_key_path":   c.Keys.ClusterKeyPath,
		"session_key_path":   c.Keys.SessionKeyPath,
	} {
		if path != "" && c.Keys.KeyPassword == "" {
			errs = append(errs, "keys: key_password is required when "+name+" is set")
		}
	}

	// Postgres
	if strings.ToLower(c.Ledger.Store) == "postgres" {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.ArchiveInterval.Duration <= 0 {
			errs = append(errs, "s3: archive_interval must be > 0")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && !c.Redis.Enabled {
			errs = append(errs, "server: rate_limit needs redis.enabled")
		}
	}

	errs = append(errs, c.Markets.validate()...)
	if mode != "node" {
		errs = append(errs, c.Demo.validate(&c.Markets)...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Asset returns the asset named symbol.
func (m *MarketsConfig) Asset(symbol string) (AssetConfig, bool) {
	for _, a := range m.Assets {
		if strings.EqualFold(a.Symbol, symbol) {
			return a, true
		}
	}
	return AssetConfig{}, false
}

func (m *MarketsConfig) validate() []string {
	var errs []string
	if err := domain.ValidatePoolName(m.Pool); err != nil {
		errs = append(errs, "markets: pool: "+err.Error())
	}
	if len(m.Assets) == 0 {
		errs = append(errs, "markets: at least one asset is required")
	}
	if len(m.Assets) > domain.MaxCustodies {
		errs = append(errs, fmt.Sprintf("markets: at most %d assets per pool", domain.MaxCustodies))
	}
	seen := make(map[string]bool, len(m.Assets))
	for _, a := range m.Assets {
		sym := strings.ToUpper(a.Symbol)
		if sym == "" {
			errs = append(errs, "markets: asset symbol must not be empty")
			continue
		}
		if seen[sym] {
			errs = append(errs, "markets: duplicate asset "+sym)
		}
		seen[sym] = true
		if a.Decimals > domain.MaxTokenDecimals {
			errs = append(errs, fmt.Sprintf("markets: %s decimals %d above %d", sym, a.Decimals, domain.MaxTokenDecimals))
		}
		if _, err := domain.ParseUSD(a.Price); err != nil {
			errs = append(errs, fmt.Sprintf("markets: %s price: %v", sym, err))
		}
		if a.Liquidity != "" {
			if _, err := domain.ParseAmount(a.Liquidity, a.Decimals); err != nil {
				errs = append(errs, fmt.Sprintf("markets: %s liquidity: %v", sym, err))
			}
		}
		if err := a.Pricing().Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("markets: %s pricing: %v", sym, err))
		}
		if err := a.Fees().Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("markets: %s fees: %v", sym, err))
		}
	}
	return errs
}

func (d *DemoConfig) validate(m *MarketsConfig) []string {
	var errs []string
	if _, ok := m.Asset(d.Asset); !ok {
		errs = append(errs, fmt.Sprintf("demo: asset %q is not a configured market", d.Asset))
	}
	collateral, ok := m.Asset(d.Collateral)
	if !ok {
		errs = append(errs, fmt.Sprintf("demo: collateral %q is not a configured market", d.Collateral))
	}
	if _, err := domain.ParseSide(d.Side); err != nil {
		errs = append(errs, "demo: "+err.Error())
	}
	for name, v := range map[string]string{"size_usd": d.SizeUSD, "exit_price": d.ExitPrice} {
		if _, err := domain.ParseUSD(v); err != nil {
			errs = append(errs, fmt.Sprintf("demo: %s: %v", name, err))
		}
	}
	if ok {
		for name, v := range map[string]string{"funds": d.Funds, "deposit": d.Deposit, "top_up": d.TopUp} {
			if _, err := domain.ParseAmount(v, collateral.Decimals); err != nil {
				errs = append(errs, fmt.Sprintf("demo: %s: %v", name, err))
			}
		}
	}
	return errs
}

// Oracle returns the custom oracle parameters of the asset. The account is
// filled in by the ledger.
func (a AssetConfig) Oracle() domain.OracleParams {
	return domain.OracleParams{
		Type:           domain.OracleCustom,
		MaxPriceError:  a.MaxPriceErrorBps,
		MaxPriceAgeSec: a.MaxPriceAgeSec,
	}
}

// Pricing returns the leverage and utilization bounds of the asset.
func (a AssetConfig) Pricing() domain.PricingParams {
	return domain.PricingParams{
		MinInitialLeverage: a.MinInitialLeverage,
		MaxInitialLeverage: a.MaxInitialLeverage,
		MaxLeverage:        a.MaxLeverage,
		MaxPayoffMult:      a.MaxPayoffMult,
		MaxUtilization:     a.MaxUtilization,
	}
}

// Fees returns the fee schedule of the asset.
func (a AssetConfig) Fees() domain.Fees {
	return domain.Fees{
		OpenPosition:    a.OpenFeeBps,
		ClosePosition:   a.CloseFeeBps,
		Liquidation:     a.LiquidationFeeBps,
		ProtocolShare:   a.ProtocolShareBps,
		AddLiquidity:    a.AddLiquidityFeeBps,
		RemoveLiquidity: a.RemoveLiquidityFeeBps,
	}
}

// BorrowRate returns the borrow curve of the asset.
func (a AssetConfig) BorrowRate() domain.BorrowRateParams {
	return domain.BorrowRateParams{
		BaseRate:           a.BorrowBaseRate,
		Slope1:             a.BorrowSlope1,
		Slope2:             a.BorrowSlope2,
		OptimalUtilization: a.OptimalUtilization,
	}
}
