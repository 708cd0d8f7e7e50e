package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies SHOOT_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known SHOOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "SHOOT_MODE")
	setStr(&cfg.LogLevel, "SHOOT_LOG_LEVEL")

	// ── Ledger ──
	setInt64(&cfg.Ledger.ChainID, "SHOOT_LEDGER_CHAIN_ID")
	setStr(&cfg.Ledger.Store, "SHOOT_LEDGER_STORE")
	setInt(&cfg.Ledger.QueueSize, "SHOOT_LEDGER_QUEUE_SIZE")
	setInt(&cfg.Ledger.EventBuffer, "SHOOT_LEDGER_EVENT_BUFFER")
	setDuration(&cfg.Ledger.ReplayTTL, "SHOOT_LEDGER_REPLAY_TTL")
	setDuration(&cfg.Ledger.MaxClockSkew, "SHOOT_LEDGER_MAX_CLOCK_SKEW")
	setStr(&cfg.Ledger.CallbackSecret, "SHOOT_LEDGER_CALLBACK_SECRET")
	setDuration(&cfg.Ledger.MaintenanceInterval, "SHOOT_LEDGER_MAINTENANCE_INTERVAL")

	// ── Cluster ──
	setBool(&cfg.Cluster.Enabled, "SHOOT_CLUSTER_ENABLED")
	setInt(&cfg.Cluster.Workers, "SHOOT_CLUSTER_WORKERS")
	setDuration(&cfg.Cluster.CeremonyDelay, "SHOOT_CLUSTER_CEREMONY_DELAY")
	setInt(&cfg.Cluster.DeliveryAttempts, "SHOOT_CLUSTER_DELIVERY_ATTEMPTS")
	setDuration(&cfg.Cluster.DeliveryBackoff, "SHOOT_CLUSTER_DELIVERY_BACKOFF")

	// ── Client ──
	setStr(&cfg.Client.LedgerURL, "SHOOT_CLIENT_LEDGER_URL")
	setStr(&cfg.Client.APIKey, "SHOOT_CLIENT_API_KEY")
	setDuration(&cfg.Client.AwaitTimeout, "SHOOT_CLIENT_AWAIT_TIMEOUT")
	setDuration(&cfg.Client.PollInterval, "SHOOT_CLIENT_POLL_INTERVAL")
	setDuration(&cfg.Client.LockTTL, "SHOOT_CLIENT_LOCK_TTL")
	setInt(&cfg.Client.RegisterAttempts, "SHOOT_CLIENT_REGISTER_ATTEMPTS")
	setDuration(&cfg.Client.RegisterBackoff, "SHOOT_CLIENT_REGISTER_BACKOFF")
	setInt(&cfg.Client.KeyFetchAttempts, "SHOOT_CLIENT_KEY_FETCH_ATTEMPTS")
	setDuration(&cfg.Client.KeyFetchInterval, "SHOOT_CLIENT_KEY_FETCH_INTERVAL")
	setDuration(&cfg.Client.KeyCacheTTL, "SHOOT_CLIENT_KEY_CACHE_TTL")

	// ── Keys ──
	setStr(&cfg.Keys.AdminKey, "SHOOT_KEYS_ADMIN_KEY")
	setStr(&cfg.Keys.AdminKeyPath, "SHOOT_KEYS_ADMIN_KEY_PATH")
	setStr(&cfg.Keys.AuthorityKey, "SHOOT_KEYS_AUTHORITY_KEY")
	setStr(&cfg.Keys.AuthorityKeyPath, "SHOOT_KEYS_AUTHORITY_KEY_PATH")
	setStr(&cfg.Keys.TraderKey, "SHOOT_KEYS_TRADER_KEY")
	setStr(&cfg.Keys.TraderKeyPath, "SHOOT_KEYS_TRADER_KEY_PATH")
	setStr(&cfg.Keys.ClusterKey, "SHOOT_KEYS_CLUSTER_KEY")
	setStr(&cfg.Keys.ClusterKeyPath, "SHOOT_KEYS_CLUSTER_KEY_PATH")
	setStr(&cfg.Keys.SessionKey, "SHOOT_KEYS_SESSION_KEY")
	setStr(&cfg.Keys.SessionKeyPath, "SHOOT_KEYS_SESSION_KEY_PATH")
	setStr(&cfg.Keys.KeyPassword, "SHOOT_KEYS_KEY_PASSWORD")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "SHOOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "SHOOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SHOOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SHOOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SHOOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SHOOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SHOOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "SHOOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "SHOOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "SHOOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "SHOOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "SHOOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SHOOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SHOOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "SHOOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "SHOOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "SHOOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "SHOOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "SHOOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SHOOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "SHOOT_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "SHOOT_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "SHOOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SHOOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "SHOOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "SHOOT_S3_FORCE_PATH_STYLE")
	setDuration(&cfg.S3.ArchiveInterval, "SHOOT_S3_ARCHIVE_INTERVAL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "SHOOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SHOOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "SHOOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "SHOOT_NOTIFY_EVENTS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SHOOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SHOOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SHOOT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SHOOT_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "SHOOT_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "SHOOT_SERVER_RATE_WINDOW")

	// ── Markets / demo ──
	setStr(&cfg.Markets.Pool, "SHOOT_MARKETS_POOL")
	setStr(&cfg.Demo.Asset, "SHOOT_DEMO_ASSET")
	setStr(&cfg.Demo.Collateral, "SHOOT_DEMO_COLLATERAL")
	setStr(&cfg.Demo.Side, "SHOOT_DEMO_SIDE")
	setStr(&cfg.Demo.SizeUSD, "SHOOT_DEMO_SIZE_USD")
	setStr(&cfg.Demo.Deposit, "SHOOT_DEMO_DEPOSIT")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
