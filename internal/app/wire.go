package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/shootperps/internal/blob/s3"
	"github.com/alanyoungcy/shootperps/internal/cache/redis"
	"github.com/alanyoungcy/shootperps/internal/config"
	"github.com/alanyoungcy/shootperps/internal/domain"
	"github.com/alanyoungcy/shootperps/internal/ledger/memstore"
	"github.com/alanyoungcy/shootperps/internal/server/handler"
	"github.com/alanyoungcy/shootperps/internal/store/postgres"
)

// Dependencies bundles the infrastructure the modes run on. Optional
// members are nil when their backend is disabled; they are interface-typed
// so a disabled backend is a true nil.
type Dependencies struct {
	// Store is the ledger account store. Nil in modes without a local
	// ledger.
	Store domain.LedgerStore

	// Redis
	KeyCache    domain.KeyCache
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus
	// Bus is the concrete bus, needed for stream relaying.
	Bus *redis.SignalBus

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader

	// Checks feed the health endpoint.
	Checks map[string]handler.Check
}

// needsLedger reports whether mode hosts the ledger program in process.
func needsLedger(mode string) bool {
	switch mode {
	case "node", "demo":
		return true
	default:
		return false
	}
}

// Wire constructs the configured backends and returns them together with a
// cleanup function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	mode := strings.ToLower(cfg.Mode)
	deps := &Dependencies{Checks: make(map[string]handler.Check)}

	// --- Ledger store ---
	if needsLedger(mode) {
		switch strings.ToLower(cfg.Ledger.Store) {
		case "postgres":
			pgClient, err := postgres.New(ctx, postgres.ClientConfig{
				DSN:      cfg.Postgres.DSN,
				Host:     cfg.Postgres.Host,
				Port:     cfg.Postgres.Port,
				Database: cfg.Postgres.Database,
				User:     cfg.Postgres.User,
				Password: cfg.Postgres.Password,
				SSLMode:  cfg.Postgres.SSLMode,
				MaxConns: cfg.Postgres.PoolMaxConns,
				MinConns: cfg.Postgres.PoolMinConns,
			})
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres: %w", err)
			}
			closers = append(closers, pgClient.Close)

			if cfg.Postgres.RunMigrations {
				if err := pgClient.RunMigrations(ctx); err != nil {
					cleanup()
					return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
				}
			}
			deps.Store = postgres.NewLedgerStore(pgClient.Pool())
			deps.Checks["postgres"] = pgClient.Ping
		default:
			deps.Store = memstore.New()
			logger.WarnContext(ctx, "ledger state is in memory and lost on restart")
		}
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		bus := redis.NewSignalBus(redisClient)
		deps.Bus = bus
		deps.SignalBus = bus
		deps.KeyCache = redis.NewKeyCache(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.Checks["redis"] = redisClient.Ping
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled && needsLedger(mode) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Checks["s3"] = s3Client.Health
	}

	return deps, cleanup, nil
}
