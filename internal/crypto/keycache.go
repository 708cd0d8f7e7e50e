package crypto

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/shootperps/internal/domain"
)

// KeySource reads the cluster public key from its well-known ledger
// account. It returns domain.ErrKeyUnavailable while the account is absent.
type KeySource interface {
	ClusterKey(ctx context.Context) (domain.X25519Key, error)
}

// KeyCacheConfig bounds the fetch retry loop.
type KeyCacheConfig struct {
	Attempts  int
	Interval  time.Duration
	SharedTTL time.Duration
}

// DefaultKeyCacheConfig waits roughly a minute for the cluster ceremony.
func DefaultKeyCacheConfig() KeyCacheConfig {
	return KeyCacheConfig{Attempts: 20, Interval: 3 * time.Second, SharedTTL: 10 * time.Minute}
}

// ClusterKeyCache is the process-scoped copy of the cluster public key. It
// is filled by Resolve, read concurrently through Peek, and cleared by
// Invalidate when the cluster rotates its key.
type ClusterKeyCache struct {
	src    KeySource
	shared domain.KeyCache
	cfg    KeyCacheConfig
	logger *slog.Logger

	mu  sync.RWMutex
	key domain.X25519Key
	ok  bool
}

// NewClusterKeyCache builds a cache over src. shared may be nil.
func NewClusterKeyCache(src KeySource, shared domain.KeyCache, cfg KeyCacheConfig, logger *slog.Logger) *ClusterKeyCache {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	return &ClusterKeyCache{
		src:    src,
		shared: shared,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "cluster_key_cache")),
	}
}

// Peek returns the cached key without fetching.
func (c *ClusterKeyCache) Peek() domain.Resolution[domain.X25519Key] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.ok {
		return domain.Unavailable[domain.X25519Key](domain.ErrKeyUnavailable)
	}
	return domain.Resolved(c.key)
}

// Resolve returns the cached key or fetches it, retrying up to the
// configured attempts while the key is unavailable. Exhaustion yields
// domain.ErrKeyFetchTimeout.
func (c *ClusterKeyCache) Resolve(ctx context.Context) (domain.X25519Key, error) {
	if key, err := c.Peek().Get(); err == nil {
		return key, nil
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.Attempts; attempt++ {
		key, err := c.fetch(ctx)
		if err == nil {
			c.store(key)
			if attempt > 1 {
				c.logger.InfoContext(ctx, "cluster key resolved", slog.Int("attempt", attempt))
			}
			return key, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return domain.X25519Key{}, ctx.Err()
		}
		if attempt == c.cfg.Attempts {
			break
		}
		c.logger.WarnContext(ctx, "cluster key unavailable, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.cfg.Attempts),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return domain.X25519Key{}, ctx.Err()
		case <-time.After(c.cfg.Interval):
		}
	}
	return domain.X25519Key{}, fmt.Errorf("crypto: %w after %d attempts: %v", domain.ErrKeyFetchTimeout, c.cfg.Attempts, lastErr)
}

func (c *ClusterKeyCache) fetch(ctx context.Context) (domain.X25519Key, error) {
	if c.shared != nil {
		key, err := c.shared.GetClusterKey(ctx)
		if err == nil && !key.IsZero() {
			return key, nil
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			c.logger.WarnContext(ctx, "shared key cache read failed", slog.String("error", err.Error()))
		}
	}
	key, err := c.src.ClusterKey(ctx)
	if err != nil {
		return domain.X25519Key{}, err
	}
	if key.IsZero() {
		return domain.X25519Key{}, domain.ErrKeyUnavailable
	}
	if c.shared != nil {
		if err := c.shared.SetClusterKey(ctx, key, c.cfg.SharedTTL); err != nil {
			c.logger.WarnContext(ctx, "shared key cache write failed", slog.String("error", err.Error()))
		}
	}
	return key, nil
}

func (c *ClusterKeyCache) store(key domain.X25519Key) {
	c.mu.Lock()
	c.key, c.ok = key, true
	c.mu.Unlock()
}

// Invalidate drops the cached key locally and in the shared tier. The next
// Resolve fetches it again.
func (c *ClusterKeyCache) Invalidate(ctx context.Context) {
	c.mu.Lock()
	c.key, c.ok = domain.X25519Key{}, false
	c.mu.Unlock()
	if c.shared != nil {
		if err := c.shared.InvalidateClusterKey(ctx); err != nil {
			c.logger.WarnContext(ctx, "shared key cache invalidate failed", slog.String("error", err.Error()))
		}
	}
}
