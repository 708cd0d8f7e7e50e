package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/shootperps/internal/domain"
)

// keyPrefix namespaces every key this package writes.
const keyPrefix = "shootperps:"

func clusterKeyKey() string {
	return keyPrefix + "cluster:pubkey"
}

// KeyCache implements domain.KeyCache. The cluster public key is stored as
// its hex text under a single key with a TTL.
type KeyCache struct {
	rdb *redis.Client
}

// NewKeyCache creates a KeyCache backed by the given Client.
func NewKeyCache(c *Client) *KeyCache {
	return &KeyCache{rdb: c.Underlying()}
}

// GetClusterKey returns the cached key, or domain.ErrNotFound when nothing
// is cached.
func (kc *KeyCache) GetClusterKey(ctx context.Context) (domain.X25519Key, error) {
	raw, err := kc.rdb.Get(ctx, clusterKeyKey()).Result()
	if errors.Is(err, redis.Nil) {
		return domain.X25519Key{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.X25519Key{}, fmt.Errorf("redis: get cluster key: %w", err)
	}
	var key domain.X25519Key
	if err := key.UnmarshalText([]byte(raw)); err != nil {
		// A garbled entry is as good as a miss.
		_ = kc.rdb.Del(ctx, clusterKeyKey()).Err()
		return domain.X25519Key{}, domain.ErrNotFound
	}
	if key.IsZero() {
		return domain.X25519Key{}, domain.ErrNotFound
	}
	return key, nil
}

// SetClusterKey caches key for ttl. A zero key is never cached.
func (kc *KeyCache) SetClusterKey(ctx context.Context, key domain.X25519Key, ttl time.Duration) error {
	if key.IsZero() {
		return fmt.Errorf("redis: set cluster key: %w: zero key", domain.ErrInvalidArgument)
	}
	if err := kc.rdb.Set(ctx, clusterKeyKey(), key.String(), ttl).Err(); err != nil {
		return fmt.Errorf("redis: set cluster key: %w", err)
	}
	return nil
}

// InvalidateClusterKey drops the cached key.
func (kc *KeyCache) InvalidateClusterKey(ctx context.Context) error {
	if err := kc.rdb.Del(ctx, clusterKeyKey()).Err(); err != nil {
		return fmt.Errorf("redis: invalidate cluster key: %w", err)
	}
	return nil
}

var _ domain.KeyCache = (*KeyCache)(nil)
