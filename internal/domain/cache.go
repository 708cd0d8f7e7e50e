package domain

import (
	"context"
	"time"
)

// KeyCache is a shared tier for the cluster public key so that many
// client processes do not all hit the ledger.
type KeyCache interface {
	GetClusterKey(ctx context.Context) (X25519Key, error)
	SetClusterKey(ctx context.Context, key X25519Key, ttl time.Duration) error
	InvalidateClusterKey(ctx context.Context) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub fan-out between processes.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// RateLimiter limits how often a key may act within a sliding window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
