package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/shootperps/internal/domain"
)

// releaseIfOwner deletes KEYS[1] only while it still holds ARGV[1]; a
// holder whose TTL lapsed must not free the next holder's claim.
var releaseIfOwner = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// releaseTimeout bounds the release call, which runs after the caller's
// context may have ended.
const releaseTimeout = 5 * time.Second

// LockManager implements domain.LockManager. The orchestrator claims a
// position here before submitting a mutating instruction, so two client
// processes cannot race on one position.
type LockManager struct {
	rdb *redis.Client
}

func NewLockManager(c *Client) *LockManager {
	return &LockManager{rdb: c.Underlying()}
}

// Acquire claims key for at most ttl, or returns domain.ErrLockHeld. The
// returned release func is idempotent.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	k := keyPrefix + "lock:" + key
	owner := uuid.NewString()

	err := lm.rdb.SetArgs(ctx, k, owner, redis.SetArgs{Mode: "NX", TTL: ttl}).Err()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, domain.ErrLockHeld
	case err != nil:
		return nil, fmt.Errorf("redis: lock %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			_ = releaseIfOwner.Run(ctx, lm.rdb, []string{k}, owner).Err()
		})
	}, nil
}

var _ domain.LockManager = (*LockManager)(nil)
