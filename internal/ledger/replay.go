package ledger

import (
	"sync"
	"time"
)

// ReplayGuard rejects an envelope seen within the TTL window. Envelopes
// older than the window are rejected by the freshness check instead, so
// together they admit each envelope at most once. Safe for concurrent use.
type ReplayGuard struct {
	seen map[string]time.Time // envelope id -> first seen
	ttl  time.Duration
	mu   sync.Mutex
}

// NewReplayGuard creates a guard remembering envelopes for ttl.
func NewReplayGuard(ttl time.Duration) *ReplayGuard {
	return &ReplayGuard{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// Seen reports whether id was recorded within the TTL window, recording it
// otherwise.
func (g *ReplayGuard) Seen(id string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if first, ok := g.seen[id]; ok && now.Sub(first) < g.ttl {
		return true
	}
	g.seen[id] = now
	return false
}

// Forget drops id so a rejected instruction can be corrected and resent.
func (g *ReplayGuard) Forget(id string) {
	g.mu.Lock()
	delete(g.seen, id)
	g.mu.Unlock()
}

// Cleanup removes entries that have expired beyond the TTL. Call it
// periodically to bound memory.
func (g *ReplayGuard) Cleanup(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for id, ts := range g.seen {
		if now.Sub(ts) >= g.ttl {
			delete(g.seen, id)
			n++
		}
	}
	return n
}
