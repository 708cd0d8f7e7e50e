package ledger

import (
	"log/slog"
	"sync"

	"github.com/alanyoungcy/shootperps/internal/domain"
)

// Broadcaster fans committed events out to subscribers. A subscriber that
// falls behind loses events; clients recover through the computation
// record, so the ledger never blocks on a slow reader.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[int]chan domain.Event
	nextID int
	buffer int
	logger *slog.Logger
}

// NewBroadcaster returns a broadcaster whose subscriptions buffer up to
// buffer events.
func NewBroadcaster(buffer int, logger *slog.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = 256
	}
	return &Broadcaster{
		subs:   make(map[int]chan domain.Event),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe returns a channel of events and a cancel function that closes
// it. Cancel is idempotent.
func (b *Broadcaster) Subscribe() (<-chan domain.Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan domain.Event, b.buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Publish delivers e to every subscriber without blocking.
func (b *Broadcaster) Publish(e domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Warn("ledger: dropping event for slow subscriber",
				slog.String("type", string(e.Type)),
				slog.Uint64("seq", e.Seq),
			)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
