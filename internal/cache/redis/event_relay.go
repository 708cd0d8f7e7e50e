package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/shootperps/internal/domain"
)

// EventStream is the stream ledger events are relayed on.
const EventStream = "events"

// LedgerFeed is the local ledger's event subscription.
type LedgerFeed interface {
	Subscribe() (<-chan domain.Event, func())
}

// EventRelay copies ledger events from a node onto a Redis stream so that
// client processes can follow finalizations without a websocket to the node.
type EventRelay struct {
	bus    *SignalBus
	logger *slog.Logger
}

// NewEventRelay creates an EventRelay writing through bus.
func NewEventRelay(bus *SignalBus, logger *slog.Logger) *EventRelay {
	return &EventRelay{bus: bus, logger: logger.With(slog.String("component", "event_relay"))}
}

// Run relays events from feed until ctx is cancelled or the feed closes.
func (r *EventRelay) Run(ctx context.Context, feed LedgerFeed) error {
	events, cancel := feed.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if err := r.bus.StreamAppend(ctx, EventStream, payload); err != nil && ctx.Err() == nil {
				r.logger.WarnContext(ctx, "relay event failed",
					slog.Uint64("seq", e.Seq),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// StreamSource follows the relayed event stream. It satisfies the
// orchestrator's event source contract: the channel closes when reading
// fails and cancel stops the reader.
type StreamSource struct {
	bus    *SignalBus
	block  time.Duration
	logger *slog.Logger
}

// NewStreamSource creates a StreamSource reading through bus.
func NewStreamSource(bus *SignalBus, logger *slog.Logger) *StreamSource {
	return &StreamSource{bus: bus, block: time.Second, logger: logger.With(slog.String("component", "stream_source"))}
}

// Subscribe starts reading entries appended from now on.
func (s *StreamSource) Subscribe() (<-chan domain.Event, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan domain.Event, 128)
	go func() {
		defer close(out)
		lastID := "$"
		for ctx.Err() == nil {
			msgs, err := s.bus.StreamRead(ctx, EventStream, lastID, 100, s.block)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.WarnContext(ctx, "event stream read failed", slog.String("error", err.Error()))
				}
				return
			}
			for _, m := range msgs {
				lastID = m.ID
				var e domain.Event
				if err := json.Unmarshal(m.Payload, &e); err != nil {
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, cancel
}
