package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/shootperps/internal/domain"
)

const (
	// streamMaxLen caps each stream (approximately) on append.
	streamMaxLen int64 = 10000
	payloadField       = "payload"
	subscribeBuffer    = 128
)

// StreamMessage is one stream entry.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus carries oracle price ticks over Pub/Sub, where a missed tick is
// superseded by the next, and ledger events over Streams, where order and
// replay matter.
type SignalBus struct {
	rdb *redis.Client
}

func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{rdb: c.Underlying()}
}

// Publish fans payload out to current subscribers of channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.rdb.Publish(ctx, keyPrefix+channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe delivers payloads published on channel until ctx ends. A
// channel containing glob characters subscribes by pattern. Slow readers
// hold up delivery rather than losing messages.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	name := keyPrefix + channel
	subscribe := sb.rdb.Subscribe
	if strings.ContainsAny(channel, "*?[") {
		subscribe = sb.rdb.PSubscribe
	}
	pubsub := subscribe(ctx, name)
	// Wait for the subscription confirmation so nothing published after we
	// return is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, subscribeBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()
		in := pubsub.Channel()
		for {
			var msg *redis.Message
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				msg = m
			}
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// StreamAppend adds payload to stream and trims old entries.
func (sb *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	err := sb.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: keyPrefix + stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: []any{payloadField, payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: append to %s: %w", stream, err)
	}
	return nil
}

// StreamRead returns up to count entries after lastID. "0" reads from the
// start and "$" only new entries. A positive block waits that long for
// data and yields nil when none arrives; otherwise the call does not block.
func (sb *SignalBus) StreamRead(ctx context.Context, stream, lastID string, count int, block time.Duration) ([]StreamMessage, error) {
	if block <= 0 {
		block = -1
	}
	res, err := sb.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{keyPrefix + stream, lastID},
		Count:   int64(count),
		Block:   block,
	}).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("redis: read %s: %w", stream, err)
	}

	var msgs []StreamMessage
	for _, s := range res {
		for _, m := range s.Messages {
			if p, ok := m.Values[payloadField].(string); ok {
				msgs = append(msgs, StreamMessage{ID: m.ID, Payload: []byte(p)})
			}
		}
	}
	return msgs, nil
}

var _ domain.SignalBus = (*SignalBus)(nil)
