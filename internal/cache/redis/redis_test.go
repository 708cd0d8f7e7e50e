package redis

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/shootperps/internal/domain"
)

// newTestClient connects to SHOOT_TEST_REDIS_ADDR and flushes the test DB.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("SHOOT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SHOOT_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	c, err := New(ctx, ClientConfig{Addr: addr, DB: 15})
	require.NoError(t, err)
	require.NoError(t, c.Underlying().FlushDB(ctx).Err())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestKeyCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	kc := NewKeyCache(newTestClient(t))

	_, err := kc.GetClusterKey(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	var key domain.X25519Key
	key[0], key[31] = 7, 9
	require.NoError(t, kc.SetClusterKey(ctx, key, time.Minute))
	got, err := kc.GetClusterKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, key, got)

	require.NoError(t, kc.InvalidateClusterKey(ctx))
	_, err = kc.GetClusterKey(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.ErrorIs(t, kc.SetClusterKey(ctx, domain.X25519Key{}, time.Minute), domain.ErrInvalidArgument)
}

func TestLockManagerExclusive(t *testing.T) {
	ctx := context.Background()
	lm := NewLockManager(newTestClient(t))

	release, err := lm.Acquire(ctx, "position:a", time.Minute)
	require.NoError(t, err)
	_, err = lm.Acquire(ctx, "position:a", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	release()
	release()
	again, err := lm.Acquire(ctx, "position:a", time.Minute)
	require.NoError(t, err)
	again()
}

func TestRateLimiterWindow(t *testing.T) {
	ctx := context.Background()
	rl := NewRateLimiter(newTestClient(t))

	for i := range 3 {
		ok, err := rl.Allow(ctx, "ip", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := rl.Allow(ctx, "ip", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "other", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

type sliceFeed struct{ ch chan domain.Event }

func (f sliceFeed) Subscribe() (<-chan domain.Event, func()) { return f.ch, func() {} }

func TestEventRelayToStreamSource(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	bus := NewSignalBus(newTestClient(t))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	src := NewStreamSource(bus, logger)
	events, stop := src.Subscribe()
	defer stop()
	// Let the reader register "$" before anything is appended.
	time.Sleep(100 * time.Millisecond)

	feed := sliceFeed{ch: make(chan domain.Event, 2)}
	feed.ch <- domain.Event{Seq: 1, Type: domain.EventPositionOpened}
	feed.ch <- domain.Event{Seq: 2, Type: domain.EventPositionClosed}
	close(feed.ch)
	require.NoError(t, NewEventRelay(bus, logger).Run(ctx, feed))

	for _, want := range []uint64{1, 2} {
		select {
		case e := <-events:
			assert.Equal(t, want, e.Seq)
		case <-ctx.Done():
			t.Fatal("stream source did not deliver")
		}
	}
}

func TestSignalBusPubSub(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bus := NewSignalBus(newTestClient(t))

	msgs, err := bus.Subscribe(ctx, "prices")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "prices", []byte("tick")))
	select {
	case m := <-msgs:
		assert.Equal(t, "tick", string(m))
	case <-ctx.Done():
		t.Fatal("no message")
	}
}
