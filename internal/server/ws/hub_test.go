package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/shootperps/internal/domain"
)

type chanFeed chan domain.Event

func (f chanFeed) Subscribe() (<-chan domain.Event, func()) { return f, func() {} }

type sliceLog []domain.Event

func (l sliceLog) Events(_ context.Context, after uint64, limit int) ([]domain.Event, error) {
	var out []domain.Event
	for _, e := range l {
		if e.Seq > after && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func startHub(t *testing.T, feed chanFeed, log EventLog) (*Hub, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := NewHub(feed, log, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go func() { _ = hub.Run(ctx) }()
	ts := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(ts.Close)
	return hub, ts
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHubBroadcastsEvents(t *testing.T) {
	feed := make(chanFeed, 4)
	hub, ts := startHub(t, feed, nil)
	conn := dial(t, ts, "")
	require.Eventually(t, func() bool { return hub.clientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	feed <- domain.Event{Seq: 1, Type: domain.EventPositionOpened}
	msg := readMessage(t, conn)
	assert.Equal(t, ChannelEvents, msg.Channel)
	assert.Equal(t, uint64(1), msg.Seq)

	var e domain.Event
	require.NoError(t, json.Unmarshal(msg.Data, &e))
	assert.Equal(t, domain.EventPositionOpened, e.Type)
}

func TestHubReplaysBacklog(t *testing.T) {
	log := sliceLog{{Seq: 1, Type: domain.EventComputationQueued}, {Seq: 2, Type: domain.EventPositionOpened}, {Seq: 3, Type: domain.EventComputationQueued}}
	_, ts := startHub(t, make(chanFeed), log)
	conn := dial(t, ts, "?after=1&channels=events:"+string(domain.EventComputationQueued))

	msg := readMessage(t, conn)
	assert.Equal(t, uint64(3), msg.Seq)
}

func TestClientSubscriptionMatching(t *testing.T) {
	c := &client{subs: map[string]bool{"events:*": true}}
	assert.True(t, c.isSubscribed("events:computation_queued"))
	assert.False(t, c.isSubscribed(ChannelPrices))

	c.handleSubscription(subscribeMsg{Action: "subscribe", Channels: []string{ChannelPrices}})
	assert.True(t, c.isSubscribed(ChannelPrices))
	c.handleSubscription(subscribeMsg{Action: "unsubscribe", Channels: []string{"events:*"}})
	assert.False(t, c.isSubscribed("events:computation_queued"))
}

func TestEventChannels(t *testing.T) {
	pos := domain.DerivePubkey([]byte("p"))
	chs := eventChannels(domain.Event{Type: domain.EventComputationQueued, Position: pos})
	assert.Equal(t, []string{"events", "events:" + string(domain.EventComputationQueued), "position:" + pos.String()}, chs)
}
