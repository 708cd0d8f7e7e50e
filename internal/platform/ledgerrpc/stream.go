package ledgerrpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/shootperps/internal/computation"
	"github.com/alanyoungcy/shootperps/internal/domain"
	"github.com/alanyoungcy/shootperps/internal/server/ws"
)

const (
	streamPongWait   = 60 * time.Second
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
	streamBuffer     = 256
)

// EventStream is a WebSocket subscription to a node's event feed. Each
// Subscribe opens one connection; the channel closes when it drops.
// Reconnects resume after the last sequence seen so events committed while
// disconnected are replayed by the node.
type EventStream struct {
	wsURL    string
	apiKey   string
	channels []string
	lastSeq  atomic.Uint64
	replay   atomic.Bool
	logger   *slog.Logger
}

var _ computation.EventSource = (*EventStream)(nil)

// NewEventStream creates an EventStream for baseURL ("http://host:port").
// channels defaults to every ledger event.
func NewEventStream(baseURL, apiKey string, channels []string, logger *slog.Logger) *EventStream {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	if len(channels) == 0 {
		channels = []string{ws.ChannelEvents}
	}
	return &EventStream{
		wsURL:    u + "/v1/events",
		apiKey:   apiKey,
		channels: channels,
		logger:   logger.With(slog.String("component", "event_stream")),
	}
}

// ReplayFrom makes the next connection replay committed events after seq,
// even when nothing has been received yet.
func (s *EventStream) ReplayFrom(seq uint64) {
	s.lastSeq.Store(seq)
	s.replay.Store(true)
}

// LastSeq is the highest event sequence received.
func (s *EventStream) LastSeq() uint64 { return s.lastSeq.Load() }

// Subscribe dials the node and streams events until the connection drops
// or cancel is called.
func (s *EventStream) Subscribe() (<-chan domain.Event, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan domain.Event, streamBuffer)
	go func() {
		defer close(out)
		if err := s.stream(ctx, out); err != nil && ctx.Err() == nil {
			s.logger.Warn("event stream ended", slog.String("error", err.Error()))
		}
	}()
	return out, cancel
}

func (s *EventStream) endpoint() string {
	q := url.Values{}
	q.Set("channels", strings.Join(s.channels, ","))
	if seq := s.lastSeq.Load(); seq > 0 || s.replay.Load() {
		q.Set("after", strconv.FormatUint(seq, 10))
	}
	return s.wsURL + "?" + q.Encode()
}

func (s *EventStream) stream(ctx context.Context, out chan<- domain.Event) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	header := http.Header{}
	if s.apiKey != "" {
		header.Set("Authorization", "Bearer "+s.apiKey)
	}
	conn, _, err := dialer.DialContext(ctx, s.endpoint(), header)
	if err != nil {
		return err
	}
	s.logger.Info("event stream connected", slog.Uint64("after", s.lastSeq.Load()))

	var once sync.Once
	closeConn := func() { once.Do(func() { conn.Close() }) }
	defer closeConn()
	go func() {
		<-ctx.Done()
		closeConn()
	}()
	go s.ping(ctx, conn)

	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg ws.Message
		if err := json.Unmarshal(data, &msg); err != nil || !strings.HasPrefix(msg.Channel, ws.ChannelEvents) {
			continue
		}
		var e domain.Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			s.logger.Warn("undecodable event", slog.String("error", err.Error()))
			continue
		}
		// Backlog and live delivery may overlap or interleave, so events
		// can repeat. lastSeq only moves forward.
		for {
			seen := s.lastSeq.Load()
			if e.Seq <= seen || s.lastSeq.CompareAndSwap(seen, e.Seq) {
				break
			}
		}
		select {
		case out <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *EventStream) ping(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}
