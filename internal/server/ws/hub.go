// Package ws streams ledger events and price updates to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/shootperps/internal/domain"
	"github.com/alanyoungcy/shootperps/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256

	// backlogLimit caps the events replayed to a client connecting with
	// ?after=. Older history is paged through the REST event log.
	backlogLimit = 200
)

// Channel names. Ledger events fan out on ChannelEvents, on
// "events:<type>" and, for position events, on "position:<address>".
const (
	ChannelEvents = "events"
	ChannelPrices = "prices"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origins are enforced by the CORS middleware.
		return true
	},
}

// EventFeed is the live ledger event subscription.
type EventFeed interface {
	Subscribe() (<-chan domain.Event, func())
}

// EventLog reads committed events for backlog replay.
type EventLog interface {
	Events(ctx context.Context, afterSeq uint64, limit int) ([]domain.Event, error)
}

// Message is one frame sent to clients.
type Message struct {
	Channel string          `json:"channel"`
	Seq     uint64          `json:"seq,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// subscribeMsg is what a client sends to change its subscriptions.
type subscribeMsg struct {
	Action   string   `json:"action"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool
	mu   sync.RWMutex
}

type broadcastMsg struct {
	channels []string
	data     []byte
}

// Hub fans ledger events and bus messages out to connected clients.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	feed       EventFeed
	log        EventLog
	bus        domain.SignalBus
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub creates a Hub. bus may be nil, in which case no price updates are
// relayed.
func NewHub(feed EventFeed, log EventLog, bus domain.SignalBus, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		feed:       feed,
		log:        log,
		bus:        bus,
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
}

// Run pumps events to clients until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	go h.pumpEvents(ctx)
	if h.bus != nil {
		go h.pumpBus(ctx, ChannelPrices)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			h.logger.Info("client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			h.logger.Info("client disconnected", slog.Int("total_clients", n))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if c.isSubscribed(msg.channels...) {
					select {
					case c.send <- msg.data:
					default:
						h.logger.Warn("dropping message for slow client")
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

// eventChannels lists every channel an event is published on.
func eventChannels(e domain.Event) []string {
	chs := []string{ChannelEvents, ChannelEvents + ":" + string(e.Type)}
	if !e.Position.IsZero() {
		chs = append(chs, "position:"+e.Position.String())
	}
	return chs
}

func encodeEvent(e domain.Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Channel: ChannelEvents, Seq: e.Seq, Data: data})
}

func (h *Hub) pumpEvents(ctx context.Context) {
	events, cancel := h.feed.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				h.logger.Warn("ledger event feed closed")
				return
			}
			frame, err := encodeEvent(e)
			if err != nil {
				continue
			}
			select {
			case h.broadcast <- broadcastMsg{channels: eventChannels(e), data: frame}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (h *Hub) pumpBus(ctx context.Context, channel string) {
	msgs, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("bus subscribe failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-msgs:
			if !ok {
				return
			}
			frame, err := json.Marshal(Message{Channel: channel, Data: payload})
			if err != nil {
				continue
			}
			select {
			case h.broadcast <- broadcastMsg{channels: []string{channel}, data: frame}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS upgrades the connection. ?channels= is a comma-separated
// subscription list (default "events"); ?after=<seq> replays up to
// backlogLimit committed events first.
// GET /v1/events
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool),
	}
	for _, ch := range strings.Split(r.URL.Query().Get("channels"), ",") {
		if ch = strings.TrimSpace(ch); ch != "" {
			c.subs[ch] = true
		}
	}
	if len(c.subs) == 0 {
		c.subs[ChannelEvents] = true
	}

	h.register <- c
	if after := r.URL.Query().Get("after"); after != "" {
		if seq, err := strconv.ParseUint(after, 10, 64); err == nil {
			c.sendBacklog(r.Context(), seq)
		}
	}

	go c.writePump()
	go c.readPump()
}

// sendBacklog queues committed events after seq. Live events may arrive
// interleaved; clients deduplicate by sequence.
func (c *client) sendBacklog(ctx context.Context, seq uint64) {
	if c.hub.log == nil {
		return
	}
	events, err := c.hub.log.Events(ctx, seq, backlogLimit)
	if err != nil {
		c.hub.logger.WarnContext(ctx, "backlog read failed", slog.String("error", err.Error()))
		return
	}
	for _, e := range events {
		if !c.isSubscribed(eventChannels(e)...) {
			continue
		}
		frame, err := encodeEvent(e)
		if err != nil {
			continue
		}
		select {
		case c.send <- frame:
		default:
			return
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if json.Unmarshal(message, &sub) == nil && sub.Action != "" {
			c.handleSubscription(sub)
		}
	}
}

func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		for _, ch := range msg.Channels {
			c.subs[ch] = true
		}
	case "unsubscribe":
		for _, ch := range msg.Channels {
			delete(c.subs, ch)
		}
	}
}

// isSubscribed reports whether any channel matches a subscription. A
// subscription ending in '*' matches by prefix.
func (c *client) isSubscribed(channels ...string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, channel := range channels {
		if c.subs[channel] {
			return true
		}
		for sub := range c.subs {
			if strings.HasSuffix(sub, "*") && strings.HasPrefix(channel, strings.TrimSuffix(sub, "*")) {
				return true
			}
		}
	}
	return false
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
