// Package ws streams core events to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// StatusFunc returns the snapshot pushed to a client right after it connects.
type StatusFunc func(ctx context.Context) map[string]any

// Config configures a Hub.
type Config struct {
	// Channels are bus channels relayed to clients. Ignored without a bus.
	Channels []string
	Status   StatusFunc
}

// Hub relays events to connected clients. Events arrive either from bus
// channels or through Publish. Clients filter by event type; "*" (the
// default) matches everything and a trailing "*" matches a prefix.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	bus        domain.SignalBus
	channels   []string
	status     StatusFunc
	mu         sync.RWMutex
	logger     *slog.Logger
}

type broadcastMsg struct {
	topic string
	data  []byte
}

var _ domain.EventPublisher = (*Hub)(nil)

// NewHub creates a Hub. bus may be nil, in which case only Publish feeds it.
func NewHub(bus domain.SignalBus, cfg Config, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		bus:        bus,
		channels:   cfg.Channels,
		status:     cfg.Status,
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
}

// Publish implements domain.EventPublisher. A full broadcast queue drops the
// event rather than block the caller.
func (h *Hub) Publish(_ context.Context, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- broadcastMsg{topic: string(ev.Type), data: data}:
	default:
		h.logger.Warn("broadcast queue full, dropping event", slog.String("type", string(ev.Type)))
	}
	return nil
}

// Run owns the client set until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus != nil {
		for _, ch := range h.channels {
			go h.relay(ctx, ch)
		}
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
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", slog.Int("clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", slog.Int("clients", n))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(msg.topic) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					h.logger.Warn("dropping message for slow client", slog.String("topic", msg.topic))
				}
			}
			h.mu.RUnlock()
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// relay forwards one bus channel into the broadcast queue, routing each
// payload by its event type.
func (h *Hub) relay(ctx context.Context, channel string) {
	msgs, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("subscribe failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	h.logger.Info("relaying bus channel", slog.String("channel", channel))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				h.logger.Warn("bus subscription closed", slog.String("channel", channel))
				return
			}
			select {
			case h.broadcast <- broadcastMsg{topic: topicOf(data, channel), data: data}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func topicOf(data []byte, fallback string) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil || head.Type == "" {
		return fallback
	}
	return head.Type
}

// HandleWS upgrades the request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		topics: map[string]bool{"*": true},
	}
	h.register <- c
	c.sendStatus(r.Context())

	go c.writePump()
	go c.readPump()
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	topics map[string]bool
	mu     sync.RWMutex
}

// subscribeMsg changes the client's event type filter, e.g.
// {"action":"subscribe","types":["position_*"]}.
type subscribeMsg struct {
	Action string   `json:"action"`
	Types  []string `json:"types"`
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var msg subscribeMsg
		if err := json.Unmarshal(message, &msg); err == nil {
			c.apply(msg)
		}
	}
}

func (c *client) apply(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Action {
	case "subscribe":
		// An explicit subscription replaces the catch-all default.
		delete(c.topics, "*")
		for _, t := range msg.Types {
			c.topics[t] = true
		}
	case "unsubscribe":
		for _, t := range msg.Types {
			delete(c.topics, t)
		}
	}
}

func (c *client) wants(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.topics["*"] || c.topics[topic] {
		return true
	}
	for t := range c.topics {
		if prefix, ok := strings.CutSuffix(t, "*"); ok && strings.HasPrefix(topic, prefix) {
			return true
		}
	}
	return false
}

func (c *client) sendStatus(ctx context.Context) {
	payload := map[string]any{}
	if c.hub.status != nil {
		payload = c.hub.status(ctx)
	}
	msg, err := json.Marshal(map[string]any{"type": "bot_status", "details": payload})
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
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
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
