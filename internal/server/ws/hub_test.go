package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type chanBus struct {
	mu  sync.Mutex
	chs map[string]chan []byte
}

func (b *chanBus) Publish(_ context.Context, channel string, data []byte) error {
	b.mu.Lock()
	ch := b.chs[channel]
	b.mu.Unlock()
	ch <- data
	return nil
}

func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 8)
	b.chs[channel] = ch
	return ch, nil
}

func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *chanBus) subscribed(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.chs[channel]
	return ok
}

type envelope struct {
	Type    string         `json:"type"`
	Symbol  string         `json:"symbol"`
	Details map[string]any `json:"details"`
}

func dial(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestHubPublishesEvents(t *testing.T) {
	hub := NewHub(nil, Config{Status: func(context.Context) map[string]any {
		return map[string]any{"mode": "paper"}
	}}, discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()

	conn := dial(t, hub)
	status := read(t, conn)
	assert.Equal(t, "bot_status", status.Type)
	assert.Equal(t, "paper", status.Details["mode"])

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, hub.Publish(ctx, domain.NewEvent(domain.EventPositionClosed, "BTCUSDT", map[string]any{"pnl_usd": 5.0})))

	ev := read(t, conn)
	assert.Equal(t, "position_closed", ev.Type)
	assert.Equal(t, "BTCUSDT", ev.Symbol)
}

func TestHubTypeFilter(t *testing.T) {
	hub := NewHub(nil, Config{}, discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()

	conn := dial(t, hub)
	read(t, conn) // status
	require.NoError(t, conn.WriteJSON(subscribeMsg{Action: "subscribe", Types: []string{"position_*"}}))

	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		for c := range hub.clients {
			return !c.wants("order_filled") && c.wants("position_opened")
		}
		return false
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Publish(ctx, domain.NewEvent(domain.EventOrderFilled, "BTCUSDT", nil)))
	require.NoError(t, hub.Publish(ctx, domain.NewEvent(domain.EventPositionOpened, "ETHUSDT", nil)))

	ev := read(t, conn)
	assert.Equal(t, "position_opened", ev.Type)
}

func TestHubRelaysBusChannel(t *testing.T) {
	bus := &chanBus{chs: map[string]chan []byte{}}
	hub := NewHub(bus, Config{Channels: []string{"events"}}, discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()

	conn := dial(t, hub)
	read(t, conn)
	require.Eventually(t, func() bool { return bus.subscribed("events") && hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	payload, err := json.Marshal(domain.NewEvent(domain.EventCriticalAlert, "", map[string]any{"operation": "balance"}))
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "events", payload))

	ev := read(t, conn)
	assert.Equal(t, "critical_alert", ev.Type)
	assert.Equal(t, "balance", ev.Details["operation"])
}

func TestTopicOf(t *testing.T) {
	assert.Equal(t, "order_filled", topicOf([]byte(`{"type":"order_filled"}`), "events"))
	assert.Equal(t, "events", topicOf([]byte(`not json`), "events"))
	assert.Equal(t, "events", topicOf([]byte(`{}`), "events"))
}
