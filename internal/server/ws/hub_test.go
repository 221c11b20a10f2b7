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

	"github.com/alanyoungcy/proposalbond/internal/domain"
)

type fakeBus struct {
	feed       chan []byte
	subscribed chan string
}

func (b *fakeBus) Publish(context.Context, string, []byte) error { return nil }

func (b *fakeBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	b.subscribed <- channel
	return b.feed, nil
}

func (b *fakeBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestHubRelaysBusMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := &fakeBus{feed: make(chan []byte, 1), subscribed: make(chan string, 1)}
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{
		Channels: []string{"ch:bond"},
		Status: func(context.Context) (any, error) {
			return map[string]string{"locked": "0"}, nil
		},
	})
	go hub.Run(ctx)

	select {
	case ch := <-bus.subscribed:
		require.Equal(t, "ch:bond", ch)
	case <-time.After(time.Second):
		t.Fatal("hub did not subscribe")
	}

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var status map[string]any
	require.NoError(t, conn.ReadJSON(&status))
	assert.Equal(t, "bond_status", status["type"])

	bus.feed <- []byte(`{"type":"bond_created"}`)
	typ, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, typ)

	var ev map[string]string
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, "bond_created", ev["type"])
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example"})

	req := httptest.NewRequest("GET", "/ws", nil)
	assert.True(t, check(req), "non-browser clients send no origin")

	req.Header.Set("Origin", "https://app.example")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://other.example")
	assert.False(t, check(req))
}
