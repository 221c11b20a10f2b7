package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/proposalbond/internal/domain"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256
)

// client represents a single WebSocket connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool // subscribed channels
	mu   sync.RWMutex
}

// subscribeMsg is the JSON message a client sends to change subscriptions.
type subscribeMsg struct {
	Action   string   `json:"action"`   // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // channel names
}

// StatusFunc returns the payload of the status frame sent on connect.
type StatusFunc func(ctx context.Context) (any, error)

// Hub manages a set of connected WebSocket clients and broadcasts messages
// from the signal bus to every client subscribed to the source channel.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	bus        domain.SignalBus
	channels   []string
	status     StatusFunc
	upgrader   websocket.Upgrader
	mu         sync.RWMutex
	logger     *slog.Logger
}

// broadcastMsg carries a message along with its source channel so the hub
// can route it only to clients subscribed to that channel.
type broadcastMsg struct {
	channel string
	data    []byte
}

// Config selects the bus channels the hub relays and how browser origins
// are checked.
type Config struct {
	Channels []string
	// AllowedOrigins lists origins allowed to connect. Empty allows any.
	AllowedOrigins []string
	// Status, when set, produces the first frame each client receives.
	Status StatusFunc
}

// NewHub creates a new WebSocket hub that bridges bus to connected clients.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		bus:        bus,
		channels:   cfg.Channels,
		status:     cfg.Status,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		logger: logger.With(slog.String("component", "ws_hub")),
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// Run starts the hub's main event loop. It should be called in a goroutine.
// It handles client registration, unregistration, and message broadcasting.
// The loop exits when the provided context is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	for _, ch := range h.channels {
		go h.subscribeToChannel(ctx, ch)
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
			h.mu.Unlock()
			h.logger.Info("ws: client connected",
				slog.Int("total_clients", h.clientCount()),
			)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected",
				slog.Int("total_clients", h.clientCount()),
			)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if c.isSubscribed(msg.channel) {
					select {
					case c.send <- msg.data:
					default:
						// Client's send buffer is full; drop the message.
						h.logger.Warn("ws: dropping message for slow client")
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

// subscribeToChannel subscribes to a single signal bus channel and
// forwards received messages to the hub's broadcast channel.
func (h *Hub) subscribeToChannel(ctx context.Context, channel string) {
	msgCh, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("ws: failed to subscribe to channel",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}

	h.logger.Info("ws: subscribed to channel", slog.String("channel", channel))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("ws: channel subscription closed",
					slog.String("channel", channel),
				)
				return
			}
			select {
			case h.broadcast <- broadcastMsg{channel: channel, data: data}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client with the hub.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool),
	}

	for _, ch := range h.channels {
		c.subs[ch] = true
	}

	h.register <- c
	c.sendInitialStatus(r.Context())

	// Start read and write pumps in separate goroutines.
	go c.writePump()
	go c.readPump()
}

// clientCount returns the number of currently connected clients.
func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump reads messages from the WebSocket connection. It handles
// subscription management requests (JSON text frames) from the client.
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
				c.hub.logger.Warn("ws: unexpected close error",
					slog.String("error", err.Error()),
				)
			}
			return
		}

		// Try to parse as a subscription management message.
		var sub subscribeMsg
		if jsonErr := json.Unmarshal(message, &sub); jsonErr == nil &&
			sub.Action != "" {
			c.handleSubscription(sub)
		}
	}
}

// handleSubscription processes subscribe/unsubscribe requests from the client.
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

// sendInitialStatus pushes the current status so clients have state before
// the first event arrives.
func (c *client) sendInitialStatus(ctx context.Context) {
	if c.hub.status == nil {
		return
	}
	payload, err := c.hub.status(ctx)
	if err != nil {
		c.hub.logger.Warn("ws: status snapshot failed", slog.String("error", err.Error()))
		return
	}
	msg, err := json.Marshal(map[string]any{
		"type":    "bond_status",
		"payload": payload,
	})
	if err != nil {
		return
	}

	select {
	case c.send <- msg:
	default:
	}
}

// isSubscribed checks whether the client is subscribed to the given channel.
func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Direct match.
	if c.subs[channel] {
		return true
	}

	// Wildcard match: "ch:bond:*" matches "ch:bond:created".
	for sub := range c.subs {
		if len(sub) > 0 && sub[len(sub)-1] == '*' {
			prefix := sub[:len(sub)-1]
			if len(channel) >= len(prefix) && channel[:len(prefix)] == prefix {
				return true
			}
		}
	}

	return false
}

// writePump pumps messages from the hub to the WebSocket connection as text
// frames and sends periodic pings for keepalive.
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
				// The hub closed the channel.
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
