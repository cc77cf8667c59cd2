package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/votemarket/internal/domain"
	"github.com/alanyoungcy/votemarket/internal/metrics"
	"github.com/alanyoungcy/votemarket/internal/server/middleware"
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
	CheckOrigin: func(r *http.Request) bool {
		// Origins are enforced by the CORS layer and the API key.
		return true
	},
}

// envelope is the part of a bus event the hub routes on.
type envelope struct {
	Type    string `json:"type"`
	Payload struct {
		MarketID string `json:"marketId"`
		UserID   string `json:"userId"`
	} `json:"payload"`
}

// subscribeMsg narrows a connection to a set of markets. An empty set
// means every market.
type subscribeMsg struct {
	Action  string   `json:"action"` // "subscribe" or "unsubscribe"
	Markets []string `json:"markets"`
}

type client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	userID  string
	mu      sync.RWMutex
	markets map[string]bool
}

// Hub bridges the signal bus to connected WebSocket clients. Market events
// go to every client watching the market; user balance events go only to
// that user's connections.
type Hub struct {
	bus        domain.SignalBus
	channels   []string
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewHub creates a Hub relaying the given bus channels. m may be nil.
func NewHub(bus domain.SignalBus, channels []string, m *metrics.Metrics, logger *slog.Logger) *Hub {
	return &Hub{
		bus:        bus,
		channels:   channels,
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		metrics:    m,
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
}

// Run subscribes to the bus and serves registrations and broadcasts until
// ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	for _, ch := range h.channels {
		msgs, err := h.bus.Subscribe(ctx, ch)
		if err != nil {
			return err
		}
		h.logger.Info("subscribed", slog.String("channel", ch))
		go h.forward(ctx, ch, msgs)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
				h.metrics.WSClientsChanged(-1)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.metrics.WSClientsChanged(1)
			h.logger.Debug("client connected",
				slog.String("user_id", c.userID),
				slog.Int("total_clients", h.clientCount()),
			)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.metrics.WSClientsChanged(-1)
			}
			h.mu.Unlock()

		case data := <-h.broadcast:
			h.dispatch(data)
		}
	}
}

func (h *Hub) forward(ctx context.Context, channel string, msgs <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				h.logger.Warn("subscription closed", slog.String("channel", channel))
				return
			}
			select {
			case h.broadcast <- data:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (h *Hub) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.logger.Warn("dropping malformed event", slog.String("error", err.Error()))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(env) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Warn("dropping message for slow client", slog.String("event", env.Type))
		}
	}
}

// HandleWS upgrades the request and registers the connection. The caller's
// identity comes from the identity middleware.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		userID:  middleware.UserID(r.Context()),
		markets: make(map[string]bool),
	}

	if hello, err := json.Marshal(map[string]any{
		"type":    "connected",
		"payload": map[string]string{"userId": c.userID},
	}); err == nil {
		c.send <- hello
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// wants reports whether the event is addressed to this client.
func (c *client) wants(env envelope) bool {
	if env.Payload.UserID != "" && env.Payload.UserID != c.userID {
		return false
	}
	if env.Payload.MarketID == "" {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.markets) == 0 || c.markets[env.Payload.MarketID]
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
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
		if err := json.Unmarshal(message, &sub); err == nil {
			c.handleSubscription(sub)
		}
	}
}

func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Action {
	case "subscribe":
		for _, id := range msg.Markets {
			c.markets[id] = true
		}
	case "unsubscribe":
		for _, id := range msg.Markets {
			delete(c.markets, id)
		}
	}
}

// writePump sends events as text frames and keeps the connection alive
// with pings.
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
