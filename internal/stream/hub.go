package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/ksred/ledger-api/internal/events"
	"github.com/rs/zerolog/log"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The dashboard is served from a different origin in development.
		return true
	},
}

// envelope is the JSON frame pushed to connected clients.
type envelope struct {
	Type      events.Kind `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub bridges the event bus to WebSocket subscribers. Every ledger and
// alert event published on the bus is fanned out to all connected
// clients; slow clients are dropped rather than allowed to block the
// broadcast path.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
}

// streamedKinds are the bus events forwarded to WebSocket clients.
var streamedKinds = []events.Kind{
	events.KindBudgetUpdated,
	events.KindBudgetReconciled,
	events.KindBudgetAlert,
	events.KindAlertAcknowledged,
	events.KindTradeClosed,
}

func NewHub(bus *events.Bus) *Hub {
	h := &Hub{
		clients: make(map[*client]bool),
	}
	for _, kind := range streamedKinds {
		bus.Subscribe(kind, h.broadcast)
	}
	return h
}

func (h *Hub) broadcast(e events.Event) {
	frame, err := json.Marshal(envelope{
		Type:      e.Kind(),
		Payload:   e,
		Timestamp: time.Now(),
	})
	if err != nil {
		log.Error().Err(err).Str("component", "stream_hub").Msg("failed to marshal event frame")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			// Client is not keeping up; the write pump will notice
			// the closed channel and tear the connection down.
			go h.remove(c)
		}
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes all client connections.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// ServeWS upgrades the request and registers the connection with the hub.
func (h *Hub) ServeWS() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		conn, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
		if err != nil {
			log.Warn().Err(err).Str("component", "stream_hub").Msg("websocket upgrade failed")
			return
		}

		c := &client{
			conn: conn,
			send: make(chan []byte, sendBufferSize),
		}
		h.add(c)

		log.Info().
			Str("component", "stream_hub").
			Int("clients", h.ClientCount()).
			Msg("websocket client connected")

		go h.writePump(c)
		go h.readPump(c)
	}
}

// writePump forwards frames from the send channel to the connection and
// keeps it alive with pings.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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

// readPump discards inbound messages; the feed is one-way. It exists to
// process pongs and detect closed connections.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
