// Package realtime streams account activity over WebSockets.
//
// Connected clients receive events as they happen instead of polling:
// transaction state changes, dispute updates, new messages, and
// notifications. Delivery is scoped to the authenticated user.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tradesafe/tradesafe/internal/metrics"
)

// EventType categorizes a realtime event.
type EventType string

const (
	EventTransaction  EventType = "transaction"
	EventDispute      EventType = "dispute"
	EventMessage      EventType = "message"
	EventNotification EventType = "notification"
)

// Event is one realtime payload. Recipients lists the user IDs the
// event is addressed to; an empty list broadcasts to every client.
type Event struct {
	Type       EventType   `json:"type"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       interface{} `json:"data"`
	Recipients []string    `json:"-"`
}

// Subscription is the client-controlled event filter. Clients send it
// as a JSON frame on the socket at any time.
type Subscription struct {
	AllEvents  bool        `json:"allEvents"`
	EventTypes []EventType `json:"eventTypes"`
}

func (s Subscription) wants(t EventType) bool {
	if s.AllEvents || len(s.EventTypes) == 0 {
		return true
	}
	for _, et := range s.EventTypes {
		if et == t {
			return true
		}
	}
	return false
}

// MaxClients caps concurrent WebSocket connections.
const MaxClients = 10000

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	readLimit    = 512 * 1024
	sendBuffer   = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients send no Origin.
			return true
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

var expectedCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// Client is one WebSocket connection bound to an authenticated user.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string

	mu  sync.RWMutex
	sub Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

// Hub owns all WebSocket connections and fans events out to them.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	events     chan *Event
	joins      chan *Client
	leaves     chan *Client
	logger     *slog.Logger
	stopped    chan struct{} // closed when Run exits; blocks late upgrades
	maxClients int

	eventCount atomic.Int64
	joinCount  atomic.Int64
	peak       atomic.Int64
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		events:     make(chan *Event, 256),
		joins:      make(chan *Client),
		leaves:     make(chan *Client),
		logger:     logger,
		stopped:    make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run drives the hub until ctx is cancelled. Exactly one Run per Hub.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.stopped)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("realtime hub stopped")
			return
		case c := <-h.joins:
			h.add(c)
		case c := <-h.leaves:
			h.remove(c)
		case e := <-h.events:
			h.fanOut(e)
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	n := int64(len(h.clients))
	h.mu.Unlock()

	h.joinCount.Add(1)
	if n > h.peak.Load() {
		h.peak.Store(n)
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Info("client connected", "user_id", c.userID, "total", n)
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Info("client disconnected", "user_id", c.userID, "total", n)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		close(c.send) // writePump sends the close frame
		delete(h.clients, c)
	}
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(0)
}

// fanOut delivers an event to every addressed client. Clients whose
// send buffer is full are dropped rather than allowed to stall the
// loop.
func (h *Hub) fanOut(e *Event) {
	h.eventCount.Add(1)
	payload, _ := json.Marshal(e)

	var stalled []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !addressedTo(e, c.userID) || !c.subscription().wants(e.Type) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			stalled = append(stalled, c)
		}
	}
	h.mu.RUnlock()

	if len(stalled) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range stalled {
		if _, ok := h.clients[c]; ok {
			close(c.send)
			delete(h.clients, c)
		}
	}
	h.mu.Unlock()
}

func addressedTo(e *Event, userID string) bool {
	if len(e.Recipients) == 0 {
		return true
	}
	for _, id := range e.Recipients {
		if id == userID {
			return true
		}
	}
	return false
}

// Broadcast queues an event for delivery. Never blocks; the event is
// dropped if the queue is full.
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.events <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event")
	}
}

// SendToUsers queues an event addressed to the given users only.
func (h *Hub) SendToUsers(eventType EventType, data interface{}, userIDs ...string) {
	h.Broadcast(&Event{
		Type:       eventType,
		Timestamp:  time.Now(),
		Data:       data,
		Recipients: userIDs,
	})
}

// Stats reports connection and delivery counters.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	connected := len(h.clients)
	h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": connected,
		"totalEvents":      h.eventCount.Load(),
		"totalClients":     h.joinCount.Load(),
		"peakClients":      h.peak.Load(),
	}
}

// HandleWebSocket upgrades the request and registers the connection.
// The caller must have authenticated the request; userID is the owner
// of the connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, userID string) {
	select {
	case <-h.stopped:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		userID: userID,
		sub:    Subscription{AllEvents: true},
	}
	h.joins <- c

	go c.writePump()
	go c.readPump()
}

// readPump consumes inbound frames. The only meaningful inbound data
// is a Subscription update; everything else keeps the read deadline
// fresh.
func (c *Client) readPump() {
	defer func() {
		c.hub.leaves <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, expectedCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		var sub Subscription
		if json.Unmarshal(frame, &sub) == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump pushes queued events and keepalive pings to the socket.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
