// Package events fans queue status, per-task progress, and notifications out
// to connected WebSocket clients.
package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	// ProgressJump is the percentage-point delta that forces a broadcast
	// regardless of the interval gate.
	ProgressJump = 10.0
)

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type progressPayload struct {
	BookID   string  `json:"book_id"`
	Progress float64 `json:"progress"`
	Status   string  `json:"status"`
}

type notificationPayload struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type progressMark struct {
	value float64
	at    time.Time
}

// Hub owns the client set and the progress throttle state.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// Snapshot produces the grouped queue snapshot sent on status updates
	// and request_status messages.
	Snapshot func() any
	// OnFirstConnect fires asynchronously on the 0 -> 1 transition.
	OnFirstConnect func()
	// OnAllDisconnect fires asynchronously on the N -> 0 transition.
	OnAllDisconnect func()

	interval time.Duration
	limiter  *rate.Limiter
	now      func() time.Time

	mu       sync.Mutex
	clients  map[*client]struct{}
	progress map[string]progressMark
}

// NewHub builds the hub. interval is the minimum gap between progress
// broadcasts for one task outside the always-send bands.
func NewHub(logger *slog.Logger, interval time.Duration) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(time.Second), 5),
		now:      time.Now,
		clients:  make(map[*client]struct{}),
		progress: make(map[string]progressMark),
	}
}

// SetClock replaces the throttle clock (for testing).
func (h *Hub) SetClock(now func() time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = now
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS upgrades the request and runs the client's pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, 64)}
	h.register(c)

	go c.writePump()
	go c.readPump()

	// Greet the new client with the current snapshot.
	h.sendSnapshotTo(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	first := len(h.clients) == 1
	h.mu.Unlock()

	if first && h.OnFirstConnect != nil {
		go h.OnFirstConnect()
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	last := ok && len(h.clients) == 0
	h.mu.Unlock()

	if last && h.OnAllDisconnect != nil {
		go h.OnAllDisconnect()
	}
}

// BroadcastStatus sends the full grouped snapshot to every client.
func (h *Hub) BroadcastStatus() {
	if h.Snapshot == nil {
		return
	}
	h.broadcast(envelope{Type: "status_update", Data: h.Snapshot()})
}

// BroadcastProgress sends a task's progress if the throttle admits it:
// ≤1% (start), ≥99% (completion), the interval elapsed, or a jump of
// ProgressJump points. Returns whether the update was broadcast.
func (h *Hub) BroadcastProgress(taskID string, pct float64, status string) bool {
	h.mu.Lock()
	last, seen := h.progress[taskID]
	now := h.now()
	send := pct <= 1 || pct >= 99 ||
		!seen || now.Sub(last.at) >= h.interval || pct-last.value >= ProgressJump
	if send {
		h.progress[taskID] = progressMark{value: pct, at: now}
	}
	h.mu.Unlock()

	if !send {
		return false
	}
	h.broadcast(envelope{Type: "download_progress", Data: progressPayload{
		BookID:   taskID,
		Progress: pct,
		Status:   status,
	}})
	return true
}

// ForgetProgress drops a finished task's throttle state.
func (h *Hub) ForgetProgress(taskID string) {
	h.mu.Lock()
	delete(h.progress, taskID)
	h.mu.Unlock()
}

// Notify implements the logger's notifier hook: WARN+ log records become
// notification events. Bursts beyond the limiter are dropped.
func (h *Hub) Notify(message, level string) {
	if !h.limiter.Allow() {
		return
	}
	h.broadcast(envelope{Type: "notification", Data: notificationPayload{
		Message: message,
		Type:    level,
	}})
}

func (h *Hub) broadcast(e envelope) {
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			// Slow client: drop the message rather than block the hub.
		}
	}
}

func (h *Hub) sendSnapshotTo(c *client) {
	if h.Snapshot == nil {
		return
	}
	payload, err := json.Marshal(envelope{Type: "status_update", Data: h.Snapshot()})
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(raw, &msg) != nil {
			continue
		}
		if msg.Type == "request_status" {
			c.hub.sendSnapshotTo(c)
		}
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
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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
