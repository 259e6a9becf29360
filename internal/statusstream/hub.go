// Package statusstream pushes live sandbox status frames to chat-UI
// clients over websockets. It reuses the same data the
// check_sandbox_status tool computes: instance state from the
// InstanceInspector plus per-session task counts from the registry.
// Closing a subscriber only detaches the feed -- it never cancels an
// in-flight execution.
package statusstream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sandbox-broker/internal/broker"
	"sandbox-broker/internal/logging"
	"sandbox-broker/internal/metrics"
	"sandbox-broker/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	defaultRefresh = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The status feed carries no secrets beyond what the status tool
	// already returns, and the broker fronts for a local chat UI.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Frame is one status push.
type Frame struct {
	Type      string                `json:"type"`
	SessionID string                `json:"sessionId"`
	Instance  broker.InstanceStatus `json:"instance"`
	TaskCount int                   `json:"taskCount"`
	Timestamp time.Time             `json:"timestamp"`
}

type client struct {
	conn      *websocket.Conn
	sessionID string
	send      chan Frame
}

// Hub owns the subscriber set and the periodic status poller.
type Hub struct {
	env      *broker.SandboxEnv
	registry *session.Registry
	refresh  time.Duration

	mu      sync.Mutex
	clients map[*client]bool

	cancel context.CancelFunc
}

// NewHub builds a Hub polling env's inspector every refresh interval
// (10s when zero).
func NewHub(env *broker.SandboxEnv, registry *session.Registry, refresh time.Duration) *Hub {
	if refresh <= 0 {
		refresh = defaultRefresh
	}
	return &Hub{
		env:      env,
		registry: registry,
		refresh:  refresh,
		clients:  make(map[*client]bool),
	}
}

// Run starts the poll/broadcast loop. Call once; Stop cancels it.
func (h *Hub) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	go func() {
		ticker := time.NewTicker(h.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.broadcast(ctx)
			}
		}
	}()
}

// Stop cancels the poll loop and closes every subscriber.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	metrics.Get().StatusSubscribersGauge.Set(0)
}

// broadcast polls status once and fans a frame out to every
// subscriber, tailored to each subscriber's session. A slow subscriber
// whose buffer is full is dropped rather than allowed to stall the
// loop.
func (h *Hub) broadcast(ctx context.Context) {
	h.mu.Lock()
	if len(h.clients) == 0 {
		h.mu.Unlock()
		return
	}
	subscribers := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		subscribers = append(subscribers, c)
	}
	h.mu.Unlock()

	status, err := h.env.Inspector().Status(ctx, h.env.Config().InstanceID)
	if err != nil {
		logging.L().Warn("status stream poll failed", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	for _, c := range subscribers {
		frame := Frame{
			Type:      "sandbox_status",
			SessionID: c.sessionID,
			Instance:  status,
			TaskCount: h.registry.GetOrCreate(c.sessionID).TaskCount,
			Timestamp: now,
		}
		select {
		case c.send <- frame:
		default:
			h.drop(c)
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	metrics.Get().StatusSubscribersGauge.Set(float64(len(h.clients)))
}

// Handler upgrades GET /v1/sessions/:sessionId/status/stream to a
// websocket subscription.
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logging.L().Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		cl := &client{
			conn:      conn,
			sessionID: c.Param("sessionId"),
			send:      make(chan Frame, 4),
		}

		h.mu.Lock()
		h.clients[cl] = true
		count := len(h.clients)
		h.mu.Unlock()
		metrics.Get().StatusSubscribersGauge.Set(float64(count))

		go h.writePump(cl)
		go h.readPump(cl)
	}
}

// writePump serializes frames and pings onto one connection.
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
			if err := c.conn.WriteJSON(frame); err != nil {
				h.drop(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(c)
				return
			}
		}
	}
}

// readPump discards inbound messages; the feed is one-way. Its only
// job is noticing the close handshake so the subscriber is dropped.
func (h *Hub) readPump(c *client) {
	defer h.drop(c)
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
