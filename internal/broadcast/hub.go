package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/roach88/changesync/internal/ir"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	// DefaultSendBuffer is the number of messages queued per connection
	// before it is considered too slow and dropped.
	DefaultSendBuffer = 64
)

// Authorizer decides whether actor may follow scope.
type Authorizer interface {
	AuthorizeRead(ctx context.Context, actor string, scope ir.Scope) error
}

// Hub is the websocket side of the broadcaster: connections subscribe to
// topics and receive the messages published there.
type Hub struct {
	authz      Authorizer
	sendBuffer int
	upgrader   websocket.Upgrader

	// topic -> connection id -> connection
	topics  *xsync.MapOf[string, *xsync.MapOf[string, *client]]
	clients *xsync.MapOf[string, *client]
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithSendBuffer sets the per-connection queue length.
func WithSendBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// WithCheckOrigin overrides the upgrader's origin check.
func WithCheckOrigin(fn func(*http.Request) bool) HubOption {
	return func(h *Hub) { h.upgrader.CheckOrigin = fn }
}

// NewHub returns a Hub that checks subscriptions with authz.
func NewHub(authz Authorizer, opts ...HubOption) *Hub {
	h := &Hub{
		authz:      authz,
		sendBuffer: DefaultSendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		topics:  xsync.NewMapOf[string, *xsync.MapOf[string, *client]](),
		clients: xsync.NewMapOf[string, *client](),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish implements Publisher. Connections whose buffer is full are
// disconnected rather than blocking the publisher. Channel subscribers are
// re-authorized on every delivery: a subscription granted while the channel
// did not exist yet, or before a role was revoked, is dropped here.
func (h *Hub) Publish(topic string, data []byte) int {
	subs, ok := h.topics.Load(topic)
	if !ok {
		return 0
	}
	scope, err := ir.ParseScopeKey(topic)
	recheck := err == nil && scope.IsChannel()

	n := 0
	subs.Range(func(id string, c *client) bool {
		if recheck && !h.mayRead(c, scope) {
			subs.Delete(id)
			revoked.Inc()
			return true
		}
		if c.enqueue(data) {
			n++
		} else {
			drops.Inc()
			slog.Warn("dropping slow subscriber", "conn", c.id, "actor", c.actor)
		}
		return true
	})
	deliveries.Add(float64(n))
	return n
}

func (h *Hub) mayRead(c *client, scope ir.Scope) bool {
	err := h.authz.AuthorizeRead(context.Background(), c.actor, scope)
	if err != nil {
		slog.Info("subscription revoked", "conn", c.id, "actor", c.actor, "topic", scope.Key(), "error", err)
		return false
	}
	return true
}

// Subscribers returns the number of connections following topic.
func (h *Hub) Subscribers(topic string) int {
	subs, ok := h.topics.Load(topic)
	if !ok {
		return 0
	}
	return subs.Size()
}

// Serve upgrades the request and runs the connection for an authenticated
// actor until it disconnects. The actor is subscribed to its own topic.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, actor string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "actor", actor, "error", err)
		return
	}

	c := &client{
		id:     uuid.NewString(),
		actor:  actor,
		conn:   conn,
		send:   make(chan []byte, h.sendBuffer),
		topics: map[string]bool{},
	}
	h.clients.Store(c.id, c)
	connections.Inc()
	h.subscribe(c, UserTopic(actor))
	slog.Info("websocket connected", "conn", c.id, "actor", actor)

	go c.writePump()
	h.readPump(r.Context(), c)
}

// Close disconnects every connection.
func (h *Hub) Close() {
	h.clients.Range(func(_ string, c *client) bool {
		c.close()
		return true
	})
}

func (h *Hub) subscribe(c *client, topic string) {
	subs, _ := h.topics.LoadOrCompute(topic, func() *xsync.MapOf[string, *client] {
		return xsync.NewMapOf[string, *client]()
	})
	subs.Store(c.id, c)
	c.topics[topic] = true
}

func (h *Hub) unsubscribe(c *client, topic string) {
	if subs, ok := h.topics.Load(topic); ok {
		subs.Delete(c.id)
	}
	delete(c.topics, topic)
}

func (h *Hub) unregister(c *client) {
	for topic := range c.topics {
		h.unsubscribe(c, topic)
	}
	if _, ok := h.clients.LoadAndDelete(c.id); ok {
		connections.Dec()
	}
	c.close()
	slog.Info("websocket disconnected", "conn", c.id, "actor", c.actor)
}

type request struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

type reply struct {
	Action    string   `json:"action"`
	Topics    []string `json:"topics,omitempty"`
	Denied    []string `json:"denied,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

func (h *Hub) readPump(ctx context.Context, c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read", "conn", c.id, "error", err)
			}
			return
		}

		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			slog.Debug("invalid websocket message", "conn", c.id, "error", err)
			continue
		}

		switch req.Action {
		case "subscribe":
			var granted, denied []string
			for _, topic := range req.Topics {
				scope, err := ir.ParseScopeKey(topic)
				if err == nil {
					err = h.authz.AuthorizeRead(ctx, c.actor, scope)
				}
				if err != nil {
					denied = append(denied, topic)
					continue
				}
				h.subscribe(c, topic)
				granted = append(granted, topic)
			}
			c.reply(reply{Action: "subscribe_ack", Topics: granted, Denied: denied})
		case "unsubscribe":
			for _, topic := range req.Topics {
				if topic == UserTopic(c.actor) {
					continue
				}
				h.unsubscribe(c, topic)
			}
			c.reply(reply{Action: "unsubscribe_ack", Topics: req.Topics})
		case "ping":
			c.reply(reply{Action: "pong"})
		}
	}
}

type client struct {
	id    string
	actor string
	conn  *websocket.Conn

	// topics is owned by the read pump.
	topics map[string]bool

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

func (c *client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.closed = true
		close(c.send)
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) reply(r reply) {
	r.Timestamp = time.Now().Unix()
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
