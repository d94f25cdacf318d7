// Package ws is the WebSocket transport: it terminates subscriber
// connections, keeps the registry in sync with them and implements the
// broadcaster's Sender.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/juju/clock"

	"github.com/charleschow/sports-stream/internal/broadcast"
	"github.com/charleschow/sports-stream/internal/events"
	"github.com/charleschow/sports-stream/internal/registry"
	"github.com/charleschow/sports-stream/internal/telemetry"
)

const (
	clientSendBuf   = 256
	writeDeadline   = 5 * time.Second
	pongWait        = 30 * time.Second
	pingInterval    = 20 * time.Second
	registryTimeout = 3 * time.Second
	maxRequestSize  = 64 << 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

var _ broadcast.Sender = (*Hub)(nil)
var _ broadcast.Evicter = (*Hub)(nil)

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{} // closed by readPump
	kick chan struct{} // closed by Evict / CloseAll

	kickOnce sync.Once
}

func (c *client) evict() {
	c.kickOnce.Do(func() { close(c.kick) })
}

// Hub owns every live subscriber socket. Each connection is registered in
// the registry for its lifetime and refreshed on every ping/pong.
type Hub struct {
	reg   registry.Registry
	ttl   time.Duration
	clock clock.Clock

	mu      sync.RWMutex
	clients map[string]*client
	wg      sync.WaitGroup
}

func NewHub(reg registry.Registry, ttl time.Duration, c clock.Clock) *Hub {
	if c == nil {
		c = clock.WallClock
	}
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &Hub{
		reg:     reg,
		ttl:     ttl,
		clock:   c,
		clients: make(map[string]*client),
	}
}

// Send queues msg on the connection's buffer. An id this hub does not hold
// belongs to another node sharing the registry and is reported as such. A
// closing connection is a permanent failure; a buffer that stays full until
// ctx expires is transient.
func (h *Hub) Send(ctx context.Context, connID string, msg events.BroadcastMessage) broadcast.DeliveryResult {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return broadcast.Elsewhere()
	}

	data := encodeFrame(Frame{Type: FrameEvent, Message: &msg})
	select {
	case <-c.done:
		return broadcast.Gone(errors.New("connection closing"))
	case <-c.kick:
		return broadcast.Gone(errors.New("connection evicted"))
	default:
	}

	select {
	case c.send <- data:
		return broadcast.Delivered()
	case <-c.done:
		return broadcast.Gone(errors.New("connection closing"))
	case <-ctx.Done():
		return broadcast.Transient(ctx.Err())
	}
}

// Evict closes a connection the broadcaster has given up on.
func (h *Hub) Evict(connID string) {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if ok {
		c.evict()
	}
}

// Len returns the number of open sockets.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades the request. Initial topics can be given as
// ?topics=a,b; clients can replace them later with a subscribe op.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		telemetry.Warnf("ws: upgrade failed: %v", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, clientSendBuf),
		done: make(chan struct{}),
		kick: make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	err = h.reg.AddConnection(ctx, c.id, h.clock.Now().Add(h.ttl))
	cancel()
	if err != nil {
		telemetry.Warnf("ws: register %s failed: %v", c.id, err)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "registry unavailable"))
		conn.Close()
		return
	}

	h.wg.Add(2)
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	telemetry.Metrics.ActiveConnections.Inc()
	telemetry.Infof("ws: client connected %s from %s", c.id, r.RemoteAddr)

	c.send <- encodeFrame(Frame{Type: FrameWelcome, ID: c.id})
	if raw := r.URL.Query().Get("topics"); raw != "" {
		h.subscribe(c, strings.Split(raw, ","))
	}

	go h.writePump(c)
	go h.readPump(c)
}

// writePump drains the send channel and owns the client lifecycle: on exit
// it unregisters the client and closes the socket.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		h.removeClient(c)
		c.conn.Close()
		h.wg.Done()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				telemetry.Warnf("ws: write error %s: %v", c.id, err)
				return
			}
		case <-c.done:
			return
		case <-c.kick:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles client ops and pongs. On exit it signals writePump via
// c.done (never closes c.send).
func (h *Hub) readPump(c *client) {
	defer func() {
		close(c.done)
		h.wg.Done()
	}()

	c.conn.SetReadLimit(maxRequestSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		h.refresh(c)
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			h.reply(c, Frame{Type: FrameError, Error: "malformed request"})
			continue
		}

		switch req.Op {
		case OpSubscribe:
			h.subscribe(c, req.Topics)
		case OpPing:
			h.refresh(c)
			h.reply(c, Frame{Type: FramePong})
		default:
			h.reply(c, Frame{Type: FrameError, Error: "unknown op " + req.Op})
		}
	}
}

func (h *Hub) subscribe(c *client, topics []string) {
	topics = registry.NormalizeTopics(topics)

	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	if err := h.reg.UpdateSubscriptions(ctx, c.id, topics); err != nil {
		telemetry.Warnf("ws: subscribe %s failed: %v", c.id, err)
		h.reply(c, Frame{Type: FrameError, Error: "subscribe failed"})
		return
	}
	h.reply(c, Frame{Type: FrameSubscribed, Topics: topics})
}

func (h *Hub) refresh(c *client) {
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	if err := h.reg.Refresh(ctx, c.id, h.clock.Now().Add(h.ttl)); err != nil {
		telemetry.Debugf("ws: refresh %s failed: %v", c.id, err)
	}
}

// reply never blocks the read loop: a client that does not drain its
// buffer loses control frames the same way it loses events.
func (h *Hub) reply(c *client, f Frame) {
	select {
	case c.send <- encodeFrame(f):
	default:
		telemetry.Warnf("ws: dropping %s frame for slow client %s", f.Type, c.id)
	}
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	telemetry.Metrics.ActiveConnections.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	if err := h.reg.RemoveConnection(ctx, c.id); err != nil {
		telemetry.Warnf("ws: unregister %s failed: %v", c.id, err)
	}
	telemetry.Infof("ws: client disconnected %s", c.id)
}

// CloseAll evicts every connection and waits for their pumps to exit.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	for _, c := range h.clients {
		c.evict()
	}
	h.mu.RUnlock()
	h.wg.Wait()
}
