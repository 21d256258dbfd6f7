// Package hub tracks the foreground clients connected to the worker over
// websocket and moves protocol messages in both directions.
package hub

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/memohai/mxgate/internal/correlation"
	"github.com/memohai/mxgate/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
	sendQueueSize  = 32
)

var (
	// ErrClientClosed indicates the connection has gone away.
	ErrClientClosed = errors.New("client connection closed")
	// ErrSendQueueFull indicates the client is not draining its queue.
	ErrSendQueueFull = errors.New("client send queue full")
)

// Dispatcher receives every decoded message along with the id of the
// connection that delivered it.
type Dispatcher func(clientID string, msg protocol.Message)

// Hub is the registry of connected foreground clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		clients: map[string]*Client{},
		logger:  log.With(slog.String("component", "hub")),
	}
}

// Client is one connected foreground client.
type Client struct {
	id        string
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// PostMessage queues msg for delivery without blocking.
func (c *Client) PostMessage(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		return ErrSendQueueFull
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Serve registers conn under id, greets it with a hello message and pumps
// messages until the connection drops. It blocks for the connection lifetime.
// A connection already registered under id is closed and replaced, so a
// client reconnecting over a half-open socket takes over immediately.
func (h *Hub) Serve(id string, conn *websocket.Conn, dispatch Dispatcher) error {
	c := &Client{
		id:   id,
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	stale := h.clients[id]
	h.clients[id] = c
	count := len(h.clients)
	h.mu.Unlock()
	if stale != nil {
		stale.close()
		h.logger.Warn("client replaced by new connection", slog.String("client_id", id))
	}
	h.logger.Info("client connected", slog.String("client_id", id), slog.Int("clients", count))

	if err := c.PostMessage(protocol.Hello{ClientID: id}); err != nil {
		h.logger.Warn("queue hello failed", slog.String("client_id", id), slog.Any("error", err))
	}
	go c.writePump()
	c.readPump(dispatch)
	return nil
}

// Get returns the client connected under id.
func (h *Hub) Get(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

// Lookup returns the client connected under id as a correlation.Messenger.
func (h *Hub) Lookup(id string) (correlation.Messenger, bool) {
	c, ok := h.Get(id)
	if !ok {
		return nil, false
	}
	return c, true
}

// Len reports how many clients are connected.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if current, ok := h.clients[c.id]; ok && current == c {
		delete(h.clients, c.id)
	}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("client disconnected", slog.String("client_id", c.id), slog.Int("clients", count))
}

func (c *Client) readPump(dispatch Dispatcher) {
	defer func() {
		c.hub.remove(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("client read failed", slog.String("client_id", c.id), slog.Any("error", err))
			}
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.hub.logger.Debug("drop client frame", slog.String("client_id", c.id), slog.Any("error", err))
			continue
		}
		if dispatch != nil {
			dispatch(c.id, msg)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.hub.logger.Warn("client write failed", slog.String("client_id", c.id), slog.Any("error", err))
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
