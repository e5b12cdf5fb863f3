// Package notify pushes execution progress to connected websocket observers.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/contrib/websocket"

	"github.com/runwarden/runwarden/internal/events"
	"github.com/runwarden/runwarden/internal/model"
)

type MessageType string

const (
	MsgConnected         MessageType = "connected"
	MsgPing              MessageType = "ping"
	MsgPong              MessageType = "pong"
	MsgExecutionStart    MessageType = "execution:start"
	MsgExecutionProgress MessageType = "execution:progress"
	MsgExecutionComplete MessageType = "execution:complete"
	MsgExecutionError    MessageType = "execution:error"
	MsgBatchComplete     MessageType = "batch:complete"
)

type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data,omitempty"`
}

// ExecutionData is the payload of execution:* messages. Line is set for
// progress messages only.
type ExecutionData struct {
	model.ExecutionResult
	Line string `json:"line,omitempty"`
}

const (
	// DefaultQueueSize is the number of messages buffered per observer.
	DefaultQueueSize = 256
	// DefaultWriteTimeout bounds a single websocket write.
	DefaultWriteTimeout = 10 * time.Second
)

var errQueueFull = errors.New("observer queue is full")

// Conn is the part of a websocket connection the hub uses. Close must unblock
// a pending WriteMessage.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// write deadlines are set when the connection supports them
type deadliner interface {
	SetWriteDeadline(t time.Time) error
}

type outbound struct {
	typ  int
	data []byte
}

// client owns the outbound queue of one connection. Only its writer
// goroutine writes to conn.
type client struct {
	conn Conn
	send chan outbound
	done chan struct{}
	stop sync.Once
}

// enqueue never blocks. It reports false once the queue is full or the client
// is stopped.
func (c *client) enqueue(typ int, data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- outbound{typ: typ, data: data}:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.stop.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Hub keeps the set of connected observers. Broadcasting never waits for an
// observer: each one has a bounded queue drained by its own goroutine, and an
// observer that falls behind is disconnected.
type Hub struct {
	mx           sync.RWMutex
	clients      map[Conn]*client
	now          func() time.Time
	queueSize    int
	writeTimeout time.Duration
}

func NewHub() *Hub {
	return &Hub{
		clients:      make(map[Conn]*client),
		now:          func() time.Time { return time.Now().UTC() },
		queueSize:    DefaultQueueSize,
		writeTimeout: DefaultWriteTimeout,
	}
}

// WithQueueSize changes the per observer queue. It must be called before
// any observer registers.
func (h *Hub) WithQueueSize(n int) *Hub {
	if n > 0 {
		h.queueSize = n
	}
	return h
}

// WithWriteTimeout changes the deadline of a single write.
func (h *Hub) WithWriteTimeout(d time.Duration) *Hub {
	if d > 0 {
		h.writeTimeout = d
	}
	return h
}

func (h *Hub) Register(conn Conn) {
	h.register(conn)
}

func (h *Hub) register(conn Conn) *client {
	h.mx.Lock()
	defer h.mx.Unlock()
	if c, ok := h.clients[conn]; ok {
		return c
	}
	c := &client{
		conn: conn,
		send: make(chan outbound, h.queueSize),
		done: make(chan struct{}),
	}
	h.clients[conn] = c
	go h.writePump(c)
	return c
}

// Unregister forgets conn and closes it.
func (h *Hub) Unregister(conn Conn) {
	h.mx.Lock()
	c, ok := h.clients[conn]
	delete(h.clients, conn)
	h.mx.Unlock()
	if ok {
		c.close()
	}
}

func (h *Hub) drop(c *client) {
	h.mx.Lock()
	if h.clients[c.conn] == c {
		delete(h.clients, c.conn)
	}
	h.mx.Unlock()
	c.close()
}

// Count returns the number of connected observers.
func (h *Hub) Count() int {
	h.mx.RLock()
	defer h.mx.RUnlock()
	return len(h.clients)
}

func (h *Hub) writePump(c *client) {
	for {
		select {
		case <-c.done:
			return
		case m := <-c.send:
			if d, ok := c.conn.(deadliner); ok {
				_ = d.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			}
			if err := c.conn.WriteMessage(m.typ, m.data); err != nil {
				slog.Debug("dropping observer", "error", err)
				h.drop(c)
				return
			}
		}
	}
}

// Broadcast queues msg for every observer and returns without waiting for
// the writes. An observer whose queue is full is disconnected; the others
// still receive the message.
func (h *Hub) Broadcast(ctx context.Context, msg Message) {
	h.mx.RLock()
	if len(h.clients) == 0 {
		h.mx.RUnlock()
		return
	}
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mx.RUnlock()

	if msg.Timestamp.IsZero() {
		msg.Timestamp = h.now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		slog.ErrorContext(ctx, "encoding notification", "type", msg.Type, "error", err)
		return
	}

	for _, c := range clients {
		if !c.enqueue(websocket.TextMessage, data) {
			slog.WarnContext(ctx, "dropping slow observer", "type", msg.Type)
			h.drop(c)
		}
	}
}

// HandleEvent implements events.Subscriber.
func (h *Hub) HandleEvent(ctx context.Context, e events.Event) {
	var typ MessageType
	switch e.Kind {
	case events.KindStart:
		typ = MsgExecutionStart
	case events.KindProgress:
		typ = MsgExecutionProgress
	case events.KindComplete:
		typ = MsgExecutionComplete
	case events.KindError:
		typ = MsgExecutionError
	default:
		return
	}
	h.Broadcast(ctx, Message{
		Type:      typ,
		Timestamp: e.Timestamp,
		Data:      ExecutionData{ExecutionResult: e.Result, Line: e.Line},
	})
}

// BatchComplete announces a finished batch.
func (h *Hub) BatchComplete(ctx context.Context, res model.BatchResult) {
	h.Broadcast(ctx, Message{Type: MsgBatchComplete, Data: res})
}

// Serve registers conn, acknowledges it and answers pings until the
// connection fails. It blocks for the lifetime of the connection.
func (h *Hub) Serve(ctx context.Context, conn Conn) {
	c := h.register(conn)
	defer h.Unregister(conn)

	if err := h.send(c, Message{Type: MsgConnected}); err != nil {
		slog.DebugContext(ctx, "acknowledging observer", "error", err)
		return
	}
	slog.DebugContext(ctx, "observer connected", "observers", h.Count())

	for {
		messageType, raw, err := conn.ReadMessage()
		if err != nil {
			slog.DebugContext(ctx, "observer disconnected", "error", err)
			return
		}
		switch messageType {
		case websocket.PingMessage:
			if !c.enqueue(websocket.PongMessage, nil) {
				return
			}
		case websocket.TextMessage:
			var msg Message
			if err := json.Unmarshal(raw, &msg); err == nil && msg.Type == MsgPing {
				if err := h.send(c, Message{Type: MsgPong}); err != nil {
					return
				}
			}
		}
	}
}

func (h *Hub) send(c *client, msg Message) error {
	msg.Timestamp = h.now()
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if !c.enqueue(websocket.TextMessage, data) {
		return errQueueFull
	}
	return nil
}

// Close disconnects every observer.
func (h *Hub) Close() {
	h.mx.Lock()
	clients := h.clients
	h.clients = make(map[Conn]*client)
	h.mx.Unlock()
	for _, c := range clients {
		c.close()
	}
}
