// Package server exposes the notebook engine over HTTP: a REST surface
// for appending events and reading the projection, and a websocket
// stream of committed events per notebook.
package server

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/roach88/quill/internal/event"
)

const outboundBufferSize = 64

// client is one websocket subscriber, pinned to a single notebook.
type client struct {
	id         string
	notebookID string
	conn       *websocket.Conn
	send       chan event.Envelope
	closeOnce  sync.Once
}

func newClient(id, notebookID string, conn *websocket.Conn) *client {
	return &client{
		id:         id,
		notebookID: notebookID,
		conn:       conn,
		send:       make(chan event.Envelope, outboundBufferSize),
	}
}

// queue hands an envelope to the client's writer without blocking.
// A false return means the client is too slow to keep.
func (c *client) queue(env event.Envelope) bool {
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

func (c *client) writeLoop() {
	for env := range c.send {
		if err := c.conn.WriteJSON(env); err != nil {
			return
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
		close(c.send)
	})
}

// Sink receives every committed envelope; the in-process agent attaches
// itself as one.
type Sink interface {
	Broadcast(env event.Envelope)
}

// Hub fans committed events out to websocket subscribers and attached
// sinks. It is the engine's broadcaster; Broadcast is called from the
// engine's single writer goroutine and must never block it, so slow
// websocket clients are dropped rather than waited on.
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[string]*client
	sinks   []Sink
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log, clients: make(map[string]*client)}
}

// Attach adds a sink that sees every committed envelope. Attach before
// the engine starts; sinks are never detached.
func (h *Hub) Attach(s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks = append(h.sinks, s)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	h.mu.Unlock()

	if ok {
		c.close()
	}
}

// Broadcast delivers one committed envelope to every attached sink and
// every subscriber of the envelope's notebook.
func (h *Hub) Broadcast(env event.Envelope) {
	h.mu.RLock()
	sinks := append([]Sink(nil), h.sinks...)
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.notebookID == env.NotebookID {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	for _, s := range sinks {
		s.Broadcast(env)
	}
	for _, c := range clients {
		if c.queue(env) {
			continue
		}
		h.log.Warn("dropping slow websocket client",
			"client", c.id, "notebook", c.notebookID)
		h.unregister(c.id)
	}
}
