package mockserver

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thruflo/mpcwatch/internal/logging"
	"github.com/thruflo/mpcwatch/internal/stream"
)

const writeWait = 10 * time.Second

// client is one connected push channel. gorilla connections allow a
// single concurrent writer, so writes are serialized.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(f stream.Frame) error {
	data, err := f.Marshal()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// hub tracks connected channels and fans frames out to them.
type hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	logger  *logging.Logger
}

func newHub(logger *logging.Logger) *hub {
	return &hub{clients: make(map[*client]struct{}), logger: logger}
}

func (h *hub) add(conn *websocket.Conn) *client {
	c := &client{conn: conn}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("push client connected", "clients", n)
	return c
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		_ = c.conn.Close()
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast sends f to every client. Clients that cannot be written to
// are dropped.
func (h *hub) broadcast(f stream.Frame) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.send(f); err != nil {
			h.logger.Debug("dropping push client", "error", err)
			h.remove(c)
		}
	}
}

// close disconnects every client.
func (h *hub) close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for c := range clients {
		_ = c.conn.Close()
	}
}
