// Package wsedge implements the WebSocket Edge (spec §4.E): the
// per-connection glue between a browser and the Streaming Dispatcher.
package wsedge

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Hub tracks every live connection so the process can say goodbye to
// all of them on shutdown (spec §4.E.5: server-initiated close sends
// 1001 Going Away). It does not route messages between connections;
// each Client talks to the Dispatcher directly.
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]struct{}
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*Client]struct{})}
}

// Register adds a connection to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

// Unregister removes a connection from the hub.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// Shutdown cancels every live connection's context (tearing down any
// in-flight StreamTickets per spec §4.D step 8) and sends a 1001 Going
// Away close frame to each socket.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.goingAway()
	}
}

func (c *Client) goingAway() {
	_ = c.writeControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), writeWait)
	c.cancel()
}

const writeWait = 10 * time.Second
