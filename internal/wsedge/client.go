package wsedge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"egogateway/internal/config"
	"egogateway/internal/dispatcher"
	"egogateway/internal/models"
)

const maxMessageSize = 1 << 20 // 1 MiB; a single chat message has no business being larger.

// Client is the middleman between one WebSocket connection and the
// Dispatcher. Unlike the hub/client split this package is adapted
// from, a Client here talks straight to the Dispatcher: there is no
// cross-connection fan-out in this protocol (spec §2 data flow).
type Client struct {
	conn       *websocket.Conn
	identity   models.Identity
	dispatcher *dispatcher.Dispatcher
	validate   *validator.Validate
	cfg        *config.AppConfig
	log        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	sendCh chan []byte

	writeMu sync.Mutex
}

func newClient(conn *websocket.Conn, identity models.Identity, d *dispatcher.Dispatcher, validate *validator.Validate, cfg *config.AppConfig) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		conn:       conn,
		identity:   identity,
		dispatcher: d,
		validate:   validate,
		cfg:        cfg,
		log:        slog.With("component", "wsedge", "subject", identity.Subject),
		ctx:        ctx,
		cancel:     cancel,
		sendCh:     make(chan []byte, 2048),
	}
}

// ReadPump pumps inbound frames until the connection closes, then
// cancels every StreamTicket this connection started (spec §4.E.5).
// It blocks; callers run it directly, not as a goroutine, so that the
// caller can unregister the client once it returns.
func (c *Client) ReadPump() {
	defer c.cancel()

	c.conn.SetReadLimit(maxMessageSize)
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read error", "error", err)
			}
			return
		}

		if len(message) == 0 {
			continue // spec §4.E.2: empty frame is a keepalive, ignored
		}

		var frame models.InboundFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.log.Warn("ignoring non-JSON frame", "error", err)
			continue
		}
		if frame.Msg == "" {
			c.sendError("bad request: msg must not be empty")
			continue
		}

		req := models.ChatRequest{
			ConversationID: frame.RoomID,
			Text:           frame.Msg,
			ModelID:        frame.Model,
			Owner:          c.identity.Subject,
			SubmittedAt:    time.Now(),
		}
		// Concurrent across distinct conversation_ids on this socket;
		// the Conflict rule in the Dispatcher's admission step prevents
		// overlapping dispatches for the same one (spec §4.E.2).
		go c.dispatch(req)
	}
}

func (c *Client) dispatch(req models.ChatRequest) {
	ticket, err := c.dispatcher.Admit(c.ctx, c.identity, req)
	if err != nil {
		c.sendError(errorReason(err))
		return
	}
	_ = c.dispatcher.Run(c.ctx, ticket, c.sink)
}

// sink is the capability handed to the Dispatcher (spec §4.D public
// contract). It never blocks past the connection's lifetime.
func (c *Client) sink(payload []byte) error {
	select {
	case c.sendCh <- payload:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

func (c *Client) sendError(reason string) {
	payload, err := json.Marshal(models.ErrorFrame{Error: reason})
	if err != nil {
		return
	}
	_ = c.sink(payload)
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, dispatcher.ErrConflict):
		return "conflict"
	case errors.Is(err, dispatcher.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, dispatcher.ErrBadRequest):
		return "bad request"
	default:
		return "internal"
	}
}

// WritePump serializes every outbound write for this socket (spec
// §4.E.3) and sends an empty keepalive frame on the configured
// interval (spec §4.E.4). It returns when the connection's context is
// cancelled or a write fails.
func (c *Client) WritePump() {
	keepalive := c.cfg.WSKeepAlive
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case payload := <-c.sendCh:
			if err := c.writeMessage(websocket.TextMessage, payload); err != nil {
				c.log.Warn("websocket write failed", "error", err)
				c.cancel()
				return
			}
		case <-ticker.C:
			if err := c.writeMessage(websocket.TextMessage, []byte{}); err != nil {
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) writeMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

func (c *Client) writeControl(messageType int, data []byte, deadline time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(messageType, data, time.Now().Add(deadline))
}
