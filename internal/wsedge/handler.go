package wsedge

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"egogateway/internal/authn"
	"egogateway/internal/config"
	"egogateway/internal/dispatcher"
)

// Handler upgrades HTTP requests to WebSocket connections and wires
// each one to the Dispatcher (spec §4.E.1).
type Handler struct {
	hub        *Hub
	dispatcher *dispatcher.Dispatcher
	verifier   *authn.Verifier
	validate   *validator.Validate
	cfg        *config.AppConfig
	upgrader   websocket.Upgrader
	log        *slog.Logger
}

// NewHandler builds a Handler whose CheckOrigin only allows the
// configured CORS origins (spec §6, CORS_ALLOWED_ORIGINS reused here
// since both concerns gate the same browser-origin trust boundary).
func NewHandler(hub *Hub, d *dispatcher.Dispatcher, verifier *authn.Verifier, validate *validator.Validate, cfg *config.AppConfig) *Handler {
	allowed := strings.Split(cfg.CORSAllowedOrigins, ",")
	for i := range allowed {
		allowed[i] = strings.TrimSpace(allowed[i])
	}

	h := &Handler{
		hub:        hub,
		dispatcher: d,
		verifier:   verifier,
		validate:   validate,
		cfg:        cfg,
		log:        slog.With("component", "wsedge"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			originURL, err := url.Parse(origin)
			if err != nil {
				return false
			}
			for _, candidate := range allowed {
				if strings.EqualFold(candidate, origin) || strings.EqualFold(candidate, originURL.Hostname()) {
					return true
				}
			}
			h.log.Warn("rejected websocket upgrade from disallowed origin", "origin", origin)
			return false
		},
	}
	return h
}

// ServeWS implements spec §4.E.1: upgrade, authenticate via the query
// token, and on success start the read/write pumps.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	identity, err := h.verifier.VerifyWS(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthenticated"), deadline)
		conn.Close()
		return
	}

	client := newClient(conn, identity, h.dispatcher, h.validate, h.cfg)
	h.hub.Register(client)
	go client.WritePump()
	client.ReadPump()
	h.hub.Unregister(client)
}
