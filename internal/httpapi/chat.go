package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alitto/pond"

	"egogateway/internal/dispatcher"
	"egogateway/internal/models"
)

// ChatHandler exposes the HTTP enqueue alternative surface (spec
// §4.E "HTTP enqueue endpoint"): POST /chat admits a ChatRequest
// through the Dispatcher and returns immediately, running the relay
// fire-and-forget on a bounded worker pool rather than blocking the
// HTTP response on the full stream.
type ChatHandler struct {
	dispatcher *dispatcher.Dispatcher
	pool       *pond.WorkerPool
	log        *slog.Logger
}

// NewChatHandler builds a ChatHandler backed by a small bounded pool;
// each task just runs one Dispatcher.Run call to completion.
func NewChatHandler(d *dispatcher.Dispatcher) *ChatHandler {
	return &ChatHandler{
		dispatcher: d,
		pool:       pond.New(32, 256, pond.MinWorkers(4), pond.IdleTimeout(30*time.Second)),
		log:        slog.With("component", "httpapi"),
	}
}

// Shutdown drains in-flight enqueue tasks before the process exits.
func (h *ChatHandler) Shutdown() {
	h.pool.StopAndWait()
}

// HandleEnqueue implements POST /chat (spec §6).
func (h *ChatHandler) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var frame models.HTTPEnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&frame); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if frame.Msg == "" {
		writeError(w, http.StatusBadRequest, "msg must not be empty")
		return
	}

	req := models.ChatRequest{
		ConversationID: frame.RoomID,
		Text:           frame.Msg,
		ModelID:        frame.Model,
		Owner:          identity.Subject,
		SubmittedAt:    time.Now(),
	}

	// Admission runs synchronously so the caller learns about a
	// Conflict or an Unavailable bus before getting a 202.
	ticket, err := h.dispatcher.Admit(r.Context(), identity, req)
	if err != nil {
		switch {
		case errors.Is(err, dispatcher.ErrConflict):
			writeError(w, http.StatusConflict, "conflict")
		case errors.Is(err, dispatcher.ErrUnavailable):
			writeError(w, http.StatusServiceUnavailable, "unavailable")
		default:
			writeError(w, http.StatusBadRequest, "bad request")
		}
		return
	}

	// The relay itself is detached from the request context: the HTTP
	// response is about to be written and its context will be
	// cancelled, but the stream must keep running to populate the hot
	// buffer and raw-memory record (spec §4.E "fire-and-forget").
	h.pool.Submit(func() {
		noopSink := func([]byte) error { return nil }
		if runErr := h.dispatcher.Run(context.Background(), ticket, noopSink); runErr != nil {
			h.log.Warn("fire-and-forget dispatch ended with error", "ticket", ticket.ID, "error", runErr)
		}
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "queued", "id": ticket.ID})
}
