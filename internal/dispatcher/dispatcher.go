// Package dispatcher implements the Streaming Dispatcher (spec §4.D):
// the request-reply broker mediating between a connected client (over
// WebSocket or a fire-and-forget HTTP enqueue) and a dialogue worker
// reachable only over the bus.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"egogateway/internal/bus"
	"egogateway/internal/cache"
	"egogateway/internal/metrics"
	"egogateway/internal/models"
)

var (
	// ErrBadRequest means the request failed validation or the supplied
	// owner did not match the caller's identity.
	ErrBadRequest = errors.New("dispatcher: bad request")
	// ErrConflict means a StreamTicket is already active for this
	// (owner, conversation_id) pair (spec §4.D, at-most-one invariant).
	ErrConflict = errors.New("dispatcher: conflict")
	// ErrUnavailable means the bus rejected subscription or publish.
	ErrUnavailable = errors.New("dispatcher: unavailable")
	// ErrTimeout is returned by Run when the ticket's idle or total
	// deadline elapsed before a terminal chunk arrived.
	ErrTimeout = errors.New("dispatcher: timeout")
	// ErrCancelled is returned by Run when the sink closed or its
	// context ended before a terminal chunk arrived; Run returns it once
	// the drain ends, either at the terminal chunk or when the drain
	// window elapses.
	ErrCancelled = errors.New("dispatcher: cancelled")
)

// Sink forwards one wire payload to the connected client. Returning a
// non-nil error tells the Dispatcher the sink can no longer accept
// data (equivalent to the client having disconnected).
type Sink func(payload []byte) error

// Config carries the subjects and timers spec §5/§6 name.
type Config struct {
	RequestSubject     string
	RawMemorySubject   string
	IdleChunkTimeout   time.Duration
	TotalTicketTimeout time.Duration
	DrainTimeout       time.Duration
}

type registryKey struct {
	owner          string
	conversationID string
}

// Dispatcher owns the active-ticket registry and mediates all dispatch
// traffic. One Dispatcher is shared across every connection.
type Dispatcher struct {
	cfg      Config
	bus      bus.Bus
	cache    cache.Cache
	validate *validator.Validate
	metrics  *metrics.Tickets
	log      *slog.Logger

	mu     sync.Mutex
	active map[registryKey]*Ticket
	byID   map[string]*Ticket
}

// New builds a Dispatcher. ticketMetrics may be nil in tests.
func New(cfg Config, b bus.Bus, c cache.Cache, ticketMetrics *metrics.Tickets) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		bus:      b,
		cache:    c,
		validate: validator.New(),
		metrics:  ticketMetrics,
		log:      slog.With("component", "dispatcher"),
		active:   make(map[registryKey]*Ticket),
		byID:     make(map[string]*Ticket),
	}
}

// Admit runs spec §4.D steps 1-5: validation, ticket allocation,
// subscription-first, publish, and the hot-buffer/raw-memory mirror.
// It returns quickly so callers (WS edge, HTTP enqueue) can react to
// admission failures before deciding whether to stream at all.
func (d *Dispatcher) Admit(ctx context.Context, identity models.Identity, req models.ChatRequest) (*Ticket, error) {
	if d.bus == nil {
		return nil, fmt.Errorf("%w: bus not configured", ErrUnavailable)
	}
	if err := d.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	owner := req.Owner
	if owner == "" {
		owner = identity.Subject
	} else if owner != identity.Subject {
		return nil, fmt.Errorf("%w: owner does not match caller", ErrBadRequest)
	}

	key := registryKey{owner: owner, conversationID: req.ConversationID}
	now := time.Now()

	d.mu.Lock()
	if _, exists := d.active[key]; exists {
		d.mu.Unlock()
		if d.metrics != nil {
			d.metrics.ConflictInc()
		}
		return nil, ErrConflict
	}
	ticketID := uuid.NewString()
	replySubject := "chat.reply." + ticketID
	ackSubject := "chat.ack." + ticketID
	ticket := newTicket(ticketID, replySubject, ackSubject, owner, req.ConversationID, req.ModelID, req.Text, now)
	d.active[key] = ticket
	d.byID[ticketID] = ticket
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.CreatedInc()
	}

	// Step 3: subscribe before publishing, so no worker reply can be
	// missed between admission and subscription.
	replySub, err := d.bus.Subscribe(replySubject, ticket.onMessage)
	if err != nil {
		d.discard(key, ticket)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	ticket.replySub = replySub

	// The ack subject is reserved for a future worker acknowledgement
	// protocol; it is subscribed with a no-op handler so workers can
	// publish to it without error, but nothing consumes it yet.
	if ackSub, err := d.bus.Subscribe(ackSubject, func(bus.Message) {}); err == nil {
		ticket.ackSub = ackSub
	}

	envelope := models.RequestEnvelope{
		ConversationID: req.ConversationID,
		Text:           req.Text,
		ModelID:        req.ModelID,
		Owner:          owner,
		TicketID:       ticketID,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		ticket.unsubscribeAll()
		d.discard(key, ticket)
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	headers := map[string]string{"Reply": replySubject, "Ack": ackSubject}
	if err := d.bus.Publish(d.cfg.RequestSubject, payload, headers); err != nil {
		ticket.unsubscribeAll()
		d.discard(key, ticket)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// Step 5: mirror the request. Failures here are logged, never fatal.
	if d.cache != nil {
		entry := models.HotBufferEntry{ConversationID: req.ConversationID, Role: models.RoleUser, Text: req.Text, Timestamp: now}
		if err := d.cache.AppendChunk(ctx, req.ConversationID, entry); err != nil {
			d.log.Warn("hot buffer append failed", "ticket", ticketID, "error", err)
		}
	}
	if err := d.bus.PublishStream(ctx, d.cfg.RawMemorySubject, payload); err != nil {
		d.log.Warn("raw-memory mirror failed", "ticket", ticketID, "error", err)
	}

	return ticket, nil
}

// discard removes a ticket that failed before it ever reached Run.
func (d *Dispatcher) discard(key registryKey, ticket *Ticket) {
	ticket.markRetired()
	d.mu.Lock()
	if cur, ok := d.active[key]; ok && cur == ticket {
		delete(d.active, key)
	}
	delete(d.byID, ticket.ID)
	d.mu.Unlock()
}

func (t *Ticket) unsubscribeAll() {
	if t.replySub != nil {
		_ = t.replySub.Unsubscribe()
	}
	if t.ackSub != nil {
		_ = t.ackSub.Unsubscribe()
	}
}

// Run executes spec §4.D steps 6-8: the relay loop, termination, and
// timeout/cancellation handling. It blocks until the ticket retires.
// ctx represents the client connection's lifetime; its cancellation is
// treated identically to the sink reporting closed.
func (d *Dispatcher) Run(ctx context.Context, ticket *Ticket, sink Sink) error {
	defer d.finalize(ticket)

	idle := time.NewTimer(d.cfg.IdleChunkTimeout)
	total := time.NewTimer(d.cfg.TotalTicketTimeout)
	defer idle.Stop()
	defer total.Stop()

	var drainC <-chan time.Time
	draining := false

	enterDrain := func() {
		if draining {
			return
		}
		draining = true
		ticket.markCancelled()
		drainC = time.After(d.cfg.DrainTimeout)
	}

	for {
		select {
		case chunk, ok := <-ticket.chunks:
			if !ok {
				return nil
			}
			resetTimer(idle, d.cfg.IdleChunkTimeout)

			if draining {
				if chunk.Terminal {
					if d.metrics != nil {
						d.metrics.CancelledInc()
					}
					return ErrCancelled
				}
				continue
			}

			if err := sink(chunk.Payload); err != nil {
				d.log.Warn("sink rejected chunk, draining", "ticket", ticket.ID, "error", err)
				enterDrain()
				continue
			}
			ticket.recordChunk(chunk)

			if chunk.Terminal {
				if chunk.IsError {
					if d.metrics != nil {
						d.metrics.CancelledInc()
					}
					return nil
				}
				d.completeNormally(context.Background(), ticket)
				return nil
			}

		case <-idle.C:
			d.timeoutTicket(ticket, sink)
			return ErrTimeout

		case <-total.C:
			d.timeoutTicket(ticket, sink)
			return ErrTimeout

		case <-ctx.Done():
			enterDrain()

		case <-drainC:
			if d.metrics != nil {
				d.metrics.CancelledInc()
			}
			return ErrCancelled
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (d *Dispatcher) completeNormally(ctx context.Context, ticket *Ticket) {
	responseText := ticket.ResponseText()
	if d.cache != nil {
		entry := models.HotBufferEntry{
			ConversationID: ticket.ConversationID,
			Role:           models.RoleAssistant,
			Text:           responseText,
			Timestamp:      time.Now(),
		}
		if err := d.cache.AppendChunk(ctx, ticket.ConversationID, entry); err != nil {
			d.log.Warn("hot buffer append failed", "ticket", ticket.ID, "error", err)
		}
	}

	record := models.RawMemoryRecord{
		ConversationID: ticket.ConversationID,
		Owner:          ticket.Owner,
		RequestText:    ticket.RequestText,
		ResponseText:   responseText,
		ModelID:        ticket.ModelID,
		SubmittedAt:    ticket.SubmittedAt,
		CompletedAt:    time.Now(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		d.log.Warn("raw memory record marshal failed", "ticket", ticket.ID, "error", err)
	} else if err := d.bus.PublishStream(ctx, d.cfg.RawMemorySubject, payload); err != nil {
		d.log.Warn("raw memory record publish failed", "ticket", ticket.ID, "error", err)
	}

	if d.metrics != nil {
		d.metrics.CompletedInc()
	}
}

func (d *Dispatcher) timeoutTicket(ticket *Ticket, sink Sink) {
	ticket.markCancelled()
	payload, _ := json.Marshal(models.ErrorFrame{Error: "timeout"})
	if err := sink(payload); err != nil {
		d.log.Warn("failed to deliver timeout frame", "ticket", ticket.ID, "error", err)
	}
	if d.metrics != nil {
		d.metrics.TimeoutInc()
	}
}

func (d *Dispatcher) finalize(ticket *Ticket) {
	ticket.markRetired()
	ticket.unsubscribeAll()

	key := registryKey{owner: ticket.Owner, conversationID: ticket.ConversationID}
	d.mu.Lock()
	if cur, ok := d.active[key]; ok && cur == ticket {
		delete(d.active, key)
	}
	delete(d.byID, ticket.ID)
	d.mu.Unlock()
}
