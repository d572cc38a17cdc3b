package dispatcher

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"egogateway/internal/bus"
	"egogateway/internal/models"
)

// Ticket is the in-process handle for one in-flight dispatch (spec §3
// StreamTicket). It is exclusively owned by the Dispatcher until
// retirement.
type Ticket struct {
	ID             string
	ReplySubject   string
	AckSubject     string
	Owner          string
	ConversationID string
	ModelID        string
	RequestText    string
	CreatedAt      time.Time
	SubmittedAt    time.Time

	chunks chan models.Chunk

	replySub bus.Subscription
	ackSub   bus.Subscription

	seq       atomic.Int64
	cancelled atomic.Bool
	retired   atomic.Bool

	respMu   sync.Mutex
	response strings.Builder
}

// chunkBufferSize bounds how many undelivered chunks a ticket will hold
// before new arrivals are dropped (spec §4.A: ephemeral subscriptions
// are at-most-once; a full buffer is treated as a delivery gap, not a
// fatal error).
const chunkBufferSize = 256

func newTicket(id, replySubject, ackSubject, owner, conversationID, modelID, requestText string, now time.Time) *Ticket {
	return &Ticket{
		ID:             id,
		ReplySubject:   replySubject,
		AckSubject:     ackSubject,
		Owner:          owner,
		ConversationID: conversationID,
		ModelID:        modelID,
		RequestText:    requestText,
		CreatedAt:      now,
		SubmittedAt:    now,
		chunks:         make(chan models.Chunk, chunkBufferSize),
	}
}

// onMessage is the bus subscription handler bound to ReplySubject. It
// parses the worker's wire payload into a Chunk and enqueues it in
// arrival order; the Dispatcher relay loop never reorders (spec §4.D).
func (t *Ticket) onMessage(msg bus.Message) {
	if t.retired.Load() {
		return // dropped silently: arrival after Retired (spec §4.D tie-break)
	}
	chunk := parseWorkerMessage(t.ID, msg, int(t.seq.Add(1)-1))
	select {
	case t.chunks <- chunk:
	default:
		// Buffer full: treated as a subscription delivery gap (at-most-once,
		// spec §4.D "Failure semantics").
	}
}

func (t *Ticket) markCancelled() { t.cancelled.Store(true) }
func (t *Ticket) isCancelled() bool { return t.cancelled.Load() }
func (t *Ticket) markRetired()  { t.retired.Store(true) }

// recordChunk accumulates delta text for the eventual RawMemoryRecord.
// Only called from the single Run goroutine, so no lock is needed for
// the Builder itself, but respMu also guards ResponseText() reads from
// other goroutines (e.g. metrics/logging).
func (t *Ticket) recordChunk(chunk models.Chunk) {
	if chunk.IsError {
		return
	}
	delta := extractDelta(chunk.Payload)
	if delta == "" {
		return
	}
	t.respMu.Lock()
	t.response.WriteString(delta)
	t.respMu.Unlock()
}

// ResponseText returns the accumulated assistant text so far.
func (t *Ticket) ResponseText() string {
	t.respMu.Lock()
	defer t.respMu.Unlock()
	return t.response.String()
}
