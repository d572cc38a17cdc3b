// Package models defines the wire and domain types shared across the
// gateway: inbound/outbound frame shapes, the bus envelope, and the
// records written to the session cache and the raw-memory stream.
package models

import "time"

// Identity is the verified subject of a bearer or query-string token.
// It is created once per HTTP request or WebSocket connection and never
// mutated.
type Identity struct {
	Subject  string
	IssuedAt time.Time
}

// ChatRequest is what a client submits, after the edge has translated
// its wire aliases (room_id -> ConversationID, msg -> Text) into this
// canonical shape.
type ChatRequest struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	Text           string `json:"text" validate:"required"`
	ModelID        string `json:"model_id,omitempty"`
	Owner          string `json:"owner,omitempty"`
	SubmittedAt    time.Time
}

// InboundFrame is the JSON shape a browser sends over the WebSocket,
// per spec §6. Field names are fixed by the wire contract, not chosen
// by this codebase.
type InboundFrame struct {
	RoomID string `json:"room_id"`
	Msg    string `json:"msg"`
	Model  string `json:"model,omitempty"`
}

// HTTPEnqueueRequest is the body of the POST /chat alternative surface.
// Same aliases as InboundFrame.
type HTTPEnqueueRequest struct {
	RoomID string `json:"room_id"`
	Msg    string `json:"msg"`
	Model  string `json:"model,omitempty"`
}

// ChunkDelta mirrors the worker's incremental token payload.
type ChunkDelta struct {
	Content string `json:"content"`
}

// ChunkChoice is one entry of the OpenAI-shaped "choices" array the
// wire protocol uses for both the worker->gateway reply subject and the
// gateway->client outbound frame.
type ChunkChoice struct {
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// WireChunk is the outbound WebSocket frame shape (and also the shape
// workers publish on the reply subject) defined in spec §6.
type WireChunk struct {
	Choices []ChunkChoice `json:"choices"`
	Done    bool          `json:"done,omitempty"`
	ID      string        `json:"id,omitempty"`
}

// ErrorFrame is the outbound `{"error": "..."}` shape used for
// BadRequest, Conflict, Unavailable and Timeout surfaces.
type ErrorFrame struct {
	Error string `json:"error"`
}

// Chunk is the Dispatcher's internal representation of one streamed
// fragment, independent of wire encoding.
type Chunk struct {
	TicketID       string
	SequenceNumber int
	Payload        []byte // raw JSON, already shaped as WireChunk or ErrorFrame
	Terminal       bool
	IsError        bool
}

// RequestEnvelope is the JSON payload published to the request subject
// (spec §4.D.4, §6) and mirrored to the raw-memory stream.
type RequestEnvelope struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
	ModelID        string `json:"model_id,omitempty"`
	Owner          string `json:"owner"`
	TicketID       string `json:"ticket_id"`
}

// HotBufferEntry is one recent message cached for downstream memory
// processing (spec §3).
type HotBufferEntry struct {
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"` // "user" | "assistant"
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// RawMemoryRecord is the request/response pair published once per
// completed StreamTicket to the durable raw-memory stream (spec §3, §6).
type RawMemoryRecord struct {
	ConversationID string    `json:"conversation_id"`
	Owner          string    `json:"owner"`
	RequestText    string    `json:"request_text"`
	ResponseText   string    `json:"response_text"`
	ModelID        string    `json:"model_id,omitempty"`
	SubmittedAt    time.Time `json:"submitted_at"`
	CompletedAt    time.Time `json:"completed_at"`
}
