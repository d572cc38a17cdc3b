package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"egogateway/internal/bus"
	"egogateway/internal/models"
)

// memCache is a minimal, goroutine-safe cache.Cache fake that records
// every hot-buffer append for assertions.
type memCache struct {
	mu      sync.Mutex
	entries []models.HotBufferEntry
}

func (m *memCache) AppendChunk(_ context.Context, _ string, entry models.HotBufferEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}
func (m *memCache) ReadRecent(context.Context, string, int) ([]models.HotBufferEntry, error) {
	return nil, nil
}
func (m *memCache) GetUserKey(context.Context, string, string) (string, bool, error) {
	return "", false, nil
}
func (m *memCache) SetUserKey(context.Context, string, string, string) error { return nil }
func (m *memCache) DeleteUserKey(context.Context, string, string) error     { return nil }
func (m *memCache) IsRevoked(context.Context, string) (bool, error)         { return false, nil }
func (m *memCache) Revoke(context.Context, string) error                   { return nil }

func (m *memCache) snapshot() []models.HotBufferEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.HotBufferEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

func testConfig() Config {
	return Config{
		RequestSubject:     "chat.request",
		RawMemorySubject:   "memory.raw",
		IdleChunkTimeout:   50 * time.Millisecond,
		TotalTicketTimeout: time.Second,
		DrainTimeout:       30 * time.Millisecond,
	}
}

func wireChunk(t *testing.T, content string, done bool) []byte {
	t.Helper()
	finish := ""
	var finishPtr *string
	if done {
		finish = "stop"
		finishPtr = &finish
	}
	payload, err := json.Marshal(models.WireChunk{
		Choices: []models.ChunkChoice{{Delta: models.ChunkDelta{Content: content}, FinishReason: finishPtr}},
		Done:    done,
	})
	require.NoError(t, err)
	return payload
}

func collectingSink() (Sink, func() [][]byte) {
	var mu sync.Mutex
	var received [][]byte
	sink := func(payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		cp := append([]byte(nil), payload...)
		received = append(received, cp)
		return nil
	}
	return sink, func() [][]byte {
		mu.Lock()
		defer mu.Unlock()
		out := make([][]byte, len(received))
		copy(out, received)
		return out
	}
}

func TestDispatch_HappyPath(t *testing.T) {
	fakeBus := bus.NewFake()
	mc := &memCache{}
	d := New(testConfig(), fakeBus, mc, nil)

	identity := models.Identity{Subject: "user-1"}
	req := models.ChatRequest{ConversationID: "conv-1", Text: "hello", ModelID: "gpt-x"}

	ticket, err := d.Admit(context.Background(), identity, req)
	require.NoError(t, err)

	sink, received := collectingSink()
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background(), ticket, sink) }()

	fakeBus.Deliver(ticket.ReplySubject, wireChunk(t, "Hel", false), nil)
	fakeBus.Deliver(ticket.ReplySubject, wireChunk(t, "lo!", true), nil)

	select {
	case runErr := <-done:
		require.NoError(t, runErr)
	case <-time.After(time.Second):
		t.Fatal("Run did not complete")
	}

	assert.Len(t, received(), 2)

	entries := mc.snapshot()
	require.Len(t, entries, 2)
	assert.Equal(t, models.RoleUser, entries[0].Role)
	assert.Equal(t, models.RoleAssistant, entries[1].Role)
	assert.Equal(t, "Hello!", entries[1].Text)

	records := fakeBus.StreamRecords()
	require.Len(t, records, 2) // request mirror + completion record
	var record models.RawMemoryRecord
	require.NoError(t, json.Unmarshal(records[1].Data, &record))
	assert.Equal(t, "Hello!", record.ResponseText)
	assert.Equal(t, "hello", record.RequestText)
}

func TestDispatch_Conflict(t *testing.T) {
	fakeBus := bus.NewFake()
	d := New(testConfig(), fakeBus, &memCache{}, nil)
	identity := models.Identity{Subject: "user-1"}
	req := models.ChatRequest{ConversationID: "conv-1", Text: "hi"}

	ticket, err := d.Admit(context.Background(), identity, req)
	require.NoError(t, err)

	_, err = d.Admit(context.Background(), identity, req)
	assert.ErrorIs(t, err, ErrConflict)

	// Retire the first ticket, then the same pair should be admittable again.
	sink, _ := collectingSink()
	go func() { _ = d.Run(context.Background(), ticket, sink) }()
	fakeBus.Deliver(ticket.ReplySubject, wireChunk(t, "done", true), nil)
	time.Sleep(20 * time.Millisecond)

	_, err = d.Admit(context.Background(), identity, req)
	assert.NoError(t, err)
}

func TestDispatch_Unavailable(t *testing.T) {
	fakeBus := bus.NewFake()
	fakeBus.SetUnavailable(true)
	d := New(testConfig(), fakeBus, &memCache{}, nil)
	identity := models.Identity{Subject: "user-1"}
	req := models.ChatRequest{ConversationID: "conv-1", Text: "hi"}

	_, err := d.Admit(context.Background(), identity, req)
	assert.ErrorIs(t, err, ErrUnavailable)

	fakeBus.SetUnavailable(false)
	_, err = d.Admit(context.Background(), identity, req)
	assert.NoError(t, err, "a failed admission must not leave a stale registry entry")
}

func TestDispatch_ClientCancellation(t *testing.T) {
	fakeBus := bus.NewFake()
	d := New(testConfig(), fakeBus, &memCache{}, nil)
	identity := models.Identity{Subject: "user-1"}
	req := models.ChatRequest{ConversationID: "conv-1", Text: "hi"}

	ticket, err := d.Admit(context.Background(), identity, req)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	sink, _ := collectingSink()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, ticket, sink) }()

	fakeBus.Deliver(ticket.ReplySubject, wireChunk(t, "partial", false), nil)
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case runErr := <-done:
		assert.ErrorIs(t, runErr, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("Run did not observe cancellation")
	}

	// Only the request-envelope mirror was published; no completion record.
	assert.Len(t, fakeBus.StreamRecords(), 1)
}

func TestDispatch_IdleTimeout(t *testing.T) {
	fakeBus := bus.NewFake()
	d := New(testConfig(), fakeBus, &memCache{}, nil)
	identity := models.Identity{Subject: "user-1"}
	req := models.ChatRequest{ConversationID: "conv-1", Text: "hi"}

	ticket, err := d.Admit(context.Background(), identity, req)
	require.NoError(t, err)

	sink, received := collectingSink()
	runErr := d.Run(context.Background(), ticket, sink)
	assert.ErrorIs(t, runErr, ErrTimeout)

	got := received()
	require.Len(t, got, 1)
	var frame models.ErrorFrame
	require.NoError(t, json.Unmarshal(got[0], &frame))
	assert.Equal(t, "timeout", frame.Error)
}

func TestDispatch_BadRequest(t *testing.T) {
	fakeBus := bus.NewFake()
	d := New(testConfig(), fakeBus, &memCache{}, nil)
	identity := models.Identity{Subject: "user-1"}

	_, err := d.Admit(context.Background(), identity, models.ChatRequest{ConversationID: "conv-1", Text: ""})
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = d.Admit(context.Background(), identity, models.ChatRequest{ConversationID: "conv-1", Text: "hi", Owner: "someone-else"})
	assert.ErrorIs(t, err, ErrBadRequest)
}
