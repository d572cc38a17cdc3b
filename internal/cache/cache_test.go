package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"egogateway/internal/models"
)

func newTestCache(t *testing.T) *RedisCache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c, err := New(Config{URL: fmt.Sprintf("redis://%s/0", mr.Addr()), Limit: 3, TTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestAppendChunk_TrimsToLimit(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := c.AppendChunk(ctx, "conv-1", models.HotBufferEntry{
			ConversationID: "conv-1",
			Role:           models.RoleUser,
			Text:           fmt.Sprintf("msg-%d", i),
			Timestamp:      time.Now(),
		})
		require.NoError(t, err)
	}

	entries, err := c.ReadRecent(ctx, "conv-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "msg-2", entries[0].Text)
	assert.Equal(t, "msg-4", entries[2].Text)
}

func TestUserKey_RoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	_, ok, err := c.GetUserKey(ctx, "alice", "persona")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.SetUserKey(ctx, "alice", "persona", "pirate"))

	val, ok, err := c.GetUserKey(ctx, "alice", "persona")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "pirate", val)

	require.NoError(t, c.DeleteUserKey(ctx, "alice", "persona"))
	_, ok, err = c.GetUserKey(ctx, "alice", "persona")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRevocation(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	revoked, err := c.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, c.Revoke(ctx, "jti-1"))

	revoked, err = c.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)
}
