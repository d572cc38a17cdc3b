package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("BUS_URL", "nats://localhost:4222")
	t.Setenv("JWT_SECRET", "test-secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, "/ws", cfg.WSPath)
	assert.Equal(t, "chat.request", cfg.RequestSubject)
	assert.Equal(t, "memory.raw", cfg.RawMemorySubject)
	assert.Equal(t, 200, cfg.HotMsgLimit)
	assert.Equal(t, 60*time.Minute, cfg.HotTTL)
	assert.Equal(t, 120*time.Second, cfg.IdleChunkTimeout)
	assert.Equal(t, 600*time.Second, cfg.TotalTicketTimeout)
	assert.Equal(t, 10*time.Second, cfg.DrainTimeout)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BUS_URL", "nats://localhost:4222")
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("HOT_MSG_LIMIT", "50")
	t.Setenv("HOT_TTL_MIN", "15")
	t.Setenv("IDLE_CHUNK_TIMEOUT", "30s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.HotMsgLimit)
	assert.Equal(t, 15*time.Minute, cfg.HotTTL)
	assert.Equal(t, 30*time.Second, cfg.IdleChunkTimeout)
}

func TestLoad_MissingCritical(t *testing.T) {
	t.Setenv("BUS_URL", "")
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
}
