// Package cache implements the Session Cache (spec §4.B): a short-lived
// per-conversation hot buffer, per-user key/value storage, and the
// token revocation set, all backed by Redis.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"egogateway/internal/models"
)

// Cache is the surface the Dispatcher and Auth Verifier depend on.
// Every operation can fail; per spec §4.B, cache failures are non-fatal
// to the Dispatcher's relay path, so callers decide whether to log and
// continue.
type Cache interface {
	AppendChunk(ctx context.Context, conversationID string, entry models.HotBufferEntry) error
	ReadRecent(ctx context.Context, conversationID string, n int) ([]models.HotBufferEntry, error)
	GetUserKey(ctx context.Context, user, key string) (string, bool, error)
	SetUserKey(ctx context.Context, user, key, value string) error
	DeleteUserKey(ctx context.Context, user, key string) error
	IsRevoked(ctx context.Context, jwtID string) (bool, error)
	Revoke(ctx context.Context, jwtID string) error
}

// RedisCache is the production Cache implementation.
type RedisCache struct {
	client *redis.Client
	limit  int
	ttl    time.Duration
}

// Config controls cap and TTL behavior, per spec §6 (HOT_MSG_LIMIT,
// HOT_TTL_MIN).
type Config struct {
	URL   string
	Limit int
	TTL   time.Duration
}

// New connects to Redis using a URL (redis://host:port/db).
func New(cfg Config) (*RedisCache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}
	client := redis.NewClient(opts)
	limit := cfg.Limit
	if limit <= 0 {
		limit = 200
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 60 * time.Minute
	}
	return &RedisCache{client: client, limit: limit, ttl: ttl}, nil
}

func hotBufferKey(conversationID string) string {
	return "conv:" + conversationID + ":messages"
}

func userKey(user, key string) string {
	return "user:" + key + ":" + user
}

const revokedSetKey = "auth:revoked"

// AppendChunk pushes entry onto the conversation's ordered list,
// trimming from the head at Limit entries and refreshing the TTL (spec
// §4.B).
func (c *RedisCache) AppendChunk(ctx context.Context, conversationID string, entry models.HotBufferEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: marshal entry: %w", err)
	}
	key := hotBufferKey(conversationID)

	pipe := c.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, int64(-c.limit), -1)
	pipe.Expire(ctx, key, c.ttl)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("cache: append chunk: %w", err)
	}
	return nil
}

// ReadRecent returns up to the last n entries in insertion order.
func (c *RedisCache) ReadRecent(ctx context.Context, conversationID string, n int) ([]models.HotBufferEntry, error) {
	key := hotBufferKey(conversationID)
	raw, err := c.client.LRange(ctx, key, int64(-n), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: read recent: %w", err)
	}
	entries := make([]models.HotBufferEntry, 0, len(raw))
	for _, r := range raw {
		var e models.HotBufferEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// GetUserKey returns a user preference value, or ok=false if unset.
func (c *RedisCache) GetUserKey(ctx context.Context, user, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, userKey(user, key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache: get user key: %w", err)
	}
	return val, true, nil
}

// SetUserKey stores a user preference value with no expiration.
func (c *RedisCache) SetUserKey(ctx context.Context, user, key, value string) error {
	if err := c.client.Set(ctx, userKey(user, key), value, 0).Err(); err != nil {
		return fmt.Errorf("cache: set user key: %w", err)
	}
	return nil
}

// DeleteUserKey clears a user preference value.
func (c *RedisCache) DeleteUserKey(ctx context.Context, user, key string) error {
	if err := c.client.Del(ctx, userKey(user, key)).Err(); err != nil {
		return fmt.Errorf("cache: delete user key: %w", err)
	}
	return nil
}

// IsRevoked checks the auth:revoked set for a jwt_id (spec §6).
func (c *RedisCache) IsRevoked(ctx context.Context, jwtID string) (bool, error) {
	ok, err := c.client.SIsMember(ctx, revokedSetKey, jwtID).Result()
	if err != nil {
		return false, fmt.Errorf("cache: check revocation: %w", err)
	}
	return ok, nil
}

// Revoke adds a jwt_id to the revocation set.
func (c *RedisCache) Revoke(ctx context.Context, jwtID string) error {
	if err := c.client.SAdd(ctx, revokedSetKey, jwtID).Err(); err != nil {
		return fmt.Errorf("cache: revoke: %w", err)
	}
	return nil
}

// Close releases the underlying Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
