package authn

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"egogateway/internal/cache"
	"egogateway/internal/models"
)

// memCache is a minimal cache.Cache fake exercising only what the
// Verifier needs: the revocation set.
type memCache struct {
	revoked map[string]bool
}

func newMemCache() *memCache { return &memCache{revoked: map[string]bool{}} }

func (m *memCache) AppendChunk(context.Context, string, models.HotBufferEntry) error { return nil }
func (m *memCache) ReadRecent(context.Context, string, int) ([]models.HotBufferEntry, error) {
	return nil, nil
}
func (m *memCache) GetUserKey(context.Context, string, string) (string, bool, error) {
	return "", false, nil
}
func (m *memCache) SetUserKey(context.Context, string, string, string) error    { return nil }
func (m *memCache) DeleteUserKey(context.Context, string, string) error         { return nil }
func (m *memCache) IsRevoked(_ context.Context, jwtID string) (bool, error) {
	return m.revoked[jwtID], nil
}
func (m *memCache) Revoke(_ context.Context, jwtID string) error {
	m.revoked[jwtID] = true
	return nil
}

var _ cache.Cache = (*memCache)(nil)

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func validClaims(jwtID string) Claims {
	now := time.Now()
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        jwtID,
		},
		Type: accessTokenType,
	}
}

func TestVerifyHTTP_Valid(t *testing.T) {
	mc := newMemCache()
	v, err := New("s3cret", "HS256", mc)
	require.NoError(t, err)

	token := signToken(t, "s3cret", validClaims("jti-1"))
	id, err := v.VerifyHTTP(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.Subject)
}

func TestVerifyHTTP_MissingHeader(t *testing.T) {
	v, _ := New("s3cret", "HS256", newMemCache())
	_, err := v.VerifyHTTP(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestVerifyHTTP_Expired(t *testing.T) {
	mc := newMemCache()
	v, _ := New("s3cret", "HS256", mc)
	claims := validClaims("jti-2")
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	token := signToken(t, "s3cret", claims)

	_, err := v.VerifyHTTP(context.Background(), "Bearer "+token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestVerifyHTTP_WrongType(t *testing.T) {
	mc := newMemCache()
	v, _ := New("s3cret", "HS256", mc)
	claims := validClaims("jti-3")
	claims.Type = "refresh"
	token := signToken(t, "s3cret", claims)

	_, err := v.VerifyHTTP(context.Background(), "Bearer "+token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestVerifyHTTP_Revoked(t *testing.T) {
	mc := newMemCache()
	v, _ := New("s3cret", "HS256", mc)
	require.NoError(t, mc.Revoke(context.Background(), "jti-4"))
	token := signToken(t, "s3cret", validClaims("jti-4"))

	_, err := v.VerifyHTTP(context.Background(), "Bearer "+token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestVerifyWS_QueryToken(t *testing.T) {
	mc := newMemCache()
	v, _ := New("s3cret", "HS256", mc)
	token := signToken(t, "s3cret", validClaims("jti-5"))

	id, err := v.VerifyWS(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.Subject)

	_, err = v.VerifyWS(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestVerifyHTTP_WrongSecret(t *testing.T) {
	mc := newMemCache()
	v, _ := New("s3cret", "HS256", mc)
	// Signed with a different secret -> signature invalid.
	token := signToken(t, "other-secret", validClaims("jti-6"))

	_, err := v.VerifyHTTP(context.Background(), "Bearer "+token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
