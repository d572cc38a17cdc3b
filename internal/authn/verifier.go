// Package authn implements the Auth Verifier (spec §4.C): validating
// bearer tokens on HTTP requests and query-string tokens on WebSocket
// upgrades, and extracting the verified Identity. Token issuance is an
// external collaborator's responsibility (spec §1); this package only
// verifies.
package authn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"egogateway/internal/cache"
	"egogateway/internal/models"
)

// ErrUnauthenticated is returned for every verification failure named in
// spec §4.C: missing, malformed, expired, wrong algorithm, wrong type,
// or revoked.
var ErrUnauthenticated = errors.New("authn: unauthenticated")

const accessTokenType = "access"

// Claims is the expected shape of the gateway's access tokens, per spec
// §4.C: subject, issued_at, expires_at, type, and jwt_id.
type Claims struct {
	jwt.RegisteredClaims
	Type string `json:"type"`
}

// Verifier validates tokens and checks revocation against the Session
// Cache.
type Verifier struct {
	secret []byte
	alg    string
	cache  cache.Cache
}

// New creates a Verifier. alg is the only signing algorithm accepted
// (spec §4.C: "wrong algorithm" is a failure condition).
func New(secret, alg string, c cache.Cache) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("authn: JWT secret must not be empty")
	}
	if alg == "" {
		alg = "HS256"
	}
	return &Verifier{secret: []byte(secret), alg: alg, cache: c}, nil
}

// VerifyHTTP parses a bearer token from an Authorization header value
// ("Bearer <token>") and returns the verified Identity.
func (v *Verifier) VerifyHTTP(ctx context.Context, authorizationHeader string) (models.Identity, error) {
	token := extractBearer(authorizationHeader)
	if token == "" {
		return models.Identity{}, ErrUnauthenticated
	}
	return v.verify(ctx, token)
}

// VerifyWS verifies a token supplied as a WebSocket upgrade query
// parameter, since browsers cannot set headers on the upgrade request
// (spec §4.C).
func (v *Verifier) VerifyWS(ctx context.Context, queryToken string) (models.Identity, error) {
	if queryToken == "" {
		return models.Identity{}, ErrUnauthenticated
	}
	return v.verify(ctx, queryToken)
}

func (v *Verifier) verify(ctx context.Context, raw string) (models.Identity, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != v.alg {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{v.alg}))
	if err != nil || !parsed.Valid {
		return models.Identity{}, ErrUnauthenticated
	}

	if claims.Type != accessTokenType {
		return models.Identity{}, ErrUnauthenticated
	}
	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return models.Identity{}, ErrUnauthenticated
	}
	if claims.ID != "" && v.cache != nil {
		revoked, err := v.cache.IsRevoked(ctx, claims.ID)
		if err == nil && revoked {
			return models.Identity{}, ErrUnauthenticated
		}
		// A cache error here is non-fatal per spec §4.B: we fail open on
		// the revocation check rather than locking every client out when
		// Redis is degraded, and rely on token expiry as the backstop.
	}

	issuedAt := time.Time{}
	if claims.IssuedAt != nil {
		issuedAt = claims.IssuedAt.Time
	}
	return models.Identity{Subject: subject, IssuedAt: issuedAt}, nil
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}
