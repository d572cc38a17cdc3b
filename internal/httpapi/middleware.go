// Package httpapi wires the gateway's HTTP surfaces: the chi router,
// the bearer-auth middleware, the fire-and-forget chat enqueue
// endpoint, persona preference endpoints, and ambient health/metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"egogateway/internal/authn"
	"egogateway/internal/models"
)

type contextKey string

// identityContextKey is where AuthMiddleware stores the verified
// Identity for downstream handlers.
const identityContextKey = contextKey("identity")

// AuthMiddleware validates the Authorization header via the Auth
// Verifier and injects the resulting Identity into the request
// context (spec §4.C, §7 Unauthenticated -> HTTP 401).
func AuthMiddleware(verifier *authn.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := verifier.VerifyHTTP(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthenticated")
				return
			}
			ctx := context.WithValue(r.Context(), identityContextKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func identityFromContext(r *http.Request) (models.Identity, bool) {
	identity, ok := r.Context().Value(identityContextKey).(models.Identity)
	return identity, ok
}

func writeError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(models.ErrorFrame{Error: reason})
}
