package httpapi

import (
	"encoding/json"
	"net/http"

	"egogateway/internal/cache"
)

// personaKey is the Session Cache key name for the per-user persona
// preference (spec §6: "user:persona:<subject>").
const personaKey = "persona"

// PersonaHandler implements the persona preference surface the
// distilled spec's Session Cache component implies but never exposes
// an endpoint for: GET/PUT/DELETE on the user's persona selection,
// backed by Cache.{Get,Set,Delete}UserKey.
type PersonaHandler struct {
	cache cache.Cache
}

// NewPersonaHandler builds a PersonaHandler.
func NewPersonaHandler(c cache.Cache) *PersonaHandler {
	return &PersonaHandler{cache: c}
}

type personaBody struct {
	Persona string `json:"persona"`
}

// GetPersona implements GET /api/user/persona.
func (h *PersonaHandler) GetPersona(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	value, found, err := h.cache.GetUserKey(r.Context(), identity.Subject, personaKey)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if !found {
		_ = json.NewEncoder(w).Encode(personaBody{})
		return
	}
	_ = json.NewEncoder(w).Encode(personaBody{Persona: value})
}

// PutPersona implements PUT /api/user/persona.
func (h *PersonaHandler) PutPersona(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	var body personaBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Persona == "" {
		writeError(w, http.StatusBadRequest, "persona must not be empty")
		return
	}
	if err := h.cache.SetUserKey(r.Context(), identity.Subject, personaKey, body.Persona); err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeletePersona implements DELETE /api/user/persona.
func (h *PersonaHandler) DeletePersona(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	if err := h.cache.DeleteUserKey(r.Context(), identity.Subject, personaKey); err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
