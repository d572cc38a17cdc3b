package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"egogateway/internal/authn"
	"egogateway/internal/cache"
	"egogateway/internal/config"
	"egogateway/internal/dispatcher"
	"egogateway/internal/wsedge"
)

// NewRouter assembles the gateway's single HTTP mux: the WebSocket
// upgrade path, the HTTP enqueue alternative surface, persona
// preference endpoints, and ambient health/metrics (spec §6, §2).
func NewRouter(cfg *config.AppConfig, d *dispatcher.Dispatcher, verifier *authn.Verifier, c cache.Cache, wsHandler *wsedge.Handler, chatHandler *ChatHandler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(cors.New(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSAllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Origin"},
		AllowCredentials: true,
	}).Handler)
	r.Use(chimiddleware.Logger, chimiddleware.Recoverer)

	r.Get("/healthz", handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Get(cfg.WSPath, wsHandler.ServeWS)

	personaHandler := NewPersonaHandler(c)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(verifier))
		r.Post("/chat", chatHandler.HandleEnqueue)
		r.Route("/api/user/persona", func(r chi.Router) {
			r.Get("/", personaHandler.GetPersona)
			r.Put("/", personaHandler.PutPersona)
			r.Delete("/", personaHandler.DeletePersona)
		})
	})

	return r
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
