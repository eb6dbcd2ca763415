package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts the contents API. Paths mirror the hosted API so
// remote.ContentsClient needs only a different base URL.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Get("/health", h.Health)

	r.Route("/repos/{owner}/{repo}", func(r chi.Router) {
		r.Use(AuthMiddleware(h.apiKey))
		r.Use(RepoMiddleware)
		// Snapshots are JSON text and shrink well; the raw media type is
		// left alone.
		r.Use(middleware.Compress(5, "application/json"))

		r.Get("/contents/*", h.GetContents)
		r.Put("/contents/*", h.PutContents)
		r.Get("/commits", h.History)
	})

	return r
}
