package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Rorqualx/scrollharvest/internal/config"
	"github.com/Rorqualx/scrollharvest/internal/middleware"
)

const requestTimeout = 30 * time.Second

// NewRouter wires the job API behind the middleware chain. limiter may be
// nil when rate limiting is disabled; the caller owns closing it.
func NewRouter(h *Handler, cfg *config.Config, limiter *middleware.RateLimiter) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)
	if limiter != nil {
		r.Use(limiter.Middleware)
	}
	r.Use(middleware.CORS(middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins}))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.APIKey(cfg))
	r.Use(chimw.Timeout(requestTimeout))

	r.NotFound(h.HandleNotFound)
	r.MethodNotAllowed(h.HandleMethodNotAllowed)

	r.Get("/health", h.HandleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", h.HandleSubmit)
			r.Get("/", h.HandleListJobs)
			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", h.HandleGetJob)
				r.Post("/cancel", h.HandleCancel)
				r.Get("/records", h.HandleRecords)
			})
		})
		r.Get("/pools", h.HandlePools)
		r.Get("/pools/{platform}", h.HandlePool)
	})

	return r
}
