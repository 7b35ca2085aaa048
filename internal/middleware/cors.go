package middleware

import (
	"net/http"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
)

// CORSConfig holds CORS configuration options.
type CORSConfig struct {
	// AllowedOrigins lists the allowed origins. Empty rejects every
	// cross-origin request.
	AllowedOrigins []string
}

// CORS returns middleware that answers preflights and sets CORS headers
// for the configured origins only. The matching origin is echoed back,
// never a wildcard.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	if len(cfg.AllowedOrigins) == 0 {
		log.Warn().Msg("CORS_ALLOWED_ORIGINS not set - all cross-origin requests will be rejected")
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "X-API-Key", "Authorization"},
		AllowCredentials: true,
		MaxAge:           600,
	})
	if len(cfg.AllowedOrigins) == 0 {
		// rs/cors treats an empty list as "*"; refuse everything instead.
		c = cors.New(cors.Options{
			AllowOriginFunc: func(string) bool { return false },
		})
	}
	return c.Handler
}

// SecurityHeaders returns middleware that adds security-related HTTP headers.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}
