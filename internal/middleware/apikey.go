// Package middleware provides HTTP middleware for the scrollharvest API.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/Rorqualx/scrollharvest/internal/config"
)

// APIKey returns middleware that validates API key authentication.
// The key is read from X-API-Key or an "Authorization: Bearer" header;
// query parameters are never accepted since they end up in access logs.
// /health and /metrics are always reachable.
func APIKey(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.APIKeyEnabled {
				next.ServeHTTP(w, r)
				return
			}

			if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					apiKey = strings.TrimPrefix(auth, "Bearer ")
				}
			}

			// An empty configured key never matches.
			if cfg.APIKey == "" || subtle.ConstantTimeCompare([]byte(apiKey), []byte(cfg.APIKey)) != 1 {
				WriteError(w, http.StatusUnauthorized, "Invalid or missing API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
