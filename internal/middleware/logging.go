package middleware

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/scrollharvest/internal/metrics"
)

// sensitiveParams are query parameter names redacted before logging.
var sensitiveParams = []string{
	"key", "token", "api_key", "apikey", "password", "secret", "auth",
	"access_token", "refresh_token", "bearer", "credential",
}

// sanitizeURLForLogging redacts sensitive query parameters.
func sanitizeURLForLogging(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "[invalid-url]"
	}
	if parsed.RawQuery == "" {
		return rawURL
	}

	query := parsed.Query()
	redacted := false
	for key := range query {
		for _, param := range sensitiveParams {
			if strings.EqualFold(key, param) {
				query.Set(key, "[REDACTED]")
				redacted = true
				break
			}
		}
	}
	if !redacted {
		return rawURL
	}

	parsed.RawQuery = query.Encode()
	return parsed.String()
}

// maskIP keeps the /24 of an IPv4 address or the /48 of an IPv6 one.
func maskIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return "[redacted]"
	}
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.Mask(net.CIDRMask(24, 32)).String() + "/24"
	}
	return ip.Mask(net.CIDRMask(48, 128)).String() + "/48"
}

// responseWriter captures the status code written by the handler.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Logging logs each request with a masked client address and records the
// request metrics under the matched chi route pattern.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		route := routePattern(r)
		metrics.RecordHTTPRequest(r.Method, route, wrapped.statusCode, duration)

		log.Info().
			Str("request_id", chimw.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", sanitizeURLForLogging(r.URL.String())).
			Str("route", route).
			Str("remote_addr", maskIP(r.RemoteAddr)).
			Int("status", wrapped.statusCode).
			Dur("duration", duration).
			Msg("Request completed")
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
