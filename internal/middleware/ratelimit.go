package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxClients bounds the tracked clients to prevent memory exhaustion.
const maxClients = 10000

// RateLimiter holds one token bucket per client IP.
type RateLimiter struct {
	mu         sync.Mutex
	clients    map[string]*client
	limit      rate.Limit
	burst      int
	cleanup    time.Duration
	idleAfter  time.Duration
	trustProxy bool
	stopCh     chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing requestsPerMinute per IP with
// bursts of the same size. trustProxy enables X-Forwarded-For and X-Real-IP;
// only set it behind a trusted reverse proxy.
func NewRateLimiter(requestsPerMinute int, trustProxy bool) *RateLimiter {
	if requestsPerMinute < 1 {
		requestsPerMinute = 1
	}
	rl := &RateLimiter{
		clients:    make(map[string]*client),
		limit:      rate.Every(time.Minute / time.Duration(requestsPerMinute)),
		burst:      requestsPerMinute,
		cleanup:    5 * time.Minute,
		idleAfter:  2 * time.Minute,
		trustProxy: trustProxy,
		stopCh:     make(chan struct{}),
	}

	rl.wg.Add(1)
	go func() {
		defer rl.wg.Done()
		rl.cleanupRoutine()
	}()
	return rl
}

// Allow reports whether a request from ip may proceed now.
func (rl *RateLimiter) Allow(ip string) bool {
	return rl.limiterFor(ip).Allow()
}

// RetryAfter returns how long ip must wait for its next token.
func (rl *RateLimiter) RetryAfter(ip string) time.Duration {
	r := rl.limiterFor(ip).Reserve()
	defer r.Cancel()
	return r.Delay()
}

func (rl *RateLimiter) limiterFor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, ok := rl.clients[ip]
	if !ok {
		if len(rl.clients) >= maxClients {
			rl.evictOldest()
		}
		c = &client{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[ip] = c
	}
	c.lastSeen = time.Now()
	return c.limiter
}

func (rl *RateLimiter) cleanupRoutine() {
	ticker := time.NewTicker(rl.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanupStale()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) cleanupStale() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.idleAfter)
	for ip, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, ip)
		}
	}
}

// evictOldest must be called with rl.mu held.
func (rl *RateLimiter) evictOldest() {
	var oldestIP string
	var oldest time.Time
	for ip, c := range rl.clients {
		if oldestIP == "" || c.lastSeen.Before(oldest) {
			oldestIP, oldest = ip, c.lastSeen
		}
	}
	if oldestIP != "" {
		delete(rl.clients, oldestIP)
	}
}

// Close stops the cleanup routine. Safe to call multiple times.
func (rl *RateLimiter) Close() {
	rl.closeOnce.Do(func() {
		close(rl.stopCh)
		rl.wg.Wait()
	})
}

// Middleware rejects requests over the limit with 429 and a Retry-After header.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := getClientIP(r, rl.trustProxy)
		if !rl.Allow(ip) {
			secs := int(rl.RetryAfter(ip).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			WriteError(w, http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// normalizeIP returns the canonical form of an IP, so IPv6 spellings and
// IPv4-mapped addresses share a bucket. Unparsable input is returned as is.
func normalizeIP(ipStr string) string {
	ipStr = strings.TrimSpace(ipStr)
	if ipStr == "" {
		return ""
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return ipStr
	}
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.String()
	}
	return ip.String()
}

// getClientIP uses RemoteAddr unless trustProxy is set, in which case the
// leftmost X-Forwarded-For entry or X-Real-IP wins.
func getClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := normalizeIP(first); ip != "" {
				return ip
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			if ip := normalizeIP(xri); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return normalizeIP(host)
}
