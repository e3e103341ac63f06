package api

import (
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/phone-pay/internal/errors"
)

// ClientIDHeader lets trusted frontends rate-limit per end user instead of per IP
const ClientIDHeader = "X-Client-ID"

// RateLimiter manages per-client token buckets
type RateLimiter struct {
	limiters map[string]*clientLimiter
	mu       sync.Mutex

	limit     rate.Limit
	burstSize int
	idleTTL   time.Duration
	now       func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a rate limiter allowing rps requests per second per
// client with the given burst. A non-positive rps disables limiting.
func NewRateLimiter(rps, burst int) *RateLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters:  make(map[string]*clientLimiter),
		limit:     limit,
		burstSize: burst,
		idleTTL:   10 * time.Minute,
		now:       time.Now,
	}
}

// getLimiter returns the limiter for a client, creating it on first use
func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if cl, exists := rl.limiters[key]; exists {
		cl.lastSeen = now
		return cl.limiter
	}

	cl := &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burstSize), lastSeen: now}
	rl.limiters[key] = cl
	return cl.limiter
}

// Allow reports whether the client may make a request now
func (rl *RateLimiter) Allow(key string) bool {
	return rl.getLimiter(key).AllowN(rl.now(), 1)
}

// Cleanup drops limiters idle for longer than the idle TTL
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	cutoff := rl.now().Add(-rl.idleTTL)
	for key, cl := range rl.limiters {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
			removed++
		}
	}
	return removed
}

// retryAfterSeconds is the wait for one token at the configured rate
func (rl *RateLimiter) retryAfterSeconds() int {
	if rl.limit == rate.Inf || rl.limit <= 0 {
		return 1
	}
	return int(math.Max(1, math.Ceil(1/float64(rl.limit))))
}

// clientKey identifies the caller for rate limiting
func clientKey(r *http.Request) string {
	if id := r.Header.Get(ClientIDHeader); id != "" {
		return "client:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// RateLimitMiddleware creates a middleware that enforces rate limiting
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(clientKey(r)) {
				respondServiceError(w, r, apperrors.NewRateLimitError(rl.retryAfterSeconds()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
