package api

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/wallet-insights/internal/errors"
)

const (
	maxTrackedCallers = 10000
	callerIdleTTL     = 10 * time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter manages per-caller rate limiting for API requests
type RateLimiter struct {
	limiters map[string]*limiterEntry
	mu       sync.Mutex

	limit     rate.Limit
	burstSize int
}

// NewRateLimiter creates a limiter allowing requestsPerMinute per caller
// with the given burst
func NewRateLimiter(requestsPerMinute, burst int) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 600
	}
	if burst <= 0 {
		burst = 10
	}
	return &RateLimiter{
		limiters:  make(map[string]*limiterEntry),
		limit:     rate.Limit(float64(requestsPerMinute) / 60),
		burstSize: burst,
	}
}

// getLimiter returns the rate limiter for a caller key
func (rl *RateLimiter) getLimiter(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if e, ok := rl.limiters[key]; ok {
		e.lastSeen = now
		return e.limiter
	}

	if len(rl.limiters) >= maxTrackedCallers {
		rl.sweep(now)
	}

	e := &limiterEntry{limiter: rate.NewLimiter(rl.limit, rl.burstSize), lastSeen: now}
	rl.limiters[key] = e
	return e.limiter
}

// sweep drops limiters idle longer than callerIdleTTL. Caller holds mu.
func (rl *RateLimiter) sweep(now time.Time) {
	for k, e := range rl.limiters {
		if now.Sub(e.lastSeen) > callerIdleTTL {
			delete(rl.limiters, k)
		}
	}
}

// Allow reports whether a request for key may proceed now, and if not how
// many seconds the caller should wait
func (rl *RateLimiter) Allow(key string) (bool, int) {
	limiter := rl.getLimiter(key, time.Now())
	if limiter.Allow() {
		return true, 0
	}
	retryAfter := int(math.Ceil(1 / float64(rl.limit)))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}

// RateLimitMiddleware creates a middleware that enforces rate limiting
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c := callerFromHeaders(r)
			r = r.WithContext(withCaller(r.Context(), c))

			if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			if ok, retryAfter := rl.Allow(c.rateKey(r)); !ok {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				respondServiceError(w, r, apperrors.NewRateLimitError(retryAfter))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
