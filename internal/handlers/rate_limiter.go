package handlers

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hanko-field/fulfillment/internal/platform/httpx"
)

type rateLimiter interface {
	Allow(key string) bool
}

// keyedRateLimiter holds one token bucket per caller. Buckets idle for longer
// than idleTTL are dropped on the next sweep.
type keyedRateLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	clock   func() time.Time

	mu        sync.Mutex
	store     map[string]*rateEntry
	lastSweep time.Time
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newKeyedRateLimiter(perSecond float64, burst int, clock func() time.Time) rateLimiter {
	if perSecond <= 0 || burst <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &keyedRateLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idleTTL: 10 * time.Minute,
		clock:   clock,
		store:   make(map[string]*rateEntry),
	}
}

func (l *keyedRateLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.store[key]
	if !ok {
		entry = &rateEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.store[key] = entry
	}
	entry.lastSeen = now
	if now.Sub(l.lastSweep) > l.idleTTL {
		l.pruneIdleLocked(now)
	}
	return entry.limiter.AllowN(now, 1)
}

func (l *keyedRateLimiter) pruneIdleLocked(now time.Time) {
	l.lastSweep = now
	for key, entry := range l.store {
		if now.Sub(entry.lastSeen) > l.idleTTL {
			delete(l.store, key)
		}
	}
}

// RateLimit rejects callers that exceed perSecond with a burst allowance. The
// key is the client address as seen after middleware.RealIP.
func RateLimit(perSecond float64, burst int) func(http.Handler) http.Handler {
	return rateLimitMiddleware(newKeyedRateLimiter(perSecond, burst, nil), time.Second)
}

func rateLimitMiddleware(limiter rateLimiter, retryAfter time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(clientKey(r)) {
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
				httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many requests", http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
