package api

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/amurg-ai/parley/internal/ratelimit"
)

// rateLimiter keeps one token bucket per key.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*ratelimit.Bucket
	rate    float64 // tokens per second
	burst   float64
	now     func() time.Time
}

func newRateLimiter(requestsPerSecond float64, burst int) *rateLimiter {
	return &rateLimiter{
		buckets: make(map[string]*ratelimit.Bucket),
		rate:    requestsPerSecond,
		burst:   float64(burst),
		now:     time.Now,
	}
}

// take spends one token of key's bucket. When the bucket is empty it
// reports how long until the next token.
func (rl *rateLimiter) take(key string) (ok bool, wait time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b := rl.buckets[key]
	if b == nil {
		nb := ratelimit.NewBucket(rl.rate, rl.burst)
		b = &nb
		rl.buckets[key] = b
	}
	return b.Take(rl.now())
}

// cleanup drops buckets idle for longer than maxAge and reports how many.
func (rl *rateLimiter) cleanup(maxAge time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-maxAge)
	n := 0
	for key, b := range rl.buckets {
		if b.LastUsed().Before(cutoff) {
			delete(rl.buckets, key)
			n++
		}
	}
	return n
}

// StartCleanup periodically removes stale buckets until ctx is done.
func (rl *rateLimiter) StartCleanup(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.cleanup(maxAge)
			}
		}
	}()
}

// rateLimitBy rejects requests whose key has no tokens left, with a
// Retry-After in whole seconds. An empty key is not limited.
func rateLimitBy(rl *rateLimiter, key func(*http.Request) string, message string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k == "" {
				next.ServeHTTP(w, r)
				return
			}
			if ok, wait := rl.take(k); !ok {
				secs := int(math.Ceil(wait.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
				writeError(w, http.StatusTooManyRequests, message)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP keys by remote IP. chi's RealIP middleware has already applied
// X-Forwarded-For / X-Real-IP to RemoteAddr.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// identityUserID keys by authenticated user.
func identityUserID(r *http.Request) string {
	if id := getIdentityFromContext(r.Context()); id != nil {
		return id.UserID
	}
	return ""
}
