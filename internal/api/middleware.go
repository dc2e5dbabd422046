package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jackmmaher/marketcrawl/internal/observability"
)

// apiKeyMiddleware rejects requests missing the configured key. With
// no key configured the check is disabled.
func apiKeyMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey != "" {
				provided := r.Header.Get("X-API-Key")
				if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
					writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing API key"})
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// inboundLimiter applies a sliding window to inbound requests. Unlike
// the outbound substrate it never blocks: over-limit callers get an
// immediate 429 with a Retry-After hint.
type inboundLimiter struct {
	mu        sync.Mutex
	window    []time.Time
	perMinute int
	burst     int
	metrics   *observability.Metrics
}

func newInboundLimiter(perMinute, burst int, metrics *observability.Metrics) *inboundLimiter {
	return &inboundLimiter{perMinute: perMinute, burst: burst, metrics: metrics}
}

// admit reports whether the request fits the window, and if not, how
// long until it would.
func (l *inboundLimiter) admit() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(l.window) && l.window[i].Before(cutoff) {
		i++
	}
	l.window = append(l.window[:0], l.window[i:]...)

	if len(l.window) >= l.perMinute+l.burst {
		return false, l.window[0].Add(time.Minute).Sub(now)
	}
	l.window = append(l.window, now)
	return true, 0
}

func (l *inboundLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, retryAfter := l.admit()
		if !ok {
			if l.metrics != nil {
				l.metrics.RequestsThrottled.Add(1)
			}
			seconds := int(retryAfter/time.Second) + 1
			w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":       "rate limit exceeded",
				"retry_after": seconds,
				"message":     "Too many requests; slow down and retry",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// trackRequests keeps the active/served counters current.
func trackRequests(metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			metrics.ActiveRequests.Add(1)
			defer metrics.ActiveRequests.Add(-1)
			defer metrics.RequestsServed.Add(1)
			next.ServeHTTP(w, r)
		})
	}
}
