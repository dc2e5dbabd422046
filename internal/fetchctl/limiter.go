package fetchctl

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jackmmaher/marketcrawl/internal/config"
)

// window is the sliding-window span for all rate scopes.
const window = 60 * time.Second

// Limiter admits outbound requests against a global sliding window,
// per-origin sliding windows, and a bounded in-flight counter. Admission
// blocks until every applicable scope would accept a new timestamp; the
// semaphore is the service's principal backpressure mechanism.
type Limiter struct {
	perMinute    int
	perOriginRPM map[string]int

	sem *semaphore.Weighted

	mu           sync.Mutex
	global       []time.Time
	perOrigin    map[string][]time.Time
	backoffUntil map[string]time.Time

	logger *slog.Logger
}

// NewLimiter creates a Limiter from configuration.
func NewLimiter(cfg config.RateLimitConfig, logger *slog.Logger) *Limiter {
	return &Limiter{
		perMinute:    cfg.PerMinute,
		perOriginRPM: cfg.PerOriginRPM,
		sem:          semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		perOrigin:    make(map[string][]time.Time),
		backoffUntil: make(map[string]time.Time),
		logger:       logger.With("component", "rate_limiter"),
	}
}

// Acquire blocks until the request may proceed, then records it in all
// applicable windows. The caller must invoke Release when the request
// completes. Returns an error only when ctx is cancelled.
func (l *Limiter) Acquire(ctx context.Context, rawURL string) error {
	origin := originOf(rawURL)

	// Honor an active backoff before consuming a concurrency slot.
	if wait := l.backoffRemaining(origin); wait > 0 {
		l.logger.Info("backing off", "origin", origin, "remaining", wait)
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
		l.clearBackoff(origin)
	}

	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	for {
		wait := l.tryAdmit(origin)
		if wait == 0 {
			return nil
		}
		if err := sleepCtx(ctx, wait); err != nil {
			l.sem.Release(1)
			return err
		}
	}
}

// Release returns the concurrency slot taken by Acquire.
func (l *Limiter) Release() {
	l.sem.Release(1)
}

// Backoff forces subsequent acquisitions against the URL's origin to
// sleep until the given duration has elapsed. Used after HTTP 429.
func (l *Limiter) Backoff(rawURL string, d time.Duration) {
	origin := originOf(rawURL)
	l.mu.Lock()
	l.backoffUntil[origin] = time.Now().Add(d)
	l.mu.Unlock()
	l.logger.Warn("origin backoff set", "origin", origin, "duration", d)
}

// tryAdmit evicts stale window entries and either records the request
// (returning 0) or returns how long the caller must wait before the
// oldest blocking entry leaves its window. The lock is held only for
// these constant-time deque operations.
func (l *Limiter) tryAdmit(origin string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.global = evict(l.global, now)

	if len(l.global) >= l.perMinute {
		return l.global[0].Add(window).Sub(now)
	}

	limit, limited := l.perOriginRPM[origin]
	if limited {
		l.perOrigin[origin] = evict(l.perOrigin[origin], now)
		if len(l.perOrigin[origin]) >= limit {
			return l.perOrigin[origin][0].Add(window).Sub(now)
		}
	}

	l.global = append(l.global, now)
	if limited {
		l.perOrigin[origin] = append(l.perOrigin[origin], now)
	}
	return 0
}

func (l *Limiter) backoffRemaining(origin string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.backoffUntil[origin]
	if !ok {
		return 0
	}
	return time.Until(until)
}

func (l *Limiter) clearBackoff(origin string) {
	l.mu.Lock()
	delete(l.backoffUntil, origin)
	l.mu.Unlock()
}

// evict drops timestamps older than the sliding window.
func evict(ts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

// originOf extracts the rate-limit scope key from a URL.
func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Hostname()
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
