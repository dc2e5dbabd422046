package fetchctl

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackmmaher/marketcrawl/internal/config"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

func newTestLimiter(perMinute, maxConcurrent int, perOrigin map[string]int) *Limiter {
	return NewLimiter(config.RateLimitConfig{
		PerMinute:     perMinute,
		PerOriginRPM:  perOrigin,
		MaxConcurrent: maxConcurrent,
	}, testLogger)
}

func TestEvict(t *testing.T) {
	now := time.Now()
	ts := []time.Time{
		now.Add(-2 * time.Minute),
		now.Add(-90 * time.Second),
		now.Add(-30 * time.Second),
		now.Add(-time.Second),
	}
	kept := evict(ts, now)
	if len(kept) != 2 {
		t.Fatalf("expected 2 entries inside window, got %d", len(kept))
	}
	if kept[0] != now.Add(-30*time.Second) {
		t.Errorf("wrong oldest entry after eviction")
	}
}

func TestAcquireWithinLimit(t *testing.T) {
	l := newTestLimiter(10, 5, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := l.Acquire(ctx, "https://example.com/page"); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		l.Release()
	}

	l.mu.Lock()
	n := len(l.global)
	l.mu.Unlock()
	if n != 5 {
		t.Errorf("window cardinality = %d, want 5", n)
	}
}

func TestWindowNeverExceedsLimit(t *testing.T) {
	l := newTestLimiter(3, 10, nil)

	// Saturate the window manually, then verify tryAdmit defers.
	now := time.Now()
	l.mu.Lock()
	l.global = []time.Time{now, now, now}
	l.mu.Unlock()

	wait := l.tryAdmit("example.com")
	if wait <= 0 {
		t.Fatalf("expected a positive wait when the window is full, got %v", wait)
	}

	l.mu.Lock()
	n := len(l.global)
	l.mu.Unlock()
	if n > 3 {
		t.Errorf("window grew past its limit: %d", n)
	}
}

func TestPerOriginWindow(t *testing.T) {
	l := newTestLimiter(100, 10, map[string]int{"slow.example.com": 1})

	if wait := l.tryAdmit("slow.example.com"); wait != 0 {
		t.Fatalf("first admit should pass, got wait %v", wait)
	}
	if wait := l.tryAdmit("slow.example.com"); wait <= 0 {
		t.Errorf("second admit should defer on per-origin limit")
	}
	// A different origin is unaffected.
	if wait := l.tryAdmit("fast.example.com"); wait != 0 {
		t.Errorf("unrelated origin was deferred: %v", wait)
	}
}

func TestBackoffDelaysAcquire(t *testing.T) {
	l := newTestLimiter(100, 10, nil)
	l.Backoff("https://example.com/x", 50*time.Millisecond)

	start := time.Now()
	if err := l.Acquire(context.Background(), "https://example.com/y"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	l.Release()

	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("acquire returned before backoff elapsed: %v", elapsed)
	}
}

func TestAcquireCancellable(t *testing.T) {
	l := newTestLimiter(1, 1, nil)

	// Exhaust the concurrency slot; the next acquire must block until
	// cancelled.
	if err := l.Acquire(context.Background(), "https://example.com"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx, "https://example.com")
	if err == nil {
		t.Fatalf("expected context error from blocked acquire")
	}
	l.Release()
}

func TestOriginOf(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://itunes.apple.com/us/rss/x", "itunes.apple.com"},
		{"https://www.reddit.com:443/r/apps", "www.reddit.com"},
		{"not a url", "not a url"},
	}
	for _, tt := range tests {
		if got := originOf(tt.url); got != tt.want {
			t.Errorf("originOf(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}
