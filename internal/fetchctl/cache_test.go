package fetchctl

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackmmaher/marketcrawl/internal/config"
)

func newTestCache(t *testing.T, capacity int, ttl time.Duration) *Cache {
	t.Helper()
	c, err := NewCache(context.Background(), config.CacheConfig{
		Dir:            t.TempDir(),
		MemoryCapacity: capacity,
		DefaultTTL:     ttl,
	}, testLogger)
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}
	return c
}

func TestCacheKeyFormat(t *testing.T) {
	plain := CacheKey("app_store", "12345", nil)
	if plain != "app_store:12345" {
		t.Errorf("key without params = %q", plain)
	}

	withParams := CacheKey("app_store", "12345", map[string]any{"country": "us", "max": 100})
	parts := strings.Split(withParams, ":")
	if len(parts) != 3 {
		t.Fatalf("key with params = %q, want 3 segments", withParams)
	}
	if len(parts[2]) != 8 {
		t.Errorf("params hash = %q, want 8 hex chars", parts[2])
	}

	// Same params in any construction order must hash identically.
	again := CacheKey("app_store", "12345", map[string]any{"max": 100, "country": "us"})
	if withParams != again {
		t.Errorf("key not stable across param ordering: %q vs %q", withParams, again)
	}

	// Different params must produce a different key.
	other := CacheKey("app_store", "12345", map[string]any{"country": "gb", "max": 100})
	if withParams == other {
		t.Errorf("distinct params produced identical keys")
	}
}

func TestCacheRoundTrip(t *testing.T) {
	c := newTestCache(t, 10, time.Hour)
	ctx := context.Background()

	payload := json.RawMessage(`{"reviews": [1, 2, 3]}`)
	if err := c.Set(ctx, "reviews", "app1", nil, payload, 0); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, ok := c.Get(ctx, "reviews", "app1", nil)
	if !ok {
		t.Fatal("expected memory hit")
	}
	if string(got) != string(payload) {
		t.Errorf("payload = %s, want %s", got, payload)
	}
}

func TestCacheExpiryIsMiss(t *testing.T) {
	c := newTestCache(t, 10, 10*time.Millisecond)
	ctx := context.Background()

	if err := c.Set(ctx, "reviews", "app1", nil, json.RawMessage(`{}`), 10*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get(ctx, "reviews", "app1", nil); ok {
		t.Fatal("expired entry must read as a miss")
	}
	// Discovery of the expired entry evicts it from memory too.
	if c.MemorySize() != 0 {
		t.Errorf("expired entry still in memory tier")
	}
}

func TestCacheDurablePromotion(t *testing.T) {
	cfg := config.CacheConfig{Dir: t.TempDir(), MemoryCapacity: 10, DefaultTTL: time.Hour}
	ctx := context.Background()

	first, err := NewCache(ctx, cfg, testLogger)
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}
	if err := first.Set(ctx, "reviews", "app1", nil, json.RawMessage(`{"n":1}`), 0); err != nil {
		t.Fatalf("set: %v", err)
	}

	// A second cache over the same directory simulates a fresh process:
	// its memory tier is cold, so the read must come from disk and be
	// promoted.
	second, err := NewCache(ctx, cfg, testLogger)
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}
	got, ok := second.Get(ctx, "reviews", "app1", nil)
	if !ok {
		t.Fatal("expected durable hit")
	}
	if string(got) != `{"n":1}` {
		t.Errorf("payload = %s", got)
	}
	if second.MemorySize() != 1 {
		t.Errorf("durable hit was not promoted into memory")
	}
}

func TestMemoryEvictionByHitCount(t *testing.T) {
	c := newTestCache(t, 2, time.Hour)
	ctx := context.Background()

	c.Set(ctx, "t", "a", nil, json.RawMessage(`1`), 0)
	c.Set(ctx, "t", "b", nil, json.RawMessage(`2`), 0)

	// Drive up a's hit count so b is the eviction victim.
	for i := 0; i < 3; i++ {
		c.Get(ctx, "t", "a", nil)
	}

	c.Set(ctx, "t", "c", nil, json.RawMessage(`3`), 0)

	if c.MemorySize() != 2 {
		t.Fatalf("memory size = %d, want capacity 2", c.MemorySize())
	}
	c.mu.Lock()
	_, aInMem := c.mem[CacheKey("t", "a", nil)]
	_, bInMem := c.mem[CacheKey("t", "b", nil)]
	c.mu.Unlock()
	if !aInMem {
		t.Errorf("frequently hit entry was evicted")
	}
	if bInMem {
		t.Errorf("lowest-hit-count entry survived eviction")
	}
}

func TestDiskTierAtomicLayout(t *testing.T) {
	dir := t.TempDir()
	tier := &diskTier{dir: dir}

	e := &Entry{
		Key:       "t:x",
		CacheType: "t",
		ID:        "x",
		Content:   json.RawMessage(`{"v":1}`),
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
	if err := tier.put(context.Background(), e); err != nil {
		t.Fatalf("put: %v", err)
	}

	// No temp files may survive a completed write.
	entries, _ := os.ReadDir(dir)
	for _, de := range entries {
		if strings.HasSuffix(de.Name(), ".tmp") {
			t.Errorf("leftover temp file %s", de.Name())
		}
	}

	got, err := tier.get(context.Background(), "t:x")
	if err != nil || got == nil {
		t.Fatalf("get: %v %v", got, err)
	}
	if got.Key != "t:x" || string(got.Content) != `{"v":1}` {
		t.Errorf("round-tripped entry = %+v", got)
	}
}

func TestDiskTierPartialFileIsMiss(t *testing.T) {
	dir := t.TempDir()
	tier := &diskTier{dir: dir}

	// Simulate a torn write.
	if err := os.WriteFile(tier.path("t:x"), []byte(`{"cache_key": "t:x", "cont`), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := tier.get(context.Background(), "t:x")
	if err != nil || got != nil {
		t.Errorf("partial file must be a silent miss, got %v %v", got, err)
	}

	// Missing file likewise.
	got, err = tier.get(context.Background(), "t:missing")
	if err != nil || got != nil {
		t.Errorf("missing file must be a silent miss, got %v %v", got, err)
	}
}
