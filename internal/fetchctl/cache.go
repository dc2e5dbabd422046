package fetchctl

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/jackmmaher/marketcrawl/internal/config"
)

// Entry is one cached payload. An entry is never served past its
// expiry; expired reads behave as misses and trigger eviction.
type Entry struct {
	Key       string          `json:"cache_key"       bson:"cache_key"`
	CacheType string          `json:"cache_type"      bson:"cache_type"`
	ID        string          `json:"identifier"      bson:"identifier"`
	Content   json.RawMessage `json:"content"         bson:"content"`
	CreatedAt time.Time       `json:"created_at"      bson:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"      bson:"expires_at"`
	HitCount  int64           `json:"hit_count"       bson:"hit_count"`
}

func (e *Entry) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// durableTier is the second cache level: the local disk store by
// default, or Mongo when a remote tier is configured.
type durableTier interface {
	get(ctx context.Context, key string) (*Entry, error)
	put(ctx context.Context, e *Entry) error
	delete(ctx context.Context, key string) error
}

// Cache is the two-tier content cache: a capacity-bounded in-memory map
// in front of a durable tier. Memory eviction removes the entry with
// the lowest hit count; durable eviction is TTL-driven on read.
type Cache struct {
	mu       sync.Mutex
	mem      map[string]*Entry
	capacity int

	durable    durableTier
	defaultTTL time.Duration
	logger     *slog.Logger
}

// NewCache creates the cache from configuration. When a Mongo URI is
// configured the remote tier replaces the disk tier.
func NewCache(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger) (*Cache, error) {
	c := &Cache{
		mem:        make(map[string]*Entry, cfg.MemoryCapacity),
		capacity:   cfg.MemoryCapacity,
		defaultTTL: cfg.DefaultTTL,
		logger:     logger.With("component", "cache"),
	}

	if cfg.Mongo.Enabled() {
		tier, err := newMongoTier(ctx, cfg.Mongo)
		if err != nil {
			return nil, fmt.Errorf("mongo cache tier: %w", err)
		}
		c.durable = tier
	} else {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
		c.durable = &diskTier{dir: cfg.Dir}
	}

	return c, nil
}

// CacheKey builds the canonical cache key:
// cache_type ":" identifier [":" md5(canonical-json(params))[:8]].
func CacheKey(cacheType, identifier string, params map[string]any) string {
	key := cacheType + ":" + identifier
	if len(params) == 0 {
		return key
	}
	// Sort params for a stable hash across processes.
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, params[k])
	}
	raw, _ := json.Marshal(ordered)
	sum := md5.Sum(raw)
	return key + ":" + hex.EncodeToString(sum[:])[:8]
}

// Get returns the cached content for the key, or false on a miss. A
// memory hit increments the entry's hit count in place; a durable hit
// promotes the entry into memory and increments the durable hit count.
func (c *Cache) Get(ctx context.Context, cacheType, identifier string, params map[string]any) (json.RawMessage, bool) {
	key := CacheKey(cacheType, identifier, params)
	now := time.Now().UTC()

	c.mu.Lock()
	if e, ok := c.mem[key]; ok {
		if !e.expired(now) {
			e.HitCount++
			content := e.Content
			c.mu.Unlock()
			c.logger.Debug("memory cache hit", "key", key)
			return content, true
		}
		delete(c.mem, key)
	}
	c.mu.Unlock()

	e, err := c.durable.get(ctx, key)
	if err != nil || e == nil {
		c.logger.Debug("cache miss", "key", key)
		return nil, false
	}
	if e.expired(now) {
		if err := c.durable.delete(ctx, key); err != nil {
			c.logger.Warn("expired entry eviction failed", "key", key, "error", err)
		}
		return nil, false
	}

	e.HitCount++
	if err := c.durable.put(ctx, e); err != nil {
		c.logger.Warn("durable hit-count update failed", "key", key, "error", err)
	}
	c.promote(e)
	c.logger.Debug("durable cache hit", "key", key)
	return e.Content, true
}

// Set stores content under the key in both tiers. A zero ttl uses the
// configured default.
func (c *Cache) Set(ctx context.Context, cacheType, identifier string, params map[string]any, content json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := time.Now().UTC()
	e := &Entry{
		Key:       CacheKey(cacheType, identifier, params),
		CacheType: cacheType,
		ID:        identifier,
		Content:   content,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	c.promote(e)
	if err := c.durable.put(ctx, e); err != nil {
		return fmt.Errorf("durable cache write: %w", err)
	}
	c.logger.Debug("cached", "key", e.Key, "ttl", ttl)
	return nil
}

// Invalidate removes the entry from both tiers.
func (c *Cache) Invalidate(ctx context.Context, cacheType, identifier string, params map[string]any) error {
	key := CacheKey(cacheType, identifier, params)
	c.mu.Lock()
	delete(c.mem, key)
	c.mu.Unlock()
	return c.durable.delete(ctx, key)
}

// MemorySize returns the current number of in-memory entries.
func (c *Cache) MemorySize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.mem)
}

// promote inserts an entry into the memory tier, evicting the entry
// with the lowest hit count when at capacity.
func (c *Cache) promote(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.mem[e.Key]; !ok && len(c.mem) >= c.capacity {
		var victim string
		lowest := int64(-1)
		for k, v := range c.mem {
			if lowest < 0 || v.HitCount < lowest {
				lowest = v.HitCount
				victim = k
			}
		}
		delete(c.mem, victim)
	}
	c.mem[e.Key] = e
}

// --- Disk tier ---

// diskTier stores one JSON file per entry under a fixed directory.
// Writes are temp-file-then-rename; readers treat missing or partial
// files as misses.
type diskTier struct {
	dir string
}

func (d *diskTier) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(d.dir, hex.EncodeToString(sum[:16])+".json")
}

func (d *diskTier) get(_ context.Context, key string) (*Entry, error) {
	raw, err := os.ReadFile(d.path(key))
	if err != nil {
		return nil, nil // missing file is a miss, not an error
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, nil // partial/corrupt file is a miss
	}
	return &e, nil
}

func (d *diskTier) put(_ context.Context, e *Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(d.dir, ".cache-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), d.path(e.Key))
}

func (d *diskTier) delete(_ context.Context, key string) error {
	err := os.Remove(d.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// --- Mongo tier ---

// mongoTier stores one upsertable document per entry, keyed by
// cache_key. Hit counts survive process restarts through this tier.
type mongoTier struct {
	coll *mongo.Collection
}

func newMongoTier(ctx context.Context, cfg config.MongoConfig) (*mongoTier, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}
	return &mongoTier{
		coll: client.Database(cfg.Database).Collection(cfg.Collection),
	}, nil
}

func (m *mongoTier) get(ctx context.Context, key string) (*Entry, error) {
	var e Entry
	err := m.coll.FindOne(ctx, bson.M{"cache_key": key}).Decode(&e)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (m *mongoTier) put(ctx context.Context, e *Entry) error {
	opts := options.Replace().SetUpsert(true)
	_, err := m.coll.ReplaceOne(ctx, bson.M{"cache_key": e.Key}, e, opts)
	return err
}

func (m *mongoTier) delete(ctx context.Context, key string) error {
	_, err := m.coll.DeleteOne(ctx, bson.M{"cache_key": key})
	return err
}
