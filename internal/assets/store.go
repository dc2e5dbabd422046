// Package assets persists curated design-asset lists (color palettes,
// font pairings, font catalogs) as accumulating JSON files. A save in
// accumulate mode merges new unique items into the existing set; a save
// without it replaces the set. The files survive restarts.
package assets

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// maxAge is how long a store's contents are considered fresh. Expiry
// only gates Load(checkExpiry=true); accumulation always reads the
// full set regardless of age.
const maxAge = 24 * time.Hour

// Store is one accumulating JSON file. The on-disk shape is
// {cached_at, total_accumulated, <itemsField>: [...]}, written via
// temp-file-then-rename.
type Store[T any] struct {
	path       string
	itemsField string
	key        func(T) string

	mu     sync.Mutex
	logger *slog.Logger
}

// NewStore creates a store persisting to path. key must be a stable
// identity function used for accumulation de-dup.
func NewStore[T any](path, itemsField string, key func(T) string, logger *slog.Logger) *Store[T] {
	return &Store[T]{
		path:       path,
		itemsField: itemsField,
		key:        key,
		logger:     logger.With("component", "asset_store", "file", filepath.Base(path)),
	}
}

// Load reads the stored items. With checkExpiry true, a stale file
// yields (nil, false) to signal that a refresh is due; with it false
// the full set is returned for accumulation regardless of age.
func (s *Store[T]) Load(checkExpiry bool) ([]T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(checkExpiry)
}

func (s *Store[T]) loadLocked(checkExpiry bool) ([]T, bool) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		s.logger.Warn("corrupt asset file treated as empty", "error", err)
		return nil, false
	}

	if checkExpiry {
		var cachedAt string
		if rawAt, ok := fields["cached_at"]; ok {
			_ = json.Unmarshal(rawAt, &cachedAt)
		}
		at, err := time.Parse(time.RFC3339, cachedAt)
		if err != nil || time.Since(at) > maxAge {
			return nil, false
		}
	}

	var items []T
	if rawItems, ok := fields[s.itemsField]; ok {
		if err := json.Unmarshal(rawItems, &items); err != nil {
			s.logger.Warn("corrupt asset items treated as empty", "error", err)
			return nil, false
		}
	}
	return items, true
}

// Save persists items. With accumulate true, the existing set is
// loaded (ignoring expiry), new unique items are appended, and the
// merged set is written; duplicates by key are dropped. Repeated saves
// of the same input converge.
func (s *Store[T]) Save(items []T, accumulate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := items
	if accumulate {
		existing, _ := s.loadLocked(false)
		seen := make(map[string]struct{}, len(existing))
		for _, item := range existing {
			seen[s.key(item)] = struct{}{}
		}
		added := 0
		for _, item := range items {
			k := s.key(item)
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			existing = append(existing, item)
			added++
		}
		all = existing
		s.logger.Debug("accumulated items", "added", added, "total", len(all))
	}

	rawItems, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	doc := map[string]json.RawMessage{
		"cached_at":         mustJSON(time.Now().UTC().Format(time.RFC3339)),
		"total_accumulated": mustJSON(len(all)),
		s.itemsField:        rawItems,
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create asset dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".asset-*.tmp")
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
	return os.Rename(tmp.Name(), s.path)
}

func mustJSON(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}
