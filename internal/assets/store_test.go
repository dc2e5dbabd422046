package assets

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

func newPaletteStore(t *testing.T) *Store[ColorPalette] {
	t.Helper()
	path := filepath.Join(t.TempDir(), "palettes.json")
	return NewStore(path, "palettes", func(p ColorPalette) string {
		return strings.Join(p.Colors, ",")
	}, testLogger)
}

func TestSaveAndLoad(t *testing.T) {
	s := newPaletteStore(t)
	in := []ColorPalette{
		{Name: "A", Colors: []string{"#000", "#fff"}},
		{Name: "B", Colors: []string{"#111", "#eee"}},
	}
	if err := s.Save(in, false); err != nil {
		t.Fatalf("save: %v", err)
	}

	out, ok := s.Load(true)
	if !ok {
		t.Fatal("fresh save must load")
	}
	if len(out) != 2 {
		t.Fatalf("loaded %d items, want 2", len(out))
	}
}

func TestAccumulateIsIdempotent(t *testing.T) {
	s := newPaletteStore(t)
	batch := []ColorPalette{
		{Name: "A", Colors: []string{"#000", "#fff"}},
		{Name: "B", Colors: []string{"#111", "#eee"}},
	}

	// Repeated identical saves converge: the set grows once, then
	// stays fixed.
	for i := 0; i < 3; i++ {
		if err := s.Save(batch, true); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	out, _ := s.Load(false)
	if len(out) != 2 {
		t.Fatalf("after repeated saves: %d items, want 2", len(out))
	}

	// A batch with one new and one duplicate grows the set strictly
	// by one.
	if err := s.Save([]ColorPalette{
		{Name: "A again", Colors: []string{"#000", "#fff"}},
		{Name: "C", Colors: []string{"#222", "#ddd"}},
	}, true); err != nil {
		t.Fatalf("save: %v", err)
	}
	out, _ = s.Load(false)
	if len(out) != 3 {
		t.Fatalf("after mixed save: %d items, want 3", len(out))
	}
}

func TestReplaceMode(t *testing.T) {
	s := newPaletteStore(t)
	s.Save([]ColorPalette{{Colors: []string{"#000"}}}, true)
	s.Save([]ColorPalette{{Colors: []string{"#123"}}}, false)

	out, _ := s.Load(false)
	if len(out) != 1 || out[0].Colors[0] != "#123" {
		t.Errorf("replace save kept old items: %+v", out)
	}
}

func TestEnvelopeShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "palettes.json")
	s := NewStore(path, "palettes", func(p ColorPalette) string {
		return strings.Join(p.Colors, ",")
	}, testLogger)

	if err := s.Save([]ColorPalette{{Name: "A", Colors: []string{"#000"}}}, true); err != nil {
		t.Fatalf("save: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, field := range []string{"cached_at", "total_accumulated", "palettes"} {
		if _, ok := doc[field]; !ok {
			t.Errorf("envelope missing %q; got fields %v", field, keys(doc))
		}
	}

	var total int
	json.Unmarshal(doc["total_accumulated"], &total)
	if total != 1 {
		t.Errorf("total_accumulated = %d, want 1", total)
	}

	// No temp files survive the atomic rename.
	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	s := newPaletteStore(t)
	if items, ok := s.Load(true); ok || items != nil {
		t.Errorf("missing file must load as empty, got %v %v", items, ok)
	}
}

func TestCatalogFallbacks(t *testing.T) {
	c := NewCatalog(t.TempDir(), testLogger)
	if len(c.LoadPalettes()) == 0 {
		t.Error("empty store must fall back to curated palettes")
	}
	if len(c.LoadPairings()) == 0 {
		t.Error("empty store must fall back to curated pairings")
	}
	if len(c.LoadFonts()) == 0 {
		t.Error("empty store must fall back to curated fonts")
	}
}

func keys(m map[string]json.RawMessage) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
