package assets

import (
	"log/slog"
	"path/filepath"
	"strings"
)

// ColorPalette is one curated color combination.
type ColorPalette struct {
	Name   string   `json:"name,omitempty"`
	Colors []string `json:"colors"`
	Source string   `json:"source,omitempty"`
}

// FontPairing is one heading/body font combination.
type FontPairing struct {
	Heading string `json:"heading"`
	Body    string `json:"body"`
	Source  string `json:"source,omitempty"`
}

// Font is one catalog entry.
type Font struct {
	Family   string `json:"family"`
	Category string `json:"category,omitempty"`
}

// Catalog bundles the three asset stores under one data directory.
type Catalog struct {
	Palettes *Store[ColorPalette]
	Pairings *Store[FontPairing]
	Fonts    *Store[Font]
}

// NewCatalog creates the stores at <dataDir>/<source>.json.
func NewCatalog(dataDir string, logger *slog.Logger) *Catalog {
	return &Catalog{
		Palettes: NewStore(filepath.Join(dataDir, "palettes.json"), "palettes",
			func(p ColorPalette) string { return strings.Join(p.Colors, ",") }, logger),
		Pairings: NewStore(filepath.Join(dataDir, "font_pairs.json"), "pairings",
			func(p FontPairing) string { return p.Heading + "|" + p.Body }, logger),
		Fonts: NewStore(filepath.Join(dataDir, "fonts.json"), "fonts",
			func(f Font) string { return f.Family }, logger),
	}
}

// FallbackPalettes is the curated list served when the store is empty.
var FallbackPalettes = []ColorPalette{
	{Name: "Midnight", Colors: []string{"#0f172a", "#1e293b", "#38bdf8", "#e2e8f0"}, Source: "curated"},
	{Name: "Forest", Colors: []string{"#14532d", "#22c55e", "#bbf7d0", "#f0fdf4"}, Source: "curated"},
	{Name: "Sunset", Colors: []string{"#7c2d12", "#ea580c", "#fdba74", "#fff7ed"}, Source: "curated"},
	{Name: "Plum", Colors: []string{"#4a044e", "#a21caf", "#f0abfc", "#fdf4ff"}, Source: "curated"},
	{Name: "Slate", Colors: []string{"#111827", "#4b5563", "#d1d5db", "#f9fafb"}, Source: "curated"},
	{Name: "Ocean", Colors: []string{"#082f49", "#0284c7", "#7dd3fc", "#f0f9ff"}, Source: "curated"},
}

// FallbackPairings is the curated pairing list.
var FallbackPairings = []FontPairing{
	{Heading: "Playfair Display", Body: "Source Sans Pro", Source: "curated"},
	{Heading: "Montserrat", Body: "Merriweather", Source: "curated"},
	{Heading: "Oswald", Body: "Open Sans", Source: "curated"},
	{Heading: "Raleway", Body: "Roboto", Source: "curated"},
	{Heading: "Lora", Body: "Lato", Source: "curated"},
}

// FallbackFonts is the curated font catalog.
var FallbackFonts = []Font{
	{Family: "Inter", Category: "sans-serif"},
	{Family: "Roboto", Category: "sans-serif"},
	{Family: "Open Sans", Category: "sans-serif"},
	{Family: "Lato", Category: "sans-serif"},
	{Family: "Merriweather", Category: "serif"},
	{Family: "Playfair Display", Category: "serif"},
	{Family: "Lora", Category: "serif"},
	{Family: "JetBrains Mono", Category: "monospace"},
}

// LoadPalettes returns stored palettes, falling back to the curated
// list when the store is empty or stale.
func (c *Catalog) LoadPalettes() []ColorPalette {
	if items, ok := c.Palettes.Load(true); ok && len(items) > 0 {
		return items
	}
	return FallbackPalettes
}

// LoadPairings returns stored pairings or the curated fallback.
func (c *Catalog) LoadPairings() []FontPairing {
	if items, ok := c.Pairings.Load(true); ok && len(items) > 0 {
		return items
	}
	return FallbackPairings
}

// LoadFonts returns stored fonts or the curated fallback.
func (c *Catalog) LoadFonts() []Font {
	if items, ok := c.Fonts.Load(true); ok && len(items) > 0 {
		return items
	}
	return FallbackFonts
}
