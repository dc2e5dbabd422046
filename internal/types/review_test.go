package types

import (
	"strings"
	"testing"
)

func TestDigestStable(t *testing.T) {
	d1 := Digest("alice", "great app, use it daily")
	d2 := Digest("alice", "great app, use it daily")
	if d1 != d2 {
		t.Fatalf("digest not deterministic: %q != %q", d1, d2)
	}
	if len(d1) != 16 {
		t.Fatalf("expected 16 hex chars, got %d (%q)", len(d1), d1)
	}
	for _, c := range d1 {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Fatalf("non-hex character %q in digest %q", c, d1)
		}
	}
}

func TestDigestUsesContentPrefix(t *testing.T) {
	prefix := strings.Repeat("x", 100)
	d1 := Digest("bob", prefix+"tail one")
	d2 := Digest("bob", prefix+"completely different tail")
	if d1 != d2 {
		t.Errorf("digests should match on identical 100-char prefixes")
	}

	d3 := Digest("bob", "short content")
	d4 := Digest("carol", "short content")
	if d3 == d4 {
		t.Errorf("different authors must produce different digests")
	}
}

func TestParseRating(t *testing.T) {
	tests := []struct {
		name string
		n    int
		ok   bool
		want *int
	}{
		{"valid mid", 3, true, ptr(3)},
		{"valid low", 1, true, ptr(1)},
		{"valid high", 5, true, ptr(5)},
		{"zero", 0, true, nil},
		{"out of range", 6, true, nil},
		{"negative", -1, true, nil},
		{"parse failed", 3, false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseRating(tt.n, tt.ok)
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("ParseRating(%d, %v) = %v, want %v", tt.n, tt.ok, got, tt.want)
			}
			if got != nil && *got != *tt.want {
				t.Fatalf("ParseRating(%d, %v) = %d, want %d", tt.n, tt.ok, *got, *tt.want)
			}
		})
	}
}

func TestTruncateContent(t *testing.T) {
	r := &Review{Content: strings.Repeat("a", MaxReviewContentLen+500)}
	r.TruncateContent()
	if len(r.Content) != MaxReviewContentLen {
		t.Errorf("content length = %d, want %d", len(r.Content), MaxReviewContentLen)
	}

	short := &Review{Content: "fine"}
	short.TruncateContent()
	if short.Content != "fine" {
		t.Errorf("short content must be untouched")
	}
}

func TestComputeReviewStats(t *testing.T) {
	reviews := []*Review{
		{Rating: ptr(5), Source: SourceFeed},
		{Rating: ptr(5), Source: SourceFeed},
		{Rating: ptr(3), Source: SourceBrowser},
		{Rating: nil, Source: SourceBrowser}, // excluded from histogram
		{Rating: ptr(1), Source: SourceFeed},
	}

	stats := ComputeReviewStats(reviews)

	if stats.Total != 5 {
		t.Errorf("total = %d, want 5", stats.Total)
	}
	if stats.Sources.Feed != 3 || stats.Sources.Browser != 2 {
		t.Errorf("sources = %+v, want feed:3 browser:2", stats.Sources)
	}
	if stats.RatingDistribution["5"] != 2 || stats.RatingDistribution["3"] != 1 || stats.RatingDistribution["1"] != 1 {
		t.Errorf("distribution = %v", stats.RatingDistribution)
	}
	// (5+5+3+1)/4 = 3.5 over rated reviews only
	if stats.AverageRating != 3.5 {
		t.Errorf("average = %v, want 3.5", stats.AverageRating)
	}
}

func TestComputeReviewStatsEmpty(t *testing.T) {
	stats := ComputeReviewStats(nil)
	if stats.Total != 0 || stats.AverageRating != 0 {
		t.Errorf("empty stats = %+v", stats)
	}
	if stats.RatingDistribution["5"] != 0 {
		t.Errorf("expected zeroed distribution, got %v", stats.RatingDistribution)
	}
}

func ptr(n int) *int { return &n }

func BenchmarkDigest(b *testing.B) {
	content := strings.Repeat("the quick brown fox ", 20)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Digest("author", content)
	}
}
