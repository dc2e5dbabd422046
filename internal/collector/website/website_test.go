package website

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/jackmmaher/marketcrawl/internal/config"
	"github.com/jackmmaher/marketcrawl/internal/fetchctl"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

const landingHTML = `<!DOCTYPE html>
<html>
<head>
	<title>Acme Tracker — Habit Tracking Done Right</title>
	<meta name="description" content="The habit tracker for busy people">
	<script src="https://cdn.example.com/react.production.min.js"></script>
	<script src="https://js.stripe.com/v3/stripe.js"></script>
</head>
<body class="wp-content-free">
	<div class="hero">Build habits that stick. Try Acme free for 30 days.</div>
	<section class="features-grid">
		<div class="feature"><h3>Streak tracking</h3><ul>
			<li>Daily, weekly and monthly cadences</li>
			<li>Reminders that adapt to your timezone</li>
		</ul></div>
		<div class="benefit"><h3>Insightful analytics</h3></div>
	</section>
	<section class="pricing-table">
		<div class="plan"><h3>Free</h3><span class="price">$0/mo</span>
			<ul><li>3 habits</li><li>7-day history</li></ul></div>
		<div class="plan"><h3>Pro</h3><span class="price">$9/mo</span>
			<ul><li>Unlimited habits</li></ul></div>
	</section>
	<img class="screenshot-main" src="/img/app-screenshot.png">
	<img class="screenshot" src="/img/logo-small.png">
	<blockquote>Acme changed how I plan my mornings, absolutely worth it.</blockquote>
	<a href="https://twitter.com/acmetracker">Twitter</a>
	<a href="https://github.com/acmetracker">GitHub</a>
	<a href="/pricing">Pricing</a>
	<a href="/blog">Blog</a>
</body>
</html>`

const pricingHTML = `<!DOCTYPE html>
<html>
<head><title>Pricing — Acme Tracker</title></head>
<body>
	<div class="pricing-card"><h2>Team</h2><span class="price">€29/mo</span>
		<ul><li>Everything in Pro</li><li>Shared dashboards</li></ul></div>
</body>
</html>`

func newTestExtractor(t *testing.T) *Extractor {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Fetch.RetryBaseDelay = time.Millisecond
	cfg.RateLimit.PerMinute = 100000
	cfg.RateLimit.MaxConcurrent = 100
	cfg.RateLimit.PerOriginRPM = nil

	limiter := fetchctl.NewLimiter(cfg.RateLimit, testLogger)
	client := fetchctl.NewClient(cfg, limiter, testLogger)
	return New(client, testLogger)
}

func TestExtractLandingPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/", "":
			fmt.Fprint(w, landingHTML)
		case "/pricing":
			fmt.Fprint(w, pricingHTML)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	e := newTestExtractor(t)
	result, err := e.Extract(context.Background(), Request{
		URL:             srv.URL,
		MaxPages:        1,
		IncludeSubpages: false,
		ExtractPricing:  true,
		ExtractFeatures: true,
	})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	if result.Title != "Acme Tracker — Habit Tracking Done Right" {
		t.Errorf("title = %q", result.Title)
	}
	if result.Description != "The habit tracker for busy people" {
		t.Errorf("description = %q", result.Description)
	}
	if !strings.Contains(result.MainContent, "Build habits that stick") {
		t.Errorf("hero text missing, got %q", result.MainContent)
	}
	if result.CrawledPages != 1 {
		t.Errorf("crawled pages = %d, want 1", result.CrawledPages)
	}

	wantFeature := func(s string) {
		for _, f := range result.Features {
			if f == s {
				return
			}
		}
		t.Errorf("feature %q missing from %v", s, result.Features)
	}
	wantFeature("Streak tracking")
	wantFeature("Insightful analytics")
	wantFeature("Daily, weekly and monthly cadences")

	if result.PricingInfo == nil {
		t.Fatal("pricing missing")
	}
	if !result.PricingInfo.HasFreeTier {
		t.Error("free tier not detected from $0/mo")
	}
	if len(result.PricingInfo.Plans) < 2 {
		t.Errorf("plans = %d, want >= 2", len(result.PricingInfo.Plans))
	}

	if len(result.Screenshots) != 1 || !strings.Contains(result.Screenshots[0], "app-screenshot") {
		t.Errorf("screenshots = %v (logo images must be excluded)", result.Screenshots)
	}

	if len(result.Testimonials) == 0 || !strings.Contains(result.Testimonials[0], "changed how I plan") {
		t.Errorf("testimonials = %v", result.Testimonials)
	}

	hasTech := func(name string) bool {
		for _, tech := range result.TechnologyStack {
			if tech == name {
				return true
			}
		}
		return false
	}
	if !hasTech("React") || !hasTech("Stripe") || !hasTech("WordPress") {
		t.Errorf("technology stack = %v", result.TechnologyStack)
	}

	if result.SocialLinks["twitter"] != "https://twitter.com/acmetracker" {
		t.Errorf("twitter link = %q", result.SocialLinks["twitter"])
	}
	if result.SocialLinks["github"] != "https://github.com/acmetracker" {
		t.Errorf("github link = %q", result.SocialLinks["github"])
	}
}

func TestSubpagePriority(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/", "":
			fmt.Fprint(w, landingHTML)
		case "/pricing":
			fmt.Fprint(w, pricingHTML)
		default:
			fmt.Fprint(w, "<html><head><title>other</title></head><body></body></html>")
		}
	}))
	defer srv.Close()

	e := newTestExtractor(t)
	result, err := e.Extract(context.Background(), Request{
		URL:             srv.URL,
		MaxPages:        2,
		IncludeSubpages: true,
		ExtractPricing:  true,
		ExtractFeatures: true,
	})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	// With a 2-page budget the pricing page must win the second slot
	// over /blog, and its Team plan ends up in the result's pricing.
	if result.CrawledPages != 2 {
		t.Fatalf("crawled pages = %d, want 2", result.CrawledPages)
	}
	foundTeam := false
	for _, p := range result.PricingInfo.Plans {
		if p.Name == "Team" {
			foundTeam = true
		}
	}
	if !foundTeam {
		t.Errorf("pricing subpage plan missing; plans = %+v", result.PricingInfo.Plans)
	}
}

func TestDiscoverLinks(t *testing.T) {
	html := `<html><body>
		<a href="/pricing">Plans</a>
		<a href="/about">About</a>
		<a href="/blog">Blog</a>
		<a href="#section">Anchor</a>
		<a href="mailto:hi@acme.dev">Mail</a>
		<a href="https://elsewhere.example.org/page">External</a>
		<a href="/blog">Blog again</a>
	</body></html>`

	base, _ := url.Parse("https://acme.dev/")
	links := discoverLinks(html, base, map[string]struct{}{})

	if len(links) != 3 {
		t.Fatalf("links = %v, want 3", links)
	}
	// Priority keywords go to the front.
	if !strings.HasSuffix(links[0], "/pricing") && !strings.HasSuffix(links[1], "/pricing") {
		t.Errorf("pricing link not prioritized: %v", links)
	}
	if !strings.HasSuffix(links[len(links)-1], "/blog") {
		t.Errorf("non-priority link must come last: %v", links)
	}
	for _, l := range links {
		if strings.Contains(l, "elsewhere.example.org") {
			t.Errorf("external link leaked: %v", links)
		}
	}
}

func TestIsPricingPage(t *testing.T) {
	doc := mustDoc(t, "<html><head><title>Our Plans</title></head><body></body></html>")
	if !isPricingPage("https://acme.dev/pricing", doc) {
		t.Error("URL keyword must mark a pricing page")
	}
	docPlain := mustDoc(t, "<html><head><title>Pricing overview</title></head><body></body></html>")
	if !isPricingPage("https://acme.dev/x", docPlain) {
		t.Error("title keyword must mark a pricing page")
	}
	docOther := mustDoc(t, "<html><head><title>Blog</title></head><body></body></html>")
	if isPricingPage("https://acme.dev/blog", docOther) {
		t.Error("blog page misclassified as pricing")
	}
}

func TestTestimonialLengthBounds(t *testing.T) {
	short := "<html><body><blockquote>meh</blockquote></body></html>"
	long := "<html><body><blockquote>" + strings.Repeat("long ", 200) + "</blockquote></body></html>"

	if got := extractTestimonials(mustDoc(t, short)); len(got) != 0 {
		t.Errorf("short quote kept: %v", got)
	}
	if got := extractTestimonials(mustDoc(t, long)); len(got) != 0 {
		t.Errorf("oversize quote kept: %v", got)
	}
}

func mustDoc(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return doc
}
