// Package website extracts marketing-page intelligence from arbitrary
// competitor sites: metadata, hero copy, feature lists, pricing tables,
// screenshots, testimonials, technology hints, and social links.
package website

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"

	"github.com/jackmmaher/marketcrawl/internal/fetchctl"
)

// Request configures one website extraction.
type Request struct {
	URL             string
	MaxPages        int
	IncludeSubpages bool
	ExtractPricing  bool
	ExtractFeatures bool
}

// PricingPlan is one tier of a pricing table.
type PricingPlan struct {
	Name      string   `json:"name,omitempty"`
	PriceText string   `json:"price_text,omitempty"`
	Features  []string `json:"features"`
}

// PricingInfo summarizes a site's pricing section.
type PricingInfo struct {
	Plans       []PricingPlan `json:"plans"`
	HasFreeTier bool          `json:"has_free_tier"`
	Currency    string        `json:"currency"`
}

// Result is the extracted site summary.
type Result struct {
	URL             string            `json:"url"`
	Domain          string            `json:"domain"`
	Title           string            `json:"title"`
	Description     string            `json:"description"`
	MainContent     string            `json:"main_content"`
	Features        []string          `json:"features"`
	PricingInfo     *PricingInfo      `json:"pricing_info"`
	Screenshots     []string          `json:"screenshots"`
	Testimonials    []string          `json:"testimonials"`
	TechnologyStack []string          `json:"technology_stack"`
	SocialLinks     map[string]string `json:"social_links"`
	CrawledPages    int               `json:"crawled_pages"`
}

// Extractor traverses a site through the fetch substrate.
type Extractor struct {
	client *fetchctl.Client
	logger *slog.Logger
}

// New creates a website extractor.
func New(client *fetchctl.Client, logger *slog.Logger) *Extractor {
	return &Extractor{
		client: client,
		logger: logger.With("component", "website_extractor"),
	}
}

// priorityKeywords mark subpages worth visiting before the rest.
var priorityKeywords = []string{
	"pricing", "price", "plans",
	"features", "capabilities",
	"about",
	"testimonials", "reviews",
	"faq",
}

// Extract crawls at most MaxPages same-host pages starting from the
// root. Features from later pages are merged into the result; pricing
// found on a pricing subpage replaces any pricing taken earlier.
func (e *Extractor) Extract(ctx context.Context, req Request) (*Result, error) {
	rootURL := req.URL
	if !strings.HasPrefix(rootURL, "http") {
		rootURL = "https://" + rootURL
	}
	parsed, err := url.Parse(rootURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	host := parsed.Host

	result := &Result{
		URL:         rootURL,
		Domain:      host,
		Features:    []string{},
		Screenshots: []string{},
		Testimonials: []string{},
		TechnologyStack: []string{},
		SocialLinks: map[string]string{},
	}

	if req.MaxPages < 1 {
		req.MaxPages = 1
	}

	visited := make(map[string]struct{})
	queue := []string{rootURL}

	for len(queue) > 0 && len(visited) < req.MaxPages {
		current := queue[0]
		queue = queue[1:]
		if _, done := visited[current]; done {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		html, err := e.client.FetchText(ctx, current, nil)
		if err != nil {
			e.logger.Warn("page fetch failed", "url", current, "error", err)
			continue
		}
		visited[current] = struct{}{}
		result.CrawledPages++

		doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
		if err != nil {
			e.logger.Warn("page parse failed", "url", current, "error", err)
			continue
		}

		if current == rootURL {
			e.extractMainPage(doc, html, result, req)
		} else {
			if req.ExtractPricing && isPricingPage(current, doc) {
				if pricing := extractPricing(doc); pricing != nil {
					result.PricingInfo = pricing
				}
			} else if req.ExtractFeatures && isFeaturesPage(current, doc) {
				result.Features = appendUnique(result.Features, extractFeatures(doc)...)
			}
		}

		if req.IncludeSubpages && len(visited) < req.MaxPages {
			base, err := url.Parse(current)
			if err != nil {
				continue
			}
			links := discoverLinks(html, base, visited)
			remaining := req.MaxPages - len(visited)
			if len(links) > remaining {
				links = links[:remaining]
			}
			queue = append(queue, links...)
		}
	}

	return result, nil
}

// extractMainPage pulls everything of interest from the landing page.
func (e *Extractor) extractMainPage(doc *goquery.Document, rawHTML string, result *Result, req Request) {
	result.Title = strings.TrimSpace(doc.Find("title").First().Text())

	if desc, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok {
		result.Description = desc
	}
	if result.Description == "" {
		if og, ok := doc.Find(`meta[property="og:description"]`).Attr("content"); ok {
			result.Description = og
		}
	}

	result.MainContent = extractHero(doc)

	if req.ExtractFeatures {
		result.Features = appendUnique(result.Features, extractFeatures(doc)...)
	}
	if req.ExtractPricing {
		if pricing := extractPricing(doc); pricing != nil {
			result.PricingInfo = pricing
		}
	}
	result.Screenshots = extractScreenshots(doc)
	result.Testimonials = extractTestimonials(doc)
	result.TechnologyStack = detectTechnology(rawHTML)
	result.SocialLinks = extractSocialLinks(doc)
}

// extractHero returns the first matching hero section's text, capped at
// 1000 characters.
func extractHero(doc *goquery.Document) string {
	for _, sel := range []string{".hero", ".jumbotron", ".banner", `[class*="hero"]`, "header"} {
		hero := doc.Find(sel).First()
		if hero.Length() == 0 {
			continue
		}
		text := squashSpace(hero.Text())
		if text == "" {
			continue
		}
		if len(text) > 1000 {
			text = text[:1000]
		}
		return text
	}
	return ""
}

// extractFeatures unions headings and list items inside feature-like
// containers.
func extractFeatures(doc *goquery.Document) []string {
	var features []string
	seen := make(map[string]struct{})

	add := func(text string, maxLen int) {
		text = squashSpace(text)
		if len(text) <= 5 || len(text) >= maxLen {
			return
		}
		if len(text) > 100 {
			text = text[:100]
		}
		if _, dup := seen[text]; dup {
			return
		}
		seen[text] = struct{}{}
		features = append(features, text)
	}

	containers := doc.Find(`[class*="feature"], [class*="benefit"]`)
	containers.Each(func(_ int, section *goquery.Selection) {
		section.Find("h2, h3, h4, strong, b").Each(func(_ int, h *goquery.Selection) {
			add(h.Text(), 100)
		})
		section.Find("li").Slice(0, intMin(section.Find("li").Length(), 10)).Each(func(_ int, li *goquery.Selection) {
			add(li.Text(), 200)
		})
	})

	if len(features) > 30 {
		features = features[:30]
	}
	return features
}

// extractPricing captures plan cards from pricing-like containers.
func extractPricing(doc *goquery.Document) *PricingInfo {
	pricing := &PricingInfo{Currency: "USD"}

	doc.Find(`[class*="pricing"], [class*="plan"], [class*="tier"]`).Each(func(i int, container *goquery.Selection) {
		if i >= 10 {
			return
		}
		plan := PricingPlan{Features: []string{}}

		if name := container.Find(`h2, h3, .plan-name, [class*="title"]`).First(); name.Length() > 0 {
			plan.Name = squashSpace(name.Text())
		}
		if price := container.Find(`[class*="price"], .amount`).First(); price.Length() > 0 {
			plan.PriceText = squashSpace(price.Text())

			lower := strings.ToLower(plan.PriceText)
			if strings.Contains(lower, "free") || strings.Contains(lower, "$0") || strings.Contains(lower, "0/mo") {
				pricing.HasFreeTier = true
			}
			switch {
			case strings.Contains(plan.PriceText, "$"):
				pricing.Currency = "USD"
			case strings.Contains(plan.PriceText, "€"):
				pricing.Currency = "EUR"
			case strings.Contains(plan.PriceText, "£"):
				pricing.Currency = "GBP"
			}
		}

		container.Find("li, .feature").Each(func(j int, f *goquery.Selection) {
			if j >= 10 {
				return
			}
			text := squashSpace(f.Text())
			if text == "" {
				return
			}
			if len(text) > 100 {
				text = text[:100]
			}
			plan.Features = append(plan.Features, text)
		})

		if plan.Name != "" || plan.PriceText != "" {
			pricing.Plans = append(pricing.Plans, plan)
		}
	})

	if len(pricing.Plans) == 0 {
		return nil
	}
	return pricing
}

// extractScreenshots finds product imagery, skipping icons and avatars.
func extractScreenshots(doc *goquery.Document) []string {
	var shots []string
	seen := make(map[string]struct{})

	selectors := []string{
		`img[class*="screenshot"]`,
		`img[class*="product"]`,
		`img[class*="preview"]`,
		`img[alt*="screenshot"]`,
	}
	for _, sel := range selectors {
		doc.Find(sel).Each(func(_ int, img *goquery.Selection) {
			src, ok := img.Attr("src")
			if !ok || src == "" {
				src, _ = img.Attr("data-src")
			}
			if src == "" {
				return
			}
			lower := strings.ToLower(src)
			for _, skip := range []string{"icon", "logo", "avatar", "profile"} {
				if strings.Contains(lower, skip) {
					return
				}
			}
			if _, dup := seen[src]; dup {
				return
			}
			seen[src] = struct{}{}
			shots = append(shots, src)
		})
	}

	if len(shots) > 10 {
		shots = shots[:10]
	}
	return shots
}

// extractTestimonials keeps quote-like text between 20 and 500 chars.
func extractTestimonials(doc *goquery.Document) []string {
	var testimonials []string
	doc.Find(`[class*="testimonial"], [class*="review"], blockquote`).Each(func(i int, sel *goquery.Selection) {
		if len(testimonials) >= 5 {
			return
		}
		text := squashSpace(sel.Text())
		if len(text) <= 20 || len(text) >= 500 {
			return
		}
		if len(text) > 300 {
			text = text[:300]
		}
		testimonials = append(testimonials, text)
	})
	return testimonials
}

// techPatterns is the fixed dictionary of library/framework hints.
var techPatterns = map[string][]string{
	"React":            {`react`, `_reactRoot`},
	"Vue.js":           {`vue`, `__vue__`},
	"Angular":          {`ng-app`, `angular`},
	"Next.js":          {`__NEXT_DATA__`, `next/`},
	"Nuxt.js":          {`__nuxt`},
	"Tailwind CSS":     {`tailwind`},
	"Bootstrap":        {`bootstrap`},
	"jQuery":           {`jquery`},
	"WordPress":        {`wp-content`, `wordpress`},
	"Shopify":          {`shopify`, `cdn.shopify`},
	"Webflow":          {`webflow`},
	"Stripe":           {`stripe.js`, `stripe.com`},
	"Intercom":         {`intercom`},
	"Segment":          {`segment.com`, `analytics.js`},
	"Google Analytics": {`google-analytics`, `gtag`},
	"Hotjar":           {`hotjar`},
	"Cloudflare":       {`cloudflare`},
}

// detectTechnology substring-matches the raw HTML against the hint
// dictionary.
func detectTechnology(rawHTML string) []string {
	lower := strings.ToLower(rawHTML)
	var hints []string
	for tech, patterns := range techPatterns {
		for _, p := range patterns {
			if strings.Contains(lower, strings.ToLower(p)) {
				hints = append(hints, tech)
				break
			}
		}
	}
	return hints
}

// socialPatterns match platform profile links.
var socialPatterns = map[string]*regexp.Regexp{
	"twitter":   regexp.MustCompile(`(?i)twitter\.com/\w+`),
	"facebook":  regexp.MustCompile(`(?i)facebook\.com/\w+`),
	"linkedin":  regexp.MustCompile(`(?i)linkedin\.com/(company|in)/\w+`),
	"instagram": regexp.MustCompile(`(?i)instagram\.com/\w+`),
	"youtube":   regexp.MustCompile(`(?i)youtube\.com/(c|channel|user)/\w+`),
	"github":    regexp.MustCompile(`(?i)github\.com/\w+`),
	"discord":   regexp.MustCompile(`(?i)discord\.(gg|com)`),
}

// extractSocialLinks keeps the first matching href per platform.
func extractSocialLinks(doc *goquery.Document) map[string]string {
	links := make(map[string]string)
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		for platform, re := range socialPatterns {
			if _, done := links[platform]; done {
				continue
			}
			if re.MatchString(href) {
				links[platform] = href
			}
		}
	})
	return links
}

// discoverLinks collects unvisited same-host links from the page via
// XPath, placing keyword-relevant pages at the front of the result.
func discoverLinks(rawHTML string, base *url.URL, visited map[string]struct{}) []string {
	doc, err := htmlquery.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil
	}

	var priority, rest []string
	seen := make(map[string]struct{})

	for _, node := range htmlquery.Find(doc, "//a[@href]") {
		href := htmlquery.SelectAttr(node, "href")
		if href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "tel:") {
			continue
		}

		ref, err := url.Parse(href)
		if err != nil {
			continue
		}
		resolved := base.ResolveReference(ref)
		if resolved.Host != base.Host {
			continue
		}
		href = resolved.String()
		if _, done := visited[href]; done {
			continue
		}
		if _, dup := seen[href]; dup {
			continue
		}
		seen[href] = struct{}{}

		lower := strings.ToLower(href + " " + htmlquery.InnerText(node))
		isPriority := false
		for _, kw := range priorityKeywords {
			if strings.Contains(lower, kw) {
				isPriority = true
				break
			}
		}
		if isPriority {
			priority = append(priority, href)
		} else {
			rest = append(rest, href)
		}
	}

	return append(priority, rest...)
}

// isPricingPage checks the URL and title for pricing markers.
func isPricingPage(pageURL string, doc *goquery.Document) bool {
	lower := strings.ToLower(pageURL)
	for _, kw := range []string{"pricing", "price", "plans", "subscription"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	title := strings.ToLower(doc.Find("title").Text())
	return strings.Contains(title, "pricing") || strings.Contains(title, "plans")
}

// isFeaturesPage checks the URL and title for feature markers.
func isFeaturesPage(pageURL string, doc *goquery.Document) bool {
	lower := strings.ToLower(pageURL)
	for _, kw := range []string{"features", "capabilities", "product"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	title := strings.ToLower(doc.Find("title").Text())
	return strings.Contains(title, "features") || strings.Contains(title, "capabilities")
}

var spaceRe = regexp.MustCompile(`\s+`)

func squashSpace(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

func appendUnique(dst []string, items ...string) []string {
	seen := make(map[string]struct{}, len(dst))
	for _, s := range dst {
		seen[s] = struct{}{}
	}
	for _, s := range items {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		dst = append(dst, s)
	}
	return dst
}

func intMin(a, b int) int {
	if a < b {
		return a
	}
	return b
}
