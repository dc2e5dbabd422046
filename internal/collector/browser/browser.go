// Package browser collects reviews by driving a headless browser
// against the storefront's human-facing pages. It is the expensive
// collector: one Chromium process per service, one isolated context per
// page acquisition, sequential locale sweeps.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/jackmmaher/marketcrawl/internal/config"
	"github.com/jackmmaher/marketcrawl/internal/fetchctl"
	"github.com/jackmmaher/marketcrawl/internal/types"
)

// priorityLocales are the additional storefronts visited by a
// multi-locale sweep, in fixed order after the caller's primary locale.
var priorityLocales = []string{
	"us", "gb", "ca", "au", "de", "fr", "jp", "kr",
	"cn", "br", "mx", "es", "it", "nl", "se", "no",
}

// Request configures one browser crawl.
type Request struct {
	AppID       string
	Country     string
	Cap         int
	MinRating   int // 0 means no lower bound
	MaxRating   int // 0 means no upper bound
	MultiLocale bool
}

// VersionEntry is one row of the storefront's version history.
type VersionEntry struct {
	Version string `json:"version"`
	Text    string `json:"text"`
}

// PrivacyLabel is one card of the storefront's privacy section.
type PrivacyLabel struct {
	Category  string   `json:"category"`
	Text      string   `json:"text"`
	DataTypes []string `json:"data_types"`
	Purposes  []string `json:"purposes"`
}

// Collector owns the browser process. Context allocation is serialized
// behind a mutex; the underlying driver does not tolerate concurrent
// new-context calls.
type Collector struct {
	browser *rod.Browser
	client  *fetchctl.Client
	cfg     *config.BrowserConfig
	logger  *slog.Logger

	ctxMu sync.Mutex
}

// New launches the browser with anti-automation flags. A launch failure
// is process-fatal: the service refuses to start without its browser.
func New(cfg *config.Config, client *fetchctl.Client, logger *slog.Logger) (*Collector, error) {
	l := launcher.New().
		Headless(cfg.Browser.Headless).
		Set("disable-gpu").
		Set("disable-dev-shm-usage").
		Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-blink-features", "AutomationControlled").
		Set("window-size", "1920,1080")

	launchURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("%w: %v (is Chromium installed?)", types.ErrBrowserLaunch, err)
	}

	browser := rod.New().ControlURL(launchURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("%w: connect: %v", types.ErrBrowserLaunch, err)
	}

	c := &Collector{
		browser: browser,
		client:  client,
		cfg:     &cfg.Browser,
		logger:  logger.With("component", "browser_collector"),
	}
	c.logger.Info("browser collector ready", "headless", cfg.Browser.Headless)
	return c, nil
}

// Close shuts down the browser process.
func (c *Collector) Close() error {
	if c.browser != nil {
		return c.browser.Close()
	}
	return nil
}

// acquirePage allocates a fresh isolated context and a single tab. The
// returned teardown closes both and runs on every exit path.
func (c *Collector) acquirePage(ctx context.Context) (*rod.Page, func(), error) {
	c.ctxMu.Lock()
	defer c.ctxMu.Unlock()

	incognito, err := c.browser.Incognito()
	if err != nil {
		return nil, nil, fmt.Errorf("new browser context: %w", err)
	}
	page, err := stealth.Page(incognito)
	if err != nil {
		return nil, nil, fmt.Errorf("stealth page: %w", err)
	}
	page = page.Context(ctx)

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width: 1920, Height: 1080, DeviceScaleFactor: 1,
	}); err != nil {
		c.logger.Warn("viewport override failed", "error", err)
	}

	teardown := func() {
		_ = page.Close()
		_ = proto.TargetDisposeBrowserContext{
			BrowserContextID: incognito.BrowserContextID,
		}.Call(incognito)
	}
	return page, teardown, nil
}

// localeBudget maps the requested cap to how many storefronts a
// multi-locale sweep visits, primary locale included.
func localeBudget(reviewCap int) int {
	switch {
	case reviewCap >= 3000:
		return 16
	case reviewCap >= 1500:
		return 12
	default:
		return 8
	}
}

// sweepLocales returns the locales to visit, primary first, without
// duplicates, capped by the locale budget.
func sweepLocales(primary string, reviewCap int, multi bool) []string {
	if !multi || reviewCap <= 100 {
		return []string{primary}
	}
	locales := []string{primary}
	for _, l := range priorityLocales {
		if l == primary {
			continue
		}
		locales = append(locales, l)
	}
	if budget := localeBudget(reviewCap); len(locales) > budget {
		locales = locales[:budget]
	}
	return locales
}

// Collect sweeps the storefront pages and returns de-duplicated
// reviews. A failure on one locale logs and continues; only context
// cancellation aborts the sweep.
func (c *Collector) Collect(ctx context.Context, req Request) ([]*types.Review, error) {
	acc := newAccumulator(req)
	locales := sweepLocales(req.Country, req.Cap, req.MultiLocale)

	c.logger.Info("browser crawl starting",
		"app_id", req.AppID,
		"cap", req.Cap,
		"locales", len(locales),
	)

	for i, locale := range locales {
		if acc.full() {
			break
		}
		if err := ctx.Err(); err != nil {
			return acc.reviews(), err
		}

		if err := c.collectLocale(ctx, req.AppID, locale, acc); err != nil {
			if ctx.Err() != nil {
				return acc.reviews(), ctx.Err()
			}
			c.logger.Warn("locale failed, continuing",
				"locale", locale,
				"error", &types.CollectError{Collector: "browser", Scope: locale, Err: err},
			)
		}

		if i < len(locales)-1 && !acc.full() {
			if err := sleepCtx(ctx, 1500*time.Millisecond); err != nil {
				return acc.reviews(), err
			}
		}
	}

	c.logger.Info("browser crawl complete", "reviews", acc.size(), "locales", len(locales))
	return acc.reviews(), nil
}

// collectLocale navigates one storefront and runs the scroll loop.
func (c *Collector) collectLocale(ctx context.Context, appID, locale string, acc *accumulator) error {
	pageURL := fmt.Sprintf("https://%s/%s/app/id%s", c.cfg.StorefrontHost, locale, appID)

	release, err := c.client.Acquire(ctx, pageURL)
	if err != nil {
		return err
	}
	defer release()

	page, teardown, err := c.acquirePage(ctx)
	if err != nil {
		return err
	}
	defer teardown()

	if err := page.Timeout(c.cfg.NavTimeout).Navigate(pageURL); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	// domcontentloaded is enough; review articles lazy-load afterwards.
	if err := page.Timeout(c.cfg.NavTimeout).WaitDOMStable(300*time.Millisecond, 0.1); err != nil {
		c.logger.Debug("page stability timeout, continuing", "url", pageURL, "error", err)
	}

	c.clickSeeAllReviews(page)

	noNew := 0
	for iter := 0; iter < c.cfg.MaxScrolls; iter++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		added, err := c.extractInto(page, locale, acc)
		if err != nil {
			c.logger.Debug("extraction failed this iteration", "locale", locale, "error", err)
		}
		if acc.full() {
			return nil
		}

		if added == 0 {
			noNew++
			if noNew >= 5 {
				return nil
			}
		} else {
			noNew = 0
		}

		c.scrollOnce(page)

		wait := 2500 * time.Millisecond
		if iter >= 5 {
			wait = 1500 * time.Millisecond
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
	return nil
}

// clickSeeAllReviews tries the text locator first, then CSS fallbacks.
// A click failure is non-fatal; many storefront variants render all
// reviews inline.
func (c *Collector) clickSeeAllReviews(page *rod.Page) {
	if el, err := page.Timeout(3*time.Second).ElementR("a, button", "/See All(\\s+Reviews)?/i"); err == nil {
		if err := el.Click(proto.InputMouseButtonLeft, 1); err == nil {
			return
		}
	}
	for _, sel := range []string{
		`a[href*="see-all=reviews"]`,
		`.we-customer-reviews__see-all a`,
		`[class*="see-all"] a`,
	} {
		if el, err := page.Timeout(2*time.Second).Element(sel); err == nil {
			if err := el.Click(proto.InputMouseButtonLeft, 1); err == nil {
				return
			}
		}
	}
}

// extractInto runs the DOM extraction script and merges new reviews
// into the accumulator. Returns the number of newly added reviews.
func (c *Collector) extractInto(page *rod.Page, locale string, acc *accumulator) (int, error) {
	obj, err := page.Eval(extractReviewsJS)
	if err != nil {
		return 0, fmt.Errorf("eval extraction: %w", err)
	}

	raw, err := json.Marshal(obj.Value.Val())
	if err != nil {
		return 0, fmt.Errorf("decode extraction result: %w", err)
	}
	var candidates []extracted
	if err := json.Unmarshal(raw, &candidates); err != nil {
		return 0, fmt.Errorf("decode extraction result: %w", err)
	}

	return acc.merge(candidates, locale), nil
}

// scrollOnce applies the modal-aware scroll strategy and presses End as
// an extra lazy-load trigger when the document itself was scrolled.
func (c *Collector) scrollOnce(page *rod.Page) {
	obj, err := page.Timeout(5 * time.Second).Eval(scrollJS)
	if err != nil {
		c.logger.Debug("scroll failed", "error", err)
		return
	}
	if obj.Value.Str() == "window" {
		_ = page.Keyboard.Press(input.End)
	}
}

// --- Accumulator ---

// accumulator is the per-request de-duplicating review map, keyed by
// the cross-source digest and protected by a request-scoped mutex.
type accumulator struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	ordered []*types.Review
	req     Request
}

func newAccumulator(req Request) *accumulator {
	return &accumulator{
		seen: make(map[string]struct{}),
		req:  req,
	}
}

// merge applies the rating filter and digest de-dup to a batch of
// extracted candidates. Returns how many reviews were new.
func (a *accumulator) merge(candidates []extracted, locale string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	added := 0
	for _, cand := range candidates {
		if len(cand.Content) < 10 {
			continue
		}
		rating := types.ParseRating(cand.Rating, cand.Rating != 0)
		if a.req.MinRating > 0 && (rating == nil || *rating < a.req.MinRating) {
			continue
		}
		if a.req.MaxRating > 0 && rating != nil && *rating > a.req.MaxRating {
			continue
		}

		author := normalizeAuthor(cand.Author)
		digest := types.Digest(author, cand.Content)
		if _, dup := a.seen[digest]; dup {
			continue
		}
		if a.req.Cap > 0 && len(a.ordered) >= a.req.Cap {
			break
		}

		review := &types.Review{
			ID:      digest,
			Title:   cand.Title,
			Content: cand.Content,
			Rating:  rating,
			Author:  author,
			Country: locale,
			Source:  types.SourceBrowser,
		}
		review.TruncateContent()

		a.seen[digest] = struct{}{}
		a.ordered = append(a.ordered, review)
		added++
	}
	return added
}

func (a *accumulator) full() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.req.Cap > 0 && len(a.ordered) >= a.req.Cap
}

func (a *accumulator) size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.ordered)
}

func (a *accumulator) reviews() []*types.Review {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*types.Review, len(a.ordered))
	copy(out, a.ordered)
	return out
}

// --- What's New and privacy labels ---

var versionRe = regexp.MustCompile(`(?i)Version\s*([\d.]+)`)

// WhatsNew crawls the product page's version history.
func (c *Collector) WhatsNew(ctx context.Context, appID, country string, maxVersions int) ([]VersionEntry, error) {
	pageURL := fmt.Sprintf("https://%s/%s/app/id%s", c.cfg.StorefrontHost, country, appID)

	release, err := c.client.Acquire(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	defer release()

	page, teardown, err := c.acquirePage(ctx)
	if err != nil {
		return nil, err
	}
	defer teardown()

	if err := page.Timeout(c.cfg.NavTimeout).Navigate(pageURL); err != nil {
		return nil, fmt.Errorf("navigate: %w", err)
	}
	_ = page.Timeout(c.cfg.NavTimeout).WaitDOMStable(300*time.Millisecond, 0.1)

	// Expand the version-history affordance when present.
	if el, err := page.Timeout(3*time.Second).Element(`a[href*="version-history"]`); err == nil {
		if err := el.Click(proto.InputMouseButtonLeft, 1); err == nil {
			_ = sleepCtx(ctx, 2*time.Second)
		}
	}

	obj, err := page.Eval(`
() => {
	const out = [];
	document.querySelectorAll('[class*="version"]').forEach(el => {
		out.push(el.textContent.trim().slice(0, 500));
	});
	return out;
}`)
	if err != nil {
		return nil, fmt.Errorf("eval versions: %w", err)
	}

	raw, _ := json.Marshal(obj.Value.Val())
	var texts []string
	if err := json.Unmarshal(raw, &texts); err != nil {
		return nil, fmt.Errorf("decode versions: %w", err)
	}

	var versions []VersionEntry
	seen := make(map[string]struct{})
	for _, text := range texts {
		m := versionRe.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if _, dup := seen[m[1]]; dup {
			continue
		}
		seen[m[1]] = struct{}{}
		versions = append(versions, VersionEntry{Version: m[1], Text: text})
		if maxVersions > 0 && len(versions) >= maxVersions {
			break
		}
	}
	return versions, nil
}

// PrivacyLabels crawls the product page's privacy section.
func (c *Collector) PrivacyLabels(ctx context.Context, appID, country string) ([]PrivacyLabel, error) {
	pageURL := fmt.Sprintf("https://%s/%s/app/id%s", c.cfg.StorefrontHost, country, appID)

	release, err := c.client.Acquire(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	defer release()

	page, teardown, err := c.acquirePage(ctx)
	if err != nil {
		return nil, err
	}
	defer teardown()

	if err := page.Timeout(c.cfg.NavTimeout).Navigate(pageURL); err != nil {
		return nil, fmt.Errorf("navigate: %w", err)
	}
	_ = page.Timeout(c.cfg.NavTimeout).WaitDOMStable(300*time.Millisecond, 0.1)

	// Expand privacy details when the affordance is present.
	if el, err := page.Timeout(3*time.Second).ElementR("a, button", "/See Details|App Privacy/i"); err == nil {
		if err := el.Click(proto.InputMouseButtonLeft, 1); err == nil {
			_ = sleepCtx(ctx, 2*time.Second)
		}
	}

	obj, err := page.Eval(`
() => {
	const out = [];
	document.querySelectorAll('[class*="privacy"] [class*="card"], [class*="app-privacy"]').forEach(card => {
		const headingEl = card.querySelector('h2, h3, [class*="header"], [class*="heading"]');
		const category = headingEl ? headingEl.textContent.trim() : '';
		const dataTypes = [];
		card.querySelectorAll('[class*="data-category"], [class*="data-type"]').forEach(el => {
			dataTypes.push(el.textContent.trim());
		});
		const purposes = [];
		card.querySelectorAll('[class*="purpose"]').forEach(el => {
			purposes.push(el.textContent.trim());
		});
		const text = card.textContent.trim();
		if (text.length > 10 && text.length < 1000) {
			out.push({
				category: category || 'Privacy Information',
				text: text.slice(0, 500),
				data_types: dataTypes,
				purposes: purposes,
			});
		}
	});
	return out;
}`)
	if err != nil {
		return nil, fmt.Errorf("eval privacy: %w", err)
	}

	raw, _ := json.Marshal(obj.Value.Val())
	var labels []PrivacyLabel
	if err := json.Unmarshal(raw, &labels); err != nil {
		return nil, fmt.Errorf("decode privacy: %w", err)
	}
	return labels, nil
}

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

// normalizeAuthor trims the "by " prefix some storefront variants put
// in front of the author element.
func normalizeAuthor(author string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(author), "by "))
}
