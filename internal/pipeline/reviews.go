// Package pipeline composes the feed and browser collectors into a
// single best-effort review harvest: cheap feed pages first, then the
// expensive browser sweep for whatever the feed could not supply.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackmmaher/marketcrawl/internal/collector/browser"
	"github.com/jackmmaher/marketcrawl/internal/collector/feed"
	"github.com/jackmmaher/marketcrawl/internal/fetchctl"
	"github.com/jackmmaher/marketcrawl/internal/types"
)

const feedPhaseCap = 2000

// FeedCollector is the cheap phase-one collector.
type FeedCollector interface {
	Collect(ctx context.Context, req feed.Request, emit func(feed.Event)) ([]*types.Review, error)
}

// BrowserCollector is the expensive phase-two collector.
type BrowserCollector interface {
	Collect(ctx context.Context, req browser.Request) ([]*types.Review, error)
}

// Request is one review-harvest invocation.
type Request struct {
	AppID        string
	Country      string
	MaxReviews   int
	MinRating    int
	MaxRating    int
	MultiCountry bool
}

// Result is the merged, capped harvest.
type Result struct {
	AppID   string            `json:"app_id"`
	Country string            `json:"country"`
	Reviews []*types.Review   `json:"reviews"`
	Stats   types.ReviewStats `json:"stats"`
}

// Reviews orchestrates the two collectors under phase budgets. The two
// phases are strictly sequential: the accumulator merge is the single
// synchronization boundary, and feed-origin reviews win duplicate
// digests because they are inserted first.
type Reviews struct {
	feed    FeedCollector
	browser BrowserCollector
	cache   *fetchctl.Cache
	logger  *slog.Logger

	feedBudget    time.Duration
	browserBudget time.Duration
}

// NewReviews creates the orchestrator. cache may be nil in tests.
func NewReviews(feedC FeedCollector, browserC BrowserCollector, cache *fetchctl.Cache, feedBudget, browserBudget time.Duration, logger *slog.Logger) *Reviews {
	return &Reviews{
		feed:          feedC,
		browser:       browserC,
		cache:         cache,
		logger:        logger.With("component", "review_pipeline"),
		feedBudget:    feedBudget,
		browserBudget: browserBudget,
	}
}

// Collect runs the two-phase harvest and returns the capped result.
func (p *Reviews) Collect(ctx context.Context, req Request) (*Result, error) {
	cacheParams := map[string]any{
		"country":     req.Country,
		"max_reviews": req.MaxReviews,
		"min_rating":  req.MinRating,
		"max_rating":  req.MaxRating,
	}
	if p.cache != nil {
		if raw, ok := p.cache.Get(ctx, "app_store_reviews", req.AppID, cacheParams); ok {
			var cached Result
			if err := json.Unmarshal(raw, &cached); err == nil {
				return &cached, nil
			}
		}
	}

	acc := newMergeAccumulator(req)

	// Phase one: the feed, under its budget. On budget exhaustion we
	// proceed with whatever was collected.
	feedCap := min(req.MaxReviews, feedPhaseCap)
	feedCtx, cancelFeed := context.WithTimeout(ctx, p.feedBudget)
	feedReviews, err := p.feed.Collect(feedCtx, feed.Request{
		AppID:   req.AppID,
		Country: req.Country,
		Filters: []feed.Filter{
			{Sort: "mostRecent", Target: feedCap},
			{Sort: "mostHelpful", Target: feedCap},
		},
		Stealth: feed.DefaultStealth(),
		Cap:     feedCap,
	}, nil)
	cancelFeed()
	if err != nil && !budgetExpired(ctx, err) {
		return nil, err
	}
	acc.mergeAll(feedReviews)

	// Phase two: the browser, only for the shortfall. Failures and
	// timeouts yield an empty set, never an abort.
	if remaining := req.MaxReviews - acc.size(); remaining > 0 {
		browserCtx, cancelBrowser := context.WithTimeout(ctx, p.browserBudget)
		browserReviews, err := p.browser.Collect(browserCtx, browser.Request{
			AppID:       req.AppID,
			Country:     req.Country,
			Cap:         remaining,
			MinRating:   req.MinRating,
			MaxRating:   req.MaxRating,
			MultiLocale: req.MultiCountry,
		})
		cancelBrowser()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Failures and budget exhaustion yield an empty browser
			// set, never an abort.
			p.logger.Warn("browser phase failed, using feed results only",
				"app_id", req.AppID, "error", err)
		} else {
			acc.mergeAll(browserReviews)
		}
	}

	reviews := acc.capped()
	result := &Result{
		AppID:   req.AppID,
		Country: req.Country,
		Reviews: reviews,
		Stats:   types.ComputeReviewStats(reviews),
	}

	if p.cache != nil {
		if raw, err := json.Marshal(result); err == nil {
			if err := p.cache.Set(ctx, "app_store_reviews", req.AppID, cacheParams, raw, 0); err != nil {
				p.logger.Warn("result cache write failed", "app_id", req.AppID, "error", err)
			}
		}
	}

	p.logger.Info("review harvest complete",
		"app_id", req.AppID,
		"total", result.Stats.Total,
		"feed", result.Stats.Sources.Feed,
		"browser", result.Stats.Sources.Browser,
	)
	return result, nil
}

// budgetExpired distinguishes a phase budget running out (proceed with
// partial results) from the caller's own context ending (abort).
func budgetExpired(parent context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil
}

// mergeAccumulator holds the cross-phase digest map. First-seen wins:
// since the feed phase merges first, feed-origin reviews keep their
// source tag when the browser later extracts the same review.
type mergeAccumulator struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	ordered []*types.Review
	req     Request
}

func newMergeAccumulator(req Request) *mergeAccumulator {
	return &mergeAccumulator{seen: make(map[string]struct{}), req: req}
}

func (m *mergeAccumulator) mergeAll(reviews []*types.Review) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range reviews {
		if m.req.MinRating > 0 && (r.Rating == nil || *r.Rating < m.req.MinRating) {
			continue
		}
		if m.req.MaxRating > 0 && r.Rating != nil && *r.Rating > m.req.MaxRating {
			continue
		}
		digest := r.Digest()
		if _, dup := m.seen[digest]; dup {
			continue
		}
		if len(m.ordered) >= m.req.MaxReviews {
			break
		}
		m.seen[digest] = struct{}{}
		m.ordered = append(m.ordered, r)
	}
}

func (m *mergeAccumulator) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ordered)
}

func (m *mergeAccumulator) capped() []*types.Review {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ordered) > m.req.MaxReviews {
		return m.ordered[:m.req.MaxReviews]
	}
	return m.ordered
}
