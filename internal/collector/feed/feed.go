// Package feed collects reviews from the storefront's paginated RSS
// JSON feed. The feed serves at most ~500 reviews per country and sort
// order, so a crawl sweeps several sort orders ("filters") with stealth
// delays and an adaptive throttle between pages.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/jackmmaher/marketcrawl/internal/fetchctl"
	"github.com/jackmmaher/marketcrawl/internal/types"
)

// ValidSortOrders are the sort orders the feed endpoint accepts.
var ValidSortOrders = map[string]bool{
	"mostRecent":    true,
	"mostHelpful":   true,
	"mostFavorable": true,
	"mostCritical":  true,
}

// Hard bounds on a single crawl.
const (
	maxTargetPerFilter = 2000
	maxFiltersPerCrawl = 10
	pageSize           = 50 // entries the feed returns per page
	maxPagesPerFilter  = 40
	emptyPageTolerance = 5 // consecutive empty pages before a filter is exhausted
)

// Filter is one sort-order pass over the feed.
type Filter struct {
	Sort   string `json:"sort"`
	Target int    `json:"target"`
}

// Stealth controls inter-page pacing.
type Stealth struct {
	BaseDelay      time.Duration `json:"-"`
	Randomization  int           `json:"randomization"`  // percent, 0-100
	FilterCooldown time.Duration `json:"-"`
	AutoThrottle   bool          `json:"autoThrottle"`
}

// DefaultFilters is the backwards-compatible two-pass sweep.
func DefaultFilters() []Filter {
	return []Filter{
		{Sort: "mostRecent", Target: 500},
		{Sort: "mostHelpful", Target: 500},
	}
}

// DefaultStealth returns the default pacing settings.
func DefaultStealth() Stealth {
	return Stealth{
		BaseDelay:      2 * time.Second,
		Randomization:  50,
		FilterCooldown: 5 * time.Second,
		AutoThrottle:   true,
	}
}

// Clamp forces all stealth settings into their allowed ranges.
func (s *Stealth) Clamp() {
	if s.BaseDelay < 500*time.Millisecond {
		s.BaseDelay = 500 * time.Millisecond
	}
	if s.BaseDelay > 10*time.Second {
		s.BaseDelay = 10 * time.Second
	}
	if s.Randomization < 0 {
		s.Randomization = 0
	}
	if s.Randomization > 100 {
		s.Randomization = 100
	}
	if s.FilterCooldown < time.Second {
		s.FilterCooldown = time.Second
	}
	if s.FilterCooldown > 30*time.Second {
		s.FilterCooldown = 30 * time.Second
	}
}

// Request configures one feed crawl.
type Request struct {
	AppID   string
	Country string
	Filters []Filter
	Stealth Stealth
	Cap     int // overall unique-review cap; 0 means no cap beyond filter targets
}

// Collector drives the paginated feed through the fetch substrate.
type Collector struct {
	client  *fetchctl.Client
	baseURL string
	logger  *slog.Logger

	// sleep is swapped out by tests.
	sleep func(context.Context, time.Duration) error
}

// New creates a feed collector.
func New(client *fetchctl.Client, logger *slog.Logger) *Collector {
	return &Collector{
		client:  client,
		baseURL: "https://itunes.apple.com",
		logger:  logger.With("component", "feed_collector"),
		sleep:   sleepCtx,
	}
}

// pageURL builds the feed URL for one (country, app, sort, page) tuple.
func (c *Collector) pageURL(country, appID, sort string, page int) string {
	return fmt.Sprintf("%s/%s/rss/customerreviews/page=%d/id=%s/sortBy=%s/json",
		c.baseURL, country, page, appID, sort)
}

// Collect sweeps every filter to a terminal state and returns the
// de-duplicated reviews in first-seen order. When emit is non-nil it
// receives a progress event stream suitable for SSE relay. The crawl
// honors ctx cancellation at every page boundary and sleep.
func (c *Collector) Collect(ctx context.Context, req Request, emit func(Event)) ([]*types.Review, error) {
	if emit == nil {
		emit = func(Event) {}
	}
	stealth := req.Stealth
	stealth.Clamp()

	filters := req.Filters
	if len(filters) == 0 {
		filters = DefaultFilters()
	}
	if len(filters) > maxFiltersPerCrawl {
		filters = filters[:maxFiltersPerCrawl]
	}

	totalTarget := 0
	for _, f := range filters {
		totalTarget += min(f.Target, maxTargetPerFilter)
	}
	emit(StartEvent{Type: "start", Filters: len(filters), TotalTargetReviews: totalTarget})

	seen := make(map[string]*types.Review)
	var ordered []*types.Review
	multiplier := 1.0

	for filterIdx, filter := range filters {
		if req.Cap > 0 && len(ordered) >= req.Cap {
			break
		}

		target := min(filter.Target, maxTargetPerFilter)
		if target < 1 {
			target = 1
		}
		maxPages := min(int(math.Ceil(float64(target)/pageSize)), maxPagesPerFilter)

		consecutiveEmpty := 0
		filterCount := 0

	pages:
		for page := 1; page <= maxPages; page++ {
			if err := ctx.Err(); err != nil {
				return ordered, err
			}

			doc, err := c.fetchPage(ctx, req.Country, req.AppID, filter.Sort, page)
			if types.IsRateLimited(err) && stealth.AutoThrottle {
				multiplier = math.Min(multiplier*2, 4.0)
				emit(ThrottleEvent{
					Type:               "throttle",
					Filter:             filter.Sort,
					Page:               page,
					NewDelayMultiplier: multiplier,
					Message:            "Rate limited - increasing delays",
				})
				wait := time.Duration(float64(stealth.BaseDelay) * multiplier * 2)
				if err := c.sleep(ctx, wait); err != nil {
					return ordered, err
				}
				doc, err = c.fetchPage(ctx, req.Country, req.AppID, filter.Sort, page)
				if types.IsRateLimited(err) {
					emit(FilterSkippedEvent{
						Type:   "filterSkipped",
						Filter: filter.Sort,
						Reason: "Rate limited after retry",
					})
					break pages
				}
			}
			if err != nil {
				// Treated as "no new data this page"; the empty-page
				// counter decides whether the filter is exhausted.
				c.logger.Warn("feed page failed", "filter", filter.Sort, "page", page, "error", err)
				doc = nil
			}

			pageReviews, newUnique := c.ingestPage(doc, req.Country, filter.Sort, seen, &ordered, req.Cap)
			if pageReviews > 0 {
				filterCount += pageReviews
				consecutiveEmpty = 0
			} else {
				consecutiveEmpty++
			}

			delay := stealthDelay(time.Duration(float64(stealth.BaseDelay)*multiplier), stealth.Randomization)
			emit(ProgressEvent{
				Type:               "progress",
				Filter:             filter.Sort,
				FilterIndex:        filterIdx,
				Page:               page,
				MaxPages:           maxPages,
				ReviewsThisPage:    pageReviews,
				NewUniqueThisPage:  newUnique,
				FilterReviewsTotal: filterCount,
				TotalUnique:        len(ordered),
				NextDelayMs:        int(delay / time.Millisecond),
			})

			if consecutiveEmpty >= emptyPageTolerance {
				emit(FilterEarlyStopEvent{
					Type:           "filterEarlyStop",
					Filter:         filter.Sort,
					Reason:         "No more reviews available from RSS API",
					PagesCompleted: page,
				})
				break pages
			}
			if filterCount >= target {
				emit(FilterTargetReachedEvent{
					Type:   "filterTargetReached",
					Filter: filter.Sort,
					Target: target,
					Actual: filterCount,
				})
				break pages
			}
			if req.Cap > 0 && len(ordered) >= req.Cap {
				break pages
			}

			if page < maxPages {
				if err := c.sleep(ctx, delay); err != nil {
					return ordered, err
				}
			}
		}

		emit(FilterCompleteEvent{
			Type:             "filterComplete",
			Filter:           filter.Sort,
			FilterIndex:      filterIdx,
			ReviewsCollected: filterCount,
			TotalUniqueNow:   len(ordered),
		})

		if filterIdx < len(filters)-1 {
			cooldown := stealthDelay(stealth.FilterCooldown, stealth.Randomization)
			if multiplier > 1.0 {
				multiplier = math.Max(1.0, multiplier*0.75)
			}
			emit(FilterCooldownEvent{
				Type:               "filterCooldown",
				NextFilter:         filters[filterIdx+1].Sort,
				CooldownMs:         int(cooldown / time.Millisecond),
				NewDelayMultiplier: multiplier,
			})
			if err := c.sleep(ctx, cooldown); err != nil {
				return ordered, err
			}
		}
	}

	return ordered, nil
}

// fetchPage retrieves and decodes one feed page.
func (c *Collector) fetchPage(ctx context.Context, country, appID, sort string, page int) (*feedDocument, error) {
	var doc feedDocument
	if err := c.client.FetchJSON(ctx, c.pageURL(country, appID, sort, page), nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ingestPage parses one page's entries into reviews, appending unseen
// ones to the ordered accumulator. Returns (reviews on this page, newly
// unique reviews).
func (c *Collector) ingestPage(doc *feedDocument, country, sort string, seen map[string]*types.Review, ordered *[]*types.Review, capTotal int) (int, int) {
	if doc == nil {
		return 0, 0
	}

	pageReviews, newUnique := 0, 0
	for i, entry := range doc.Feed.Entry {
		// The first entry of every page describes the app itself when
		// it carries no rating field; it is metadata, not a review.
		if entry.Rating == nil && i == 0 {
			continue
		}
		if entry.ID.Label == "" {
			continue
		}

		review := entry.toReview(country, sort)
		pageReviews++

		if _, dup := seen[review.ID]; dup {
			continue
		}
		if capTotal > 0 && len(*ordered) >= capTotal {
			continue
		}
		seen[review.ID] = review
		*ordered = append(*ordered, review)
		newUnique++
	}
	return pageReviews, newUnique
}

// --- Feed wire format ---

type labelField struct {
	Label string `json:"label"`
}

type feedEntry struct {
	ID        labelField  `json:"id"`
	Title     labelField  `json:"title"`
	Content   labelField  `json:"content"`
	Rating    *labelField `json:"im:rating"`
	Version   labelField  `json:"im:version"`
	VoteCount labelField  `json:"im:voteCount"`
	VoteSum   labelField  `json:"im:voteSum"`
	Author    struct {
		Name labelField `json:"name"`
	} `json:"author"`
}

type feedDocument struct {
	Feed struct {
		Entry []feedEntry `json:"entry"`
	} `json:"feed"`
}

// toReview converts a feed entry, substituting zero on numeric parse
// failures and nil on out-of-range ratings.
func (e *feedEntry) toReview(country, sort string) *types.Review {
	var rating *int
	if e.Rating != nil {
		n, err := strconv.Atoi(e.Rating.Label)
		rating = types.ParseRating(n, err == nil)
	}

	voteCount, _ := strconv.Atoi(e.VoteCount.Label)
	voteSum, _ := strconv.Atoi(e.VoteSum.Label)

	r := &types.Review{
		ID:         e.ID.Label,
		Title:      e.Title.Label,
		Content:    e.Content.Label,
		Rating:     rating,
		Author:     e.Author.Name.Label,
		Version:    e.Version.Label,
		VoteCount:  voteCount,
		VoteSum:    voteSum,
		Country:    country,
		SortSource: sort,
		Source:     types.SourceFeed,
	}
	r.TruncateContent()
	return r
}

// stealthDelay randomizes a delay by the configured percentage, with a
// 100ms floor.
func stealthDelay(base time.Duration, randomization int) time.Duration {
	if randomization <= 0 {
		return base
	}
	variance := float64(base) * float64(randomization) / 100
	lo := math.Max(float64(100*time.Millisecond), float64(base)-variance)
	hi := float64(base) + variance
	return time.Duration(lo + rand.Float64()*(hi-lo))
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
