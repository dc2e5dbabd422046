package feed

import "github.com/jackmmaher/marketcrawl/internal/types"

// Event is one progress notification from a streaming feed crawl.
// Concrete event types marshal to the wire envelopes emitted over SSE.
type Event interface {
	EventType() string
}

// StartEvent opens a streaming crawl.
type StartEvent struct {
	Type               string `json:"type"`
	Filters            int    `json:"filters"`
	TotalTargetReviews int    `json:"totalTargetReviews"`
}

func (e StartEvent) EventType() string { return e.Type }

// ProgressEvent reports one fetched page.
type ProgressEvent struct {
	Type               string `json:"type"`
	Filter             string `json:"filter"`
	FilterIndex        int    `json:"filterIndex"`
	Page               int    `json:"page"`
	MaxPages           int    `json:"maxPages"`
	ReviewsThisPage    int    `json:"reviewsThisPage"`
	NewUniqueThisPage  int    `json:"newUniqueThisPage"`
	FilterReviewsTotal int    `json:"filterReviewsTotal"`
	TotalUnique        int    `json:"totalUnique"`
	NextDelayMs        int    `json:"nextDelayMs"`
}

func (e ProgressEvent) EventType() string { return e.Type }

// ThrottleEvent reports a 429-driven delay increase.
type ThrottleEvent struct {
	Type               string  `json:"type"`
	Filter             string  `json:"filter"`
	Page               int     `json:"page"`
	NewDelayMultiplier float64 `json:"newDelayMultiplier"`
	Message            string  `json:"message"`
}

func (e ThrottleEvent) EventType() string { return e.Type }

// FilterTargetReachedEvent reports a filter meeting its target.
type FilterTargetReachedEvent struct {
	Type   string `json:"type"`
	Filter string `json:"filter"`
	Target int    `json:"target"`
	Actual int    `json:"actual"`
}

func (e FilterTargetReachedEvent) EventType() string { return e.Type }

// FilterEarlyStopEvent reports a filter exhausting the feed.
type FilterEarlyStopEvent struct {
	Type           string `json:"type"`
	Filter         string `json:"filter"`
	Reason         string `json:"reason"`
	PagesCompleted int    `json:"pagesCompleted"`
}

func (e FilterEarlyStopEvent) EventType() string { return e.Type }

// FilterSkippedEvent reports a filter abandoned after persistent 429s.
type FilterSkippedEvent struct {
	Type   string `json:"type"`
	Filter string `json:"filter"`
	Reason string `json:"reason"`
}

func (e FilterSkippedEvent) EventType() string { return e.Type }

// FilterCompleteEvent closes one filter.
type FilterCompleteEvent struct {
	Type             string `json:"type"`
	Filter           string `json:"filter"`
	FilterIndex      int    `json:"filterIndex"`
	ReviewsCollected int    `json:"reviewsCollected"`
	TotalUniqueNow   int    `json:"totalUniqueNow"`
}

func (e FilterCompleteEvent) EventType() string { return e.Type }

// FilterCooldownEvent reports the randomized pause between filters.
type FilterCooldownEvent struct {
	Type               string  `json:"type"`
	NextFilter         string  `json:"nextFilter"`
	CooldownMs         int     `json:"cooldownMs"`
	NewDelayMultiplier float64 `json:"newDelayMultiplier"`
}

func (e FilterCooldownEvent) EventType() string { return e.Type }

// CompleteEvent carries the terminal payload.
type CompleteEvent struct {
	Type    string            `json:"type"`
	Reviews []*types.Review   `json:"reviews"`
	Stats   types.ReviewStats `json:"stats"`
}

func (e CompleteEvent) EventType() string { return e.Type }

// ErrorEvent reports a crawl-fatal failure.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e ErrorEvent) EventType() string { return e.Type }
