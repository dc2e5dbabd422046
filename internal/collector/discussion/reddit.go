// Package discussion crawls social-discussion threads through the
// public JSON API: keyword searches, community validation/discovery,
// and the two-phase deep-dive with threaded-comment recovery.
package discussion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackmmaher/marketcrawl/internal/config"
	"github.com/jackmmaher/marketcrawl/internal/fetchctl"
	"github.com/jackmmaher/marketcrawl/internal/types"
)

const defaultBaseURL = "https://www.reddit.com"

// DefaultSubreddits are searched when the caller names none.
var DefaultSubreddits = []string{
	"apps", "iphone", "ios", "apple", "productivity",
	"Entrepreneur", "startups", "SideProject", "androidapps",
}

// Crawler drives the discussion API through the fetch substrate, with
// its own inter-request gate on top of the shared rate limiter.
type Crawler struct {
	client  *fetchctl.Client
	cfg     *config.DiscussionConfig
	baseURL string
	logger  *slog.Logger

	gateMu      sync.Mutex
	lastRequest time.Time

	sleep func(context.Context, time.Duration) error
}

// New creates a discussion crawler.
func New(client *fetchctl.Client, cfg *config.DiscussionConfig, logger *slog.Logger) *Crawler {
	return &Crawler{
		client:  client,
		cfg:     cfg,
		baseURL: defaultBaseURL,
		logger:  logger.With("component", "discussion_crawler"),
		sleep:   sleepCtx,
	}
}

// gate enforces the dedicated inter-request spacing. The API tolerates
// far less traffic than its documented limits suggest.
func (c *Crawler) gate(ctx context.Context) error {
	c.gateMu.Lock()
	wait := c.cfg.RequestGap - time.Since(c.lastRequest)
	if wait < 0 {
		wait = 0
	}
	c.lastRequest = time.Now().Add(wait)
	c.gateMu.Unlock()
	return c.sleep(ctx, wait)
}

// fetchJSON runs one gated API request. On a terminal 429 it sleeps
// 60s and retries once before giving up.
func (c *Crawler) fetchJSON(ctx context.Context, rawURL string, v any) error {
	headers := http.Header{}
	headers.Set("User-Agent", c.cfg.UserAgent)

	if err := c.gate(ctx); err != nil {
		return err
	}
	err := c.client.FetchJSON(ctx, rawURL, headers, v)
	if types.IsRateLimited(err) {
		c.logger.Warn("discussion API rate limited, sleeping 60s", "url", rawURL)
		if serr := c.sleep(ctx, 60*time.Second); serr != nil {
			return serr
		}
		if gerr := c.gate(ctx); gerr != nil {
			return gerr
		}
		err = c.client.FetchJSON(ctx, rawURL, headers, v)
	}
	return err
}

// --- Wire format ---

type subredditAbout struct {
	Data struct {
		DisplayName       string `json:"display_name"`
		SubredditType     string `json:"subreddit_type"`
		Subscribers       int    `json:"subscribers"`
		PublicDescription string `json:"public_description"`
		Description       string `json:"description"`
	} `json:"data"`
}

type wikiPage struct {
	Data struct {
		ContentMD string `json:"content_md"`
	} `json:"data"`
}

type postData struct {
	ID          string  `json:"id"`
	Subreddit   string  `json:"subreddit"`
	Title       string  `json:"title"`
	Selftext    string  `json:"selftext"`
	Score       int     `json:"score"`
	NumComments int     `json:"num_comments"`
	CreatedUTC  float64 `json:"created_utc"`
	Permalink   string  `json:"permalink"`
	Author      string  `json:"author"`
	UpvoteRatio float64 `json:"upvote_ratio"`
}

type postListing struct {
	Data struct {
		Children []struct {
			Kind string   `json:"kind"`
			Data postData `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type commentData struct {
	ID          string          `json:"id"`
	Author      string          `json:"author"`
	Body        string          `json:"body"`
	Score       int             `json:"score"`
	CreatedUTC  float64         `json:"created_utc"`
	IsSubmitter bool            `json:"is_submitter"`
	ParentID    string          `json:"parent_id"`
	Replies     json.RawMessage `json:"replies"` // empty string or nested listing
}

type commentListing struct {
	Data struct {
		Children []struct {
			Kind string      `json:"kind"`
			Data commentData `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

func (p *postData) toPost(baseURL, matchedTopic string) *types.DiscussionPost {
	return &types.DiscussionPost{
		ID:           p.ID,
		Subreddit:    p.Subreddit,
		Title:        p.Title,
		Content:      p.Selftext,
		Score:        p.Score,
		NumComments:  p.NumComments,
		CreatedUTC:   int64(p.CreatedUTC),
		Permalink:    baseURL + p.Permalink,
		Author:       p.Author,
		UpvoteRatio:  p.UpvoteRatio,
		MatchedTopic: matchedTopic,
		Comments:     []*types.Comment{},
	}
}

// searchURL builds a community-restricted search request.
func (c *Crawler) searchURL(subreddit, query, sort, timeFilter string, limit int) string {
	q := url.Values{}
	q.Set("q", query)
	q.Set("restrict_sr", "on")
	q.Set("sort", sort)
	q.Set("t", timeFilter)
	q.Set("limit", fmt.Sprintf("%d", limit))
	return fmt.Sprintf("%s/r/%s/search.json?%s", c.baseURL, subreddit, q.Encode())
}

// fetchComments retrieves a post's comment forest to the configured
// depth, dropping deleted/removed bodies.
func (c *Crawler) fetchComments(ctx context.Context, post *types.DiscussionPost, maxComments int) ([]*types.Comment, error) {
	commentsURL := fmt.Sprintf("%s/r/%s/comments/%s.json?limit=%d&depth=%d",
		c.baseURL, post.Subreddit, post.ID, maxComments, c.cfg.MaxCommentDepth)

	// The endpoint returns a two-element array: the post listing and
	// the top-level comment listing.
	var payload []json.RawMessage
	if err := c.fetchJSON(ctx, commentsURL, &payload); err != nil {
		return nil, err
	}
	if len(payload) < 2 {
		return nil, &types.ParseError{URL: commentsURL, Err: fmt.Errorf("unexpected listing shape")}
	}

	var listing commentListing
	if err := json.Unmarshal(payload[1], &listing); err != nil {
		return nil, &types.ParseError{URL: commentsURL, Err: err}
	}

	comments := c.parseCommentForest(&listing, 0, maxComments)
	return comments, nil
}

// parseCommentForest walks a comment listing recursively, bounded by
// depth and the per-post cap.
func (c *Crawler) parseCommentForest(listing *commentListing, depth, budget int) []*types.Comment {
	if depth > c.cfg.MaxCommentDepth || budget <= 0 {
		return nil
	}

	var out []*types.Comment
	for _, child := range listing.Data.Children {
		if len(out) >= budget {
			break
		}
		if child.Kind != "t1" {
			continue // "more" stubs and non-comment nodes
		}
		data := child.Data

		body := strings.TrimSpace(data.Body)
		if body == "" || body == "[deleted]" || body == "[removed]" {
			continue
		}

		comment := &types.Comment{
			ID:          data.ID,
			Author:      data.Author,
			Body:        body,
			Score:       data.Score,
			CreatedUTC:  int64(data.CreatedUTC),
			Depth:       depth,
			IsSubmitter: data.IsSubmitter,
			ParentID:    data.ParentID,
		}

		if len(data.Replies) > 0 && data.Replies[0] == '{' && depth < c.cfg.MaxCommentDepth {
			var nested commentListing
			if err := json.Unmarshal(data.Replies, &nested); err == nil {
				comment.Replies = c.parseCommentForest(&nested, depth+1, budget-len(out)-1)
			}
		}

		out = append(out, comment)
	}
	return out
}

// mentionRe extracts r/<name> community mentions from sidebar text.
var mentionRe = regexp.MustCompile(`(?i)\br/([A-Za-z0-9_]{3,21})\b`)

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
