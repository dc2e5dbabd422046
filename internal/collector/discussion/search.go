package discussion

import (
	"context"
	"strings"

	"github.com/jackmmaher/marketcrawl/internal/types"
)

// SearchRequest configures a plain keyword search across communities.
type SearchRequest struct {
	Keywords           []string
	Subreddits         []string
	MaxPosts           int
	MaxCommentsPerPost int
	TimeFilter         string
	Sort               string
}

// Discussion pairs a matched post with the keyword that surfaced it.
type Discussion struct {
	Keyword        string                `json:"keyword"`
	Subreddit      string                `json:"subreddit"`
	Post           *types.DiscussionPost `json:"post"`
	RelevanceScore float64               `json:"relevance_score"`
}

// SearchResult is the terminal payload of a keyword search.
type SearchResult struct {
	Keywords           []string      `json:"keywords"`
	SubredditsSearched []string      `json:"subreddits_searched"`
	TotalPosts         int           `json:"total_posts"`
	Discussions        []*Discussion `json:"discussions"`
}

// Search sweeps keywords × communities, de-duplicates by post id, and
// fetches comments for each matched post.
func (c *Crawler) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	keywords := clip(req.Keywords, maxTopics)
	subreddits := req.Subreddits
	if len(subreddits) == 0 {
		subreddits = DefaultSubreddits
	}
	subreddits = clip(subreddits, maxSubreddits)

	maxPosts := req.MaxPosts
	if maxPosts < 1 {
		maxPosts = 50
	}
	sortOrder := req.Sort
	switch sortOrder {
	case "relevance", "hot", "new", "top":
	default:
		sortOrder = "relevance"
	}
	timeFilter := req.TimeFilter
	switch timeFilter {
	case "hour", "day", "week", "month", "year", "all":
	default:
		timeFilter = "year"
	}

	result := &SearchResult{
		Keywords:           keywords,
		SubredditsSearched: []string{},
		Discussions:        []*Discussion{},
	}

	seenPosts := make(map[string]struct{})
	searchedSubs := make(map[string]struct{})

sweep:
	for _, keyword := range keywords {
		for _, sub := range subreddits {
			if len(result.Discussions) >= maxPosts {
				break sweep
			}
			if err := ctx.Err(); err != nil {
				return result, err
			}

			perCombo := minInt(10, maxPosts-len(result.Discussions))
			var listing postListing
			u := c.searchURL(sub, keyword, sortOrder, timeFilter, perCombo)
			if err := c.fetchJSON(ctx, u, &listing); err != nil {
				c.logger.Warn("search request failed", "subreddit", sub, "keyword", keyword, "error", err)
				continue
			}
			searchedSubs[sub] = struct{}{}

			for _, child := range listing.Data.Children {
				data := child.Data
				if data.ID == "" {
					continue
				}
				if _, dup := seenPosts[data.ID]; dup {
					continue
				}
				if len(result.Discussions) >= maxPosts {
					break
				}
				seenPosts[data.ID] = struct{}{}

				post := data.toPost(c.baseURL, keyword)
				if req.MaxCommentsPerPost > 0 {
					comments, err := c.fetchComments(ctx, post, req.MaxCommentsPerPost)
					if err != nil {
						c.logger.Warn("comment fetch failed", "post", post.ID, "error", err)
					} else {
						post.Comments = comments
					}
				}

				result.Discussions = append(result.Discussions, &Discussion{
					Keyword:        keyword,
					Subreddit:      post.Subreddit,
					Post:           post,
					RelevanceScore: relevanceScore(post, keyword),
				})
			}
		}
	}

	for sub := range searchedSubs {
		result.SubredditsSearched = append(result.SubredditsSearched, sub)
	}
	result.TotalPosts = len(result.Discussions)
	return result, nil
}

// relevanceScore mixes keyword placement with post popularity.
func relevanceScore(post *types.DiscussionPost, keyword string) float64 {
	score := 0.0
	kw := strings.ToLower(keyword)

	if strings.Contains(strings.ToLower(post.Title), kw) {
		score += 0.5
	}
	if strings.Contains(strings.ToLower(post.Content), kw) {
		score += 0.3
	}
	if post.Score > 100 {
		score += 0.1
	}
	if post.Score > 500 {
		score += 0.1
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
