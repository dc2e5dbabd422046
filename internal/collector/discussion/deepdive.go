package discussion

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackmmaher/marketcrawl/internal/types"
)

// Limits on a deep-dive request.
const (
	maxTopics          = 10
	maxSubreddits      = 20
	maxPerComboCap     = 100
	maxDiscovered      = 10
	commentRecoveryTop = 20
)

// discoveryDenylist names meta-communities never worth discovering.
var discoveryDenylist = map[string]bool{
	"all": true, "popular": true, "random": true,
	"mods": true, "mod": true, "announcements": true,
}

// DeepDiveRequest configures a two-phase discussion crawl.
type DeepDiveRequest struct {
	Topics             []string
	Subreddits         []string
	TimeFilter         string // week, month, year
	MaxPostsPerCombo   int
	MaxCommentsPerPost int
	ValidateSubreddits bool
	AdaptiveThresholds bool
}

// TimeRange is the [min, max] post-creation span of a result set.
type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// DeepDiveResult is the terminal payload of a deep-dive.
type DeepDiveResult struct {
	Posts              []*types.DiscussionPost         `json:"posts"`
	SubredditStats     map[string]types.SubredditStats `json:"subreddit_stats"`
	TopicsSearched     []string                        `json:"topics_searched"`
	SubredditsSearched []string                        `json:"subreddits_searched"`
	Validation         types.SubredditValidation       `json:"validation"`
	TimeRange          TimeRange                       `json:"time_range"`
}

// ThresholdFor maps a community's subscriber count to the engagement
// gate its posts must clear. Small communities get lenient gates so a
// niche product's discussions are not filtered into nothing.
func ThresholdFor(subscribers int, adaptive bool) types.EngagementThreshold {
	if !adaptive {
		return types.EngagementThreshold{MinScore: 5, MinComments: 3}
	}
	switch {
	case subscribers < 10_000:
		return types.EngagementThreshold{MinScore: 2, MinComments: 1}
	case subscribers < 100_000:
		return types.EngagementThreshold{MinScore: 5, MinComments: 3}
	case subscribers < 1_000_000:
		return types.EngagementThreshold{MinScore: 10, MinComments: 5}
	default:
		return types.EngagementThreshold{MinScore: 20, MinComments: 10}
	}
}

// Community is what Phase A learns about one valid community.
type Community struct {
	Name        string
	Subscribers int
}

// ValidateCommunities checks each community's metadata and discovers
// related communities mentioned in sidebars and wikis. Only public and
// restricted communities are accepted.
func (c *Crawler) ValidateCommunities(ctx context.Context, subreddits []string) ([]Community, *types.SubredditValidation, error) {
	validation := &types.SubredditValidation{
		Valid:      []string{},
		Invalid:    []string{},
		Discovered: []string{},
	}

	seeds := make(map[string]bool, len(subreddits))
	for _, s := range subreddits {
		seeds[strings.ToLower(s)] = true
	}

	var valid []Community
	discovered := make(map[string]bool)

	for _, sub := range subreddits {
		if err := ctx.Err(); err != nil {
			return valid, validation, err
		}

		var about subredditAbout
		aboutURL := fmt.Sprintf("%s/r/%s/about.json", c.baseURL, sub)
		if err := c.fetchJSON(ctx, aboutURL, &about); err != nil {
			c.logger.Warn("community lookup failed", "subreddit", sub, "error", err)
			validation.Invalid = append(validation.Invalid, sub)
			continue
		}

		switch about.Data.SubredditType {
		case "public", "restricted":
		default:
			validation.Invalid = append(validation.Invalid, sub)
			continue
		}

		validation.Valid = append(validation.Valid, sub)
		valid = append(valid, Community{Name: sub, Subscribers: about.Data.Subscribers})

		// Discovery stops at depth 1: mentions are collected but never
		// themselves expanded.
		if len(discovered) < maxDiscovered {
			mentions := about.Data.PublicDescription + "\n" + about.Data.Description
			if wiki := c.fetchWikiIndex(ctx, sub); wiki != "" {
				mentions += "\n" + wiki
			}
			for _, m := range mentionRe.FindAllStringSubmatch(mentions, -1) {
				name := strings.ToLower(m[1])
				if seeds[name] || discoveryDenylist[name] || discovered[name] {
					continue
				}
				discovered[name] = true
				validation.Discovered = append(validation.Discovered, name)
				if len(discovered) >= maxDiscovered {
					break
				}
			}
		}
	}

	return valid, validation, nil
}

// fetchWikiIndex returns a community's wiki index markdown, or "".
func (c *Crawler) fetchWikiIndex(ctx context.Context, sub string) string {
	var wiki wikiPage
	wikiURL := fmt.Sprintf("%s/r/%s/wiki/index.json", c.baseURL, sub)
	if err := c.fetchJSON(ctx, wikiURL, &wiki); err != nil {
		return ""
	}
	return wiki.Data.ContentMD
}

// DeepDive runs the full three-phase crawl: validate and discover
// communities, sweep the topics × communities cartesian, then recover
// threaded comments for the high-engagement subset.
func (c *Crawler) DeepDive(ctx context.Context, req DeepDiveRequest) (*DeepDiveResult, error) {
	topics := clip(req.Topics, maxTopics)
	subreddits := clip(req.Subreddits, maxSubreddits)
	perCombo := req.MaxPostsPerCombo
	if perCombo < 1 {
		perCombo = 1
	}
	if perCombo > maxPerComboCap {
		perCombo = maxPerComboCap
	}
	timeFilter := req.TimeFilter
	switch timeFilter {
	case "week", "month", "year":
	default:
		timeFilter = "month"
	}

	result := &DeepDiveResult{
		Posts:              []*types.DiscussionPost{},
		SubredditStats:     map[string]types.SubredditStats{},
		TopicsSearched:     topics,
		SubredditsSearched: []string{},
		Validation: types.SubredditValidation{
			Valid:      []string{},
			Invalid:    []string{},
			Discovered: []string{},
		},
	}

	// Phase A — validation and discovery.
	var communities []Community
	if req.ValidateSubreddits {
		valid, validation, err := c.ValidateCommunities(ctx, subreddits)
		if err != nil {
			return result, err
		}
		result.Validation = *validation
		communities = valid
	} else {
		for _, sub := range subreddits {
			communities = append(communities, Community{Name: sub, Subscribers: 0})
			result.Validation.Valid = append(result.Validation.Valid, sub)
		}
	}
	if len(communities) == 0 {
		// Every community invalid: an empty but well-formed response.
		return result, nil
	}

	thresholds := make(map[string]types.EngagementThreshold, len(communities))
	for _, community := range communities {
		adaptive := req.AdaptiveThresholds && req.ValidateSubreddits
		thresholds[community.Name] = ThresholdFor(community.Subscribers, adaptive)
	}

	// Phase B — sweep the cartesian.
	accumulator := make(map[string]*types.DiscussionPost)
	var ordered []*types.DiscussionPost
	engagementSums := make(map[string]int)

	for _, community := range communities {
		result.SubredditsSearched = append(result.SubredditsSearched, community.Name)
		threshold := thresholds[community.Name]

		for _, topic := range topics {
			if err := ctx.Err(); err != nil {
				return result, err
			}

			var listing postListing
			u := c.searchURL(community.Name, topic, "top", timeFilter, perCombo)
			if err := c.fetchJSON(ctx, u, &listing); err != nil {
				c.logger.Warn("sweep request failed",
					"subreddit", community.Name, "topic", topic, "error", err)
				continue
			}

			for _, child := range listing.Data.Children {
				data := child.Data
				if data.ID == "" {
					continue
				}
				// A post needs only one of the two engagement signals.
				if data.Score < threshold.MinScore && data.NumComments < threshold.MinComments {
					continue
				}
				if _, dup := accumulator[data.ID]; dup {
					continue
				}
				post := data.toPost(c.baseURL, topic)
				accumulator[data.ID] = post
				ordered = append(ordered, post)

				stats := result.SubredditStats[community.Name]
				stats.PostCount++
				engagementSums[community.Name] += post.Engagement()
				result.SubredditStats[community.Name] = stats
			}
		}
	}

	for name, stats := range result.SubredditStats {
		if stats.PostCount > 0 {
			stats.MeanEngagement = float64(engagementSums[name]) / float64(stats.PostCount)
			result.SubredditStats[name] = stats
		}
	}

	// Phase C — comment recovery for the high-engagement subset.
	ranked := make([]*types.DiscussionPost, len(ordered))
	copy(ranked, ordered)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Engagement() > ranked[j].Engagement()
	})

	recovered := 0
	for _, post := range ranked {
		if recovered >= commentRecoveryTop {
			break
		}
		if post.Score <= 20 && post.NumComments <= 10 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		comments, err := c.fetchComments(ctx, post, req.MaxCommentsPerPost)
		if err != nil {
			c.logger.Warn("comment recovery failed", "post", post.ID, "error", err)
			continue
		}
		post.Comments = comments
		recovered++
	}

	result.Posts = ordered
	result.TimeRange = timeRangeOf(ordered)

	c.logger.Info("deep dive complete",
		"posts", len(ordered),
		"communities", len(communities),
		"comments_recovered", recovered,
	)
	return result, nil
}

// timeRangeOf computes the min/max creation span of a post set.
func timeRangeOf(posts []*types.DiscussionPost) TimeRange {
	var tr TimeRange
	for _, p := range posts {
		if tr.Start == 0 || p.CreatedUTC < tr.Start {
			tr.Start = p.CreatedUTC
		}
		if p.CreatedUTC > tr.End {
			tr.End = p.CreatedUTC
		}
	}
	return tr
}

func clip(items []string, n int) []string {
	if len(items) > n {
		return items[:n]
	}
	return items
}
