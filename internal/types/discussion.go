package types

// DiscussionPost is a social-discussion thread matched during a crawl.
// Identity is the source-supplied post id; a post appears at most once
// in a crawl's accumulator.
type DiscussionPost struct {
	ID           string     `json:"id"`
	Subreddit    string     `json:"subreddit"`
	Title        string     `json:"title"`
	Content      string     `json:"content"`
	Score        int        `json:"score"`
	NumComments  int        `json:"num_comments"`
	CreatedUTC   int64      `json:"created_utc"`
	Permalink    string     `json:"permalink"`
	Author       string     `json:"author"`
	UpvoteRatio  float64    `json:"upvote_ratio"`
	MatchedTopic string     `json:"matched_topic,omitempty"`
	Comments     []*Comment `json:"comments"`
}

// Engagement is the ranking key used to pick posts for comment recovery.
func (p *DiscussionPost) Engagement() int {
	return p.Score + 2*p.NumComments
}

// Comment is one node of a post's threaded comment forest.
type Comment struct {
	ID          string     `json:"id"`
	Author      string     `json:"author"`
	Body        string     `json:"body"`
	Score       int        `json:"score"`
	CreatedUTC  int64      `json:"created_utc"`
	Depth       int        `json:"depth"`
	IsSubmitter bool       `json:"is_submitter"`
	ParentID    string     `json:"parent_id,omitempty"`
	Replies     []*Comment `json:"replies,omitempty"`
}

// SubredditStats is the per-community yield sidecar of a deep-dive.
type SubredditStats struct {
	PostCount      int     `json:"post_count"`
	MeanEngagement float64 `json:"mean_engagement"`
}

// SubredditValidation reports the outcome of community validation.
type SubredditValidation struct {
	Valid      []string `json:"valid"`
	Invalid    []string `json:"invalid"`
	Discovered []string `json:"discovered"`
}

// EngagementThreshold is the minimum score/comment gate a post must
// clear (either one suffices) to enter the accumulator.
type EngagementThreshold struct {
	MinScore    int `json:"min_score"`
	MinComments int `json:"min_comments"`
}
