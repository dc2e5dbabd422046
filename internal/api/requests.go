package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// validate is the shared request validator.
var validate = validator.New(validator.WithRequiredStructEnabled())

// decodeJSON reads, size-checks, decodes, and validates a request body.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errBodyTooLarge
		}
		return fmt.Errorf("read body: %w", err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("empty request body")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return err
	}
	return nil
}

var errBodyTooLarge = errors.New("request body too large")

// filterDTO is one feed sort-order pass.
type filterDTO struct {
	Sort   string `json:"sort"   validate:"required,oneof=mostRecent mostHelpful mostFavorable mostCritical"`
	Target int    `json:"target" validate:"min=1,max=2000"`
}

// stealthDTO is the caller-tunable pacing configuration, in seconds.
type stealthDTO struct {
	BaseDelay      float64 `json:"baseDelay"      validate:"omitempty,min=0.5,max=10"`
	Randomization  int     `json:"randomization"  validate:"min=0,max=100"`
	FilterCooldown float64 `json:"filterCooldown" validate:"omitempty,min=1,max=30"`
	AutoThrottle   *bool   `json:"autoThrottle"`
}

// reviewsRequest is the /crawl/app-store/reviews body.
type reviewsRequest struct {
	AppID        string      `json:"app_id"        validate:"required,numeric"`
	Country      string      `json:"country"       validate:"omitempty,alpha,len=2"`
	MaxReviews   int         `json:"max_reviews"   validate:"omitempty,min=1,max=10000"`
	MinRating    int         `json:"min_rating"    validate:"omitempty,min=1,max=5"`
	MaxRating    int         `json:"max_rating"    validate:"omitempty,min=1,max=5"`
	MultiCountry *bool       `json:"multi_country"`
	Streaming    bool        `json:"streaming"`
	Filters      []filterDTO `json:"filters"       validate:"omitempty,max=10,dive"`
	Stealth      *stealthDTO `json:"stealth"       validate:"omitempty"`
}

// appPageRequest is shared by the whats-new and privacy endpoints.
type appPageRequest struct {
	AppID   string `json:"app_id"  validate:"required,numeric"`
	Country string `json:"country" validate:"omitempty,alpha,len=2"`
}

// redditRequest is the /crawl/reddit body.
type redditRequest struct {
	Keywords           []string `json:"keywords"              validate:"required,min=1,max=10,dive,min=1"`
	Subreddits         []string `json:"subreddits"            validate:"omitempty,max=20,dive,min=1"`
	MaxPosts           int      `json:"max_posts"             validate:"omitempty,min=1,max=200"`
	MaxCommentsPerPost int      `json:"max_comments_per_post" validate:"omitempty,min=0,max=100"`
	TimeFilter         string   `json:"time_filter"           validate:"omitempty,oneof=hour day week month year all"`
	Sort               string   `json:"sort"                  validate:"omitempty,oneof=relevance hot new top"`
}

// deepDiveRequest is the /crawl/reddit/deep-dive body.
type deepDiveRequest struct {
	SearchTopics          []string `json:"search_topics"           validate:"required,min=1,max=10,dive,min=1"`
	Subreddits            []string `json:"subreddits"              validate:"required,min=1,max=20,dive,min=1"`
	TimeFilter            string   `json:"time_filter"             validate:"omitempty,oneof=week month year"`
	MaxPostsPerCombo      int      `json:"max_posts_per_combo"     validate:"omitempty,min=1,max=100"`
	MaxCommentsPerPost    int      `json:"max_comments_per_post"   validate:"omitempty,min=0,max=100"`
	ValidateSubreddits    *bool    `json:"validate_subreddits"`
	UseAdaptiveThresholds *bool    `json:"use_adaptive_thresholds"`
}

// validateSubsRequest is the /crawl/reddit/validate-subreddits body.
type validateSubsRequest struct {
	Subreddits []string `json:"subreddits" validate:"required,min=1,max=20,dive,min=1"`
}

// websiteRequest is the /crawl/website body.
type websiteRequest struct {
	URL             string `json:"url"              validate:"required"`
	MaxPages        int    `json:"max_pages"        validate:"omitempty,min=1,max=50"`
	IncludeSubpages *bool  `json:"include_subpages"`
	ExtractPricing  *bool  `json:"extract_pricing"`
	ExtractFeatures *bool  `json:"extract_features"`
}

// batchItem is one entry of a batch submission.
type batchItem struct {
	Type    string          `json:"type"    validate:"required,oneof=app_store_reviews reddit reddit_deep_dive website"`
	Payload json.RawMessage `json:"payload" validate:"required"`
}

// batchRequest is the /crawl/batch body.
type batchRequest struct {
	Requests []batchItem `json:"requests" validate:"required,min=1,max=10,dive"`
}

// saveAssetsRequest is shared by the asset-store save endpoints.
type saveAssetsRequest struct {
	Accumulate *bool           `json:"accumulate"`
	Items      json.RawMessage `json:"items" validate:"required"`
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
