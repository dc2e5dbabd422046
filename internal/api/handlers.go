package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/jackmmaher/marketcrawl/internal/assets"
	"github.com/jackmmaher/marketcrawl/internal/collector/browser"
	"github.com/jackmmaher/marketcrawl/internal/collector/discussion"
	"github.com/jackmmaher/marketcrawl/internal/collector/feed"
	"github.com/jackmmaher/marketcrawl/internal/collector/website"
	"github.com/jackmmaher/marketcrawl/internal/config"
	"github.com/jackmmaher/marketcrawl/internal/pipeline"
	"github.com/jackmmaher/marketcrawl/internal/types"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeRequestError maps decode/validation failures to 400/413.
func writeRequestError(w http.ResponseWriter, err error) {
	if errors.Is(err, errBodyTooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Request body too large"})
		return
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "validation failed: " + verrs.Error()})
		return
	}
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"version":        config.Version,
	})
}

// handleReviews serves the combined feed+browser harvest, or an SSE
// stream of the feed-only crawl when streaming/filters are requested.
func (s *Server) handleReviews(w http.ResponseWriter, r *http.Request) {
	var req reviewsRequest
	if err := decodeJSON(w, r, s.cfg.Server.MaxBodyBytes, &req); err != nil {
		writeRequestError(w, err)
		return
	}
	if req.Country == "" {
		req.Country = "us"
	}
	if req.MaxReviews == 0 {
		req.MaxReviews = 1000
	}
	if req.MinRating > 0 && req.MaxRating > 0 && req.MinRating > req.MaxRating {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "min_rating must not exceed max_rating"})
		return
	}

	s.metrics.CrawlsTotal.Add(1)

	if req.Streaming || len(req.Filters) > 0 {
		s.streamFeedReviews(w, r, req)
		return
	}

	result, err := s.reviews.Collect(r.Context(), pipeline.Request{
		AppID:        req.AppID,
		Country:      req.Country,
		MaxReviews:   req.MaxReviews,
		MinRating:    req.MinRating,
		MaxRating:    req.MaxRating,
		MultiCountry: boolOr(req.MultiCountry, true),
	})
	if err != nil {
		s.metrics.CrawlsFailed.Add(1)
		s.logger.Error("review harvest failed", "app_id", req.AppID, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "crawl failed"})
		return
	}

	s.metrics.ReviewsCollected.Add(int64(result.Stats.Total))
	writeJSON(w, http.StatusOK, result)
}

// streamFeedReviews runs the feed collector and relays its events.
func (s *Server) streamFeedReviews(w http.ResponseWriter, r *http.Request, req reviewsRequest) {
	sse, err := newSSEWriter(w)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	filters := make([]feed.Filter, 0, len(req.Filters))
	for _, f := range req.Filters {
		filters = append(filters, feed.Filter{Sort: f.Sort, Target: f.Target})
	}

	stealth := feed.DefaultStealth()
	if req.Stealth != nil {
		if req.Stealth.BaseDelay > 0 {
			stealth.BaseDelay = time.Duration(req.Stealth.BaseDelay * float64(time.Second))
		}
		if req.Stealth.Randomization > 0 {
			stealth.Randomization = req.Stealth.Randomization
		}
		if req.Stealth.FilterCooldown > 0 {
			stealth.FilterCooldown = time.Duration(req.Stealth.FilterCooldown * float64(time.Second))
		}
		stealth.AutoThrottle = boolOr(req.Stealth.AutoThrottle, true)
	}

	// A send failure means the client went away; cancel the crawl
	// instead of finishing it for nobody.
	emit := func(ev feed.Event) {
		if err := sse.send(ev); err != nil {
			cancel()
		}
	}

	reviews, err := s.feed.Collect(ctx, feed.Request{
		AppID:   req.AppID,
		Country: req.Country,
		Filters: filters,
		Stealth: stealth,
		Cap:     req.MaxReviews,
	}, emit)
	if err != nil && ctx.Err() == nil {
		s.metrics.CrawlsFailed.Add(1)
		_ = sse.send(feed.ErrorEvent{Type: "error", Message: err.Error()})
		return
	}
	if ctx.Err() != nil {
		return // client disconnected mid-stream
	}

	s.metrics.ReviewsCollected.Add(int64(len(reviews)))
	_ = sse.send(feed.CompleteEvent{
		Type:    "complete",
		Reviews: reviews,
		Stats:   types.ComputeReviewStats(reviews),
	})
}

// handleWhatsNew serves the storefront version history.
func (s *Server) handleWhatsNew(w http.ResponseWriter, r *http.Request) {
	var req appPageRequest
	if err := decodeJSON(w, r, s.cfg.Server.MaxBodyBytes, &req); err != nil {
		writeRequestError(w, err)
		return
	}
	if req.Country == "" {
		req.Country = "us"
	}

	versions, err := s.storefront.WhatsNew(r.Context(), req.AppID, req.Country, 50)
	if err != nil {
		s.logger.Error("whats-new crawl failed", "app_id", req.AppID, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "crawl failed"})
		return
	}
	if versions == nil {
		versions = []browser.VersionEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"app_id":         req.AppID,
		"country":        req.Country,
		"total_versions": len(versions),
		"versions":       versions,
	})
}

// handlePrivacy serves the storefront privacy labels.
func (s *Server) handlePrivacy(w http.ResponseWriter, r *http.Request) {
	var req appPageRequest
	if err := decodeJSON(w, r, s.cfg.Server.MaxBodyBytes, &req); err != nil {
		writeRequestError(w, err)
		return
	}
	if req.Country == "" {
		req.Country = "us"
	}

	labels, err := s.storefront.PrivacyLabels(r.Context(), req.AppID, req.Country)
	if err != nil {
		s.logger.Error("privacy crawl failed", "app_id", req.AppID, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "crawl failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"app_id":         req.AppID,
		"country":        req.Country,
		"privacy_labels": labels,
	})
}

// handleReddit serves the plain keyword search.
func (s *Server) handleReddit(w http.ResponseWriter, r *http.Request) {
	var req redditRequest
	if err := decodeJSON(w, r, s.cfg.Server.MaxBodyBytes, &req); err != nil {
		writeRequestError(w, err)
		return
	}

	result, err := s.discussion.Search(r.Context(), discussion.SearchRequest{
		Keywords:           req.Keywords,
		Subreddits:         req.Subreddits,
		MaxPosts:           req.MaxPosts,
		MaxCommentsPerPost: req.MaxCommentsPerPost,
		TimeFilter:         req.TimeFilter,
		Sort:               req.Sort,
	})
	if err != nil {
		s.logger.Error("reddit search failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "crawl failed"})
		return
	}

	s.metrics.PostsCollected.Add(int64(result.TotalPosts))
	writeJSON(w, http.StatusOK, result)
}

// handleDeepDive serves the two-phase community crawl.
func (s *Server) handleDeepDive(w http.ResponseWriter, r *http.Request) {
	var req deepDiveRequest
	if err := decodeJSON(w, r, s.cfg.Server.MaxBodyBytes, &req); err != nil {
		writeRequestError(w, err)
		return
	}

	result, err := s.discussion.DeepDive(r.Context(), discussion.DeepDiveRequest{
		Topics:             req.SearchTopics,
		Subreddits:         req.Subreddits,
		TimeFilter:         req.TimeFilter,
		MaxPostsPerCombo:   req.MaxPostsPerCombo,
		MaxCommentsPerPost: req.MaxCommentsPerPost,
		ValidateSubreddits: boolOr(req.ValidateSubreddits, true),
		AdaptiveThresholds: boolOr(req.UseAdaptiveThresholds, true),
	})

	resp := map[string]any{
		"success": err == nil,
	}
	if result != nil {
		resp["posts"] = result.Posts
		resp["stats"] = map[string]any{
			"total_posts":         len(result.Posts),
			"subreddit_stats":     result.SubredditStats,
			"topics_searched":     result.TopicsSearched,
			"subreddits_searched": result.SubredditsSearched,
			"time_range":          result.TimeRange,
		}
		resp["validation"] = result.Validation
		s.metrics.PostsCollected.Add(int64(len(result.Posts)))
	}
	if err != nil {
		s.logger.Error("deep dive failed", "error", err)
		resp["error"] = err.Error()
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleValidateSubreddits serves Phase A on its own.
func (s *Server) handleValidateSubreddits(w http.ResponseWriter, r *http.Request) {
	var req validateSubsRequest
	if err := decodeJSON(w, r, s.cfg.Server.MaxBodyBytes, &req); err != nil {
		writeRequestError(w, err)
		return
	}

	_, validation, err := s.discussion.ValidateCommunities(r.Context(), req.Subreddits)
	if err != nil {
		s.logger.Error("subreddit validation failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "validation failed"})
		return
	}
	writeJSON(w, http.StatusOK, validation)
}

// handleWebsite serves the landing-page extraction. The URL is guarded
// against private/internal targets before any outbound request.
func (s *Server) handleWebsite(w http.ResponseWriter, r *http.Request) {
	var req websiteRequest
	if err := decodeJSON(w, r, s.cfg.Server.MaxBodyBytes, &req); err != nil {
		writeRequestError(w, err)
		return
	}

	if err := config.ValidateCrawlURL(req.URL); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.MaxPages == 0 {
		req.MaxPages = 10
	}

	result, err := s.website.Extract(r.Context(), website.Request{
		URL:             req.URL,
		MaxPages:        req.MaxPages,
		IncludeSubpages: boolOr(req.IncludeSubpages, true),
		ExtractPricing:  boolOr(req.ExtractPricing, true),
		ExtractFeatures: boolOr(req.ExtractFeatures, true),
	})
	if err != nil {
		s.logger.Error("website extraction failed", "url", req.URL, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "crawl failed"})
		return
	}

	s.metrics.PagesExtracted.Add(int64(result.CrawledPages))
	writeJSON(w, http.StatusOK, result)
}

// handleBatch submits async jobs for each batch entry.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(w, r, s.cfg.Server.MaxBodyBytes, &req); err != nil {
		writeRequestError(w, err)
		return
	}

	jobs := make([]any, 0, len(req.Requests))
	for _, item := range req.Requests {
		job, err := s.submitBatchItem(item)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		jobs = append(jobs, job)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"jobs": jobs})
}

// handleGetJob returns one job snapshot.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job := s.jobs.Get(chi.URLParam(r, "id"))
	if job == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleListJobs returns every job snapshot.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.jobs.List())
}

// --- Asset stores ---

func (s *Server) handleGetPalettes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"palettes": s.catalog.LoadPalettes()})
}

func (s *Server) handleGetFontPairs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"pairings": s.catalog.LoadPairings()})
}

func (s *Server) handleGetFonts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"fonts": s.catalog.LoadFonts()})
}

func (s *Server) handleSavePalettes(w http.ResponseWriter, r *http.Request) {
	saveAssets(s, w, r, s.catalog.Palettes, func(raw json.RawMessage) ([]assets.ColorPalette, error) {
		var items []assets.ColorPalette
		err := json.Unmarshal(raw, &items)
		return items, err
	})
}

func (s *Server) handleSaveFontPairs(w http.ResponseWriter, r *http.Request) {
	saveAssets(s, w, r, s.catalog.Pairings, func(raw json.RawMessage) ([]assets.FontPairing, error) {
		var items []assets.FontPairing
		err := json.Unmarshal(raw, &items)
		return items, err
	})
}

func (s *Server) handleSaveFonts(w http.ResponseWriter, r *http.Request) {
	saveAssets(s, w, r, s.catalog.Fonts, func(raw json.RawMessage) ([]assets.Font, error) {
		var items []assets.Font
		err := json.Unmarshal(raw, &items)
		return items, err
	})
}

// saveAssets is the shared save handler over any asset store.
func saveAssets[T any](s *Server, w http.ResponseWriter, r *http.Request, store *assets.Store[T], decode func(json.RawMessage) ([]T, error)) {
	var req saveAssetsRequest
	if err := decodeJSON(w, r, s.cfg.Server.MaxBodyBytes, &req); err != nil {
		writeRequestError(w, err)
		return
	}
	items, err := decode(req.Items)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid items: " + err.Error()})
		return
	}
	if err := store.Save(items, boolOr(req.Accumulate, true)); err != nil {
		s.logger.Error("asset save failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "save failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"saved": len(items)})
}
