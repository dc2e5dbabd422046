// Package api is the inbound HTTP surface of the crawl service: a chi
// router over the collectors, the review pipeline, the asset stores,
// and the async job registry.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jackmmaher/marketcrawl/internal/assets"
	"github.com/jackmmaher/marketcrawl/internal/collector/browser"
	"github.com/jackmmaher/marketcrawl/internal/collector/discussion"
	"github.com/jackmmaher/marketcrawl/internal/collector/feed"
	"github.com/jackmmaher/marketcrawl/internal/collector/website"
	"github.com/jackmmaher/marketcrawl/internal/config"
	"github.com/jackmmaher/marketcrawl/internal/observability"
	"github.com/jackmmaher/marketcrawl/internal/pipeline"
	"github.com/jackmmaher/marketcrawl/internal/types"
)

// ReviewsPipeline composes the two review collectors.
type ReviewsPipeline interface {
	Collect(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// FeedCollector is the streaming feed crawl dependency.
type FeedCollector interface {
	Collect(ctx context.Context, req feed.Request, emit func(feed.Event)) ([]*types.Review, error)
}

// StorefrontPages covers the browser-driven product-page crawls.
type StorefrontPages interface {
	WhatsNew(ctx context.Context, appID, country string, maxVersions int) ([]browser.VersionEntry, error)
	PrivacyLabels(ctx context.Context, appID, country string) ([]browser.PrivacyLabel, error)
}

// DiscussionCrawler covers the social-discussion operations.
type DiscussionCrawler interface {
	Search(ctx context.Context, req discussion.SearchRequest) (*discussion.SearchResult, error)
	DeepDive(ctx context.Context, req discussion.DeepDiveRequest) (*discussion.DeepDiveResult, error)
	ValidateCommunities(ctx context.Context, subreddits []string) ([]discussion.Community, *types.SubredditValidation, error)
}

// WebsiteExtractor covers the landing-page extraction.
type WebsiteExtractor interface {
	Extract(ctx context.Context, req website.Request) (*website.Result, error)
}

// Server wires the HTTP surface together.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	reviews    ReviewsPipeline
	feed       FeedCollector
	storefront StorefrontPages
	discussion DiscussionCrawler
	website    WebsiteExtractor
	catalog    *assets.Catalog

	jobs    *JobRegistry
	metrics *observability.Metrics

	httpServer *http.Server
	startTime  time.Time
}

// Deps bundles the collaborators the server is built from.
type Deps struct {
	Reviews    ReviewsPipeline
	Feed       FeedCollector
	Storefront StorefrontPages
	Discussion DiscussionCrawler
	Website    WebsiteExtractor
	Catalog    *assets.Catalog
	Metrics    *observability.Metrics
}

// NewServer creates the server and its router.
func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		logger:     logger.With("component", "api_server"),
		reviews:    deps.Reviews,
		feed:       deps.Feed,
		storefront: deps.Storefront,
		discussion: deps.Discussion,
		website:    deps.Website,
		catalog:    deps.Catalog,
		jobs:       NewJobRegistry(logger),
		metrics:    deps.Metrics,
		startTime:  time.Now(),
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.Server.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-API-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(trackRequests(s.metrics))

	r.Get("/health", s.handleHealth)

	limiter := newInboundLimiter(s.cfg.RateLimit.PerMinute, s.cfg.RateLimit.Burst, s.metrics)

	r.Group(func(r chi.Router) {
		r.Use(apiKeyMiddleware(s.cfg.Server.APIKey))
		r.Use(limiter.middleware)

		r.Route("/crawl", func(r chi.Router) {
			r.Post("/app-store/reviews", s.handleReviews)
			r.Post("/app-store/whats-new", s.handleWhatsNew)
			r.Post("/app-store/privacy", s.handlePrivacy)
			r.Post("/reddit", s.handleReddit)
			r.Post("/reddit/deep-dive", s.handleDeepDive)
			r.Post("/reddit/validate-subreddits", s.handleValidateSubreddits)
			r.Post("/website", s.handleWebsite)
			r.Post("/batch", s.handleBatch)
			r.Get("/jobs", s.handleListJobs)
			r.Get("/jobs/{id}", s.handleGetJob)
		})

		r.Route("/assets", func(r chi.Router) {
			r.Get("/palettes", s.handleGetPalettes)
			r.Post("/palettes", s.handleSavePalettes)
			r.Get("/font-pairs", s.handleGetFontPairs)
			r.Post("/font-pairs", s.handleSaveFontPairs)
			r.Get("/fonts", s.handleGetFonts)
			r.Post("/fonts", s.handleSaveFonts)
		})
	})

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("API server starting", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("API server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// submitBatchItem decodes one batch entry and schedules its job.
func (s *Server) submitBatchItem(item batchItem) (*types.Job, error) {
	switch item.Type {
	case "app_store_reviews":
		var req reviewsRequest
		if err := json.Unmarshal(item.Payload, &req); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", item.Type, err)
		}
		if err := validate.Struct(&req); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", item.Type, err)
		}
		if req.Country == "" {
			req.Country = "us"
		}
		if req.MaxReviews == 0 {
			req.MaxReviews = 1000
		}
		return s.jobs.Submit(item.Type, req, func(ctx context.Context, progress func(float64)) (any, error) {
			progress(0.1)
			result, err := s.reviews.Collect(ctx, pipeline.Request{
				AppID:        req.AppID,
				Country:      req.Country,
				MaxReviews:   req.MaxReviews,
				MinRating:    req.MinRating,
				MaxRating:    req.MaxRating,
				MultiCountry: boolOr(req.MultiCountry, true),
			})
			return result, err
		}), nil

	case "reddit":
		var req redditRequest
		if err := json.Unmarshal(item.Payload, &req); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", item.Type, err)
		}
		if err := validate.Struct(&req); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", item.Type, err)
		}
		return s.jobs.Submit(item.Type, req, func(ctx context.Context, progress func(float64)) (any, error) {
			progress(0.1)
			return s.discussion.Search(ctx, discussion.SearchRequest{
				Keywords:           req.Keywords,
				Subreddits:         req.Subreddits,
				MaxPosts:           req.MaxPosts,
				MaxCommentsPerPost: req.MaxCommentsPerPost,
				TimeFilter:         req.TimeFilter,
				Sort:               req.Sort,
			})
		}), nil

	case "reddit_deep_dive":
		var req deepDiveRequest
		if err := json.Unmarshal(item.Payload, &req); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", item.Type, err)
		}
		if err := validate.Struct(&req); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", item.Type, err)
		}
		return s.jobs.Submit(item.Type, req, func(ctx context.Context, progress func(float64)) (any, error) {
			progress(0.1)
			return s.discussion.DeepDive(ctx, discussion.DeepDiveRequest{
				Topics:             req.SearchTopics,
				Subreddits:         req.Subreddits,
				TimeFilter:         req.TimeFilter,
				MaxPostsPerCombo:   req.MaxPostsPerCombo,
				MaxCommentsPerPost: req.MaxCommentsPerPost,
				ValidateSubreddits: boolOr(req.ValidateSubreddits, true),
				AdaptiveThresholds: boolOr(req.UseAdaptiveThresholds, true),
			})
		}), nil

	case "website":
		var req websiteRequest
		if err := json.Unmarshal(item.Payload, &req); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", item.Type, err)
		}
		if err := validate.Struct(&req); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", item.Type, err)
		}
		if err := config.ValidateCrawlURL(req.URL); err != nil {
			return nil, err
		}
		return s.jobs.Submit(item.Type, req, func(ctx context.Context, progress func(float64)) (any, error) {
			progress(0.1)
			return s.website.Extract(ctx, website.Request{
				URL:             req.URL,
				MaxPages:        req.MaxPages,
				IncludeSubpages: boolOr(req.IncludeSubpages, true),
				ExtractPricing:  boolOr(req.ExtractPricing, true),
				ExtractFeatures: boolOr(req.ExtractFeatures, true),
			})
		}), nil

	default:
		return nil, fmt.Errorf("unknown crawl type: %s", item.Type)
	}
}
