package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

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

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

// --- Fake collaborators ---

type fakePipeline struct {
	result *pipeline.Result
	err    error
}

func (f *fakePipeline) Collect(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &pipeline.Result{
		AppID:   req.AppID,
		Country: req.Country,
		Reviews: []*types.Review{},
		Stats:   types.ComputeReviewStats(nil),
	}, nil
}

type fakeFeed struct{}

func (f *fakeFeed) Collect(ctx context.Context, req feed.Request, emit func(feed.Event)) ([]*types.Review, error) {
	if emit != nil {
		emit(feed.StartEvent{Type: "start", Filters: len(req.Filters), TotalTargetReviews: 100})
	}
	return []*types.Review{
		{ID: "r1", Author: "a", Content: "streamed review", Source: types.SourceFeed},
	}, nil
}

type fakeStorefront struct{}

func (f *fakeStorefront) WhatsNew(ctx context.Context, appID, country string, maxVersions int) ([]browser.VersionEntry, error) {
	return []browser.VersionEntry{{Version: "2.1.0", Text: "Version 2.1.0 bug fixes"}}, nil
}

func (f *fakeStorefront) PrivacyLabels(ctx context.Context, appID, country string) ([]browser.PrivacyLabel, error) {
	return []browser.PrivacyLabel{{Category: "Data Used to Track You"}}, nil
}

type fakeDiscussion struct{}

func (f *fakeDiscussion) Search(ctx context.Context, req discussion.SearchRequest) (*discussion.SearchResult, error) {
	return &discussion.SearchResult{
		Keywords:           req.Keywords,
		SubredditsSearched: []string{"apps"},
		Discussions:        []*discussion.Discussion{},
	}, nil
}

func (f *fakeDiscussion) DeepDive(ctx context.Context, req discussion.DeepDiveRequest) (*discussion.DeepDiveResult, error) {
	return &discussion.DeepDiveResult{
		Posts:              []*types.DiscussionPost{},
		SubredditStats:     map[string]types.SubredditStats{},
		TopicsSearched:     req.Topics,
		SubredditsSearched: req.Subreddits,
		Validation: types.SubredditValidation{
			Valid: req.Subreddits, Invalid: []string{}, Discovered: []string{},
		},
	}, nil
}

func (f *fakeDiscussion) ValidateCommunities(ctx context.Context, subs []string) ([]discussion.Community, *types.SubredditValidation, error) {
	return nil, &types.SubredditValidation{
		Valid: subs, Invalid: []string{}, Discovered: []string{"selfimprovement"},
	}, nil
}

type fakeWebsite struct{}

func (f *fakeWebsite) Extract(ctx context.Context, req website.Request) (*website.Result, error) {
	return &website.Result{URL: req.URL, Domain: "example.com", CrawledPages: 1}, nil
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.RateLimit.PerMinute = 1000
	cfg.Assets.DataDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}
	return NewServer(cfg, Deps{
		Reviews:    &fakePipeline{},
		Feed:       &fakeFeed{},
		Storefront: &fakeStorefront{},
		Discussion: &fakeDiscussion{},
		Website:    &fakeWebsite{},
		Catalog:    assets.NewCatalog(cfg.Assets.DataDir, testLogger),
		Metrics:    observability.NewMetrics(testLogger),
	}, testLogger)
}

func post(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

// --- Tests ---

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["uptime_seconds"]; !ok {
		t.Errorf("missing uptime_seconds")
	}
}

func TestReviewsValidation(t *testing.T) {
	s := newTestServer(t, nil)
	router := s.Router()

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"missing app id", map[string]any{"country": "us"}, http.StatusBadRequest},
		{"non-numeric app id", map[string]any{"app_id": "abc"}, http.StatusBadRequest},
		{"max reviews too high", map[string]any{"app_id": "100001", "max_reviews": 20000}, http.StatusBadRequest},
		{"bad rating range", map[string]any{"app_id": "100001", "min_rating": 4, "max_rating": 2}, http.StatusBadRequest},
		{"valid", map[string]any{"app_id": "100001", "max_reviews": 100}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, router, "/crawl/app-store/reviews", tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestReviewsResponseShape(t *testing.T) {
	s := newTestServer(t, nil)
	rec := post(t, s.Router(), "/crawl/app-store/reviews", map[string]any{
		"app_id": "100001", "country": "gb", "max_reviews": 50,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		AppID   string            `json:"app_id"`
		Country string            `json:"country"`
		Reviews []*types.Review   `json:"reviews"`
		Stats   types.ReviewStats `json:"stats"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.AppID != "100001" || body.Country != "gb" {
		t.Errorf("echo fields = %+v", body)
	}
}

func TestWebsiteSSRFGuard(t *testing.T) {
	s := newTestServer(t, nil)
	rec := post(t, s.Router(), "/crawl/website", map[string]any{
		"url": "http://10.0.0.5/internal",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"] != "URLs pointing to internal/private IP addresses are not allowed" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestBodySizeCap(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.Server.MaxBodyBytes = 256 })
	rec := post(t, s.Router(), "/crawl/app-store/reviews", map[string]any{
		"app_id":  "100001",
		"padding": strings.Repeat("x", 1024),
	})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.Server.APIKey = "sekrit" })
	router := s.Router()

	rec := post(t, router, "/crawl/reddit/validate-subreddits", map[string]any{
		"subreddits": []string{"apps"},
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without key = %d, want 401", rec.Code)
	}

	raw, _ := json.Marshal(map[string]any{"subreddits": []string{"apps"}})
	req := httptest.NewRequest(http.MethodPost, "/crawl/reddit/validate-subreddits", bytes.NewReader(raw))
	req.Header.Set("X-API-Key", "sekrit")
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusOK {
		t.Fatalf("status with key = %d: %s", rec2.Code, rec2.Body.String())
	}

	// Health stays open.
	healthReq := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec3 := httptest.NewRecorder()
	router.ServeHTTP(rec3, healthReq)
	if rec3.Code != http.StatusOK {
		t.Errorf("health status = %d", rec3.Code)
	}
}

func TestInboundRateLimit(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.RateLimit.PerMinute = 2
		c.RateLimit.Burst = 0
	})
	router := s.Router()

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = post(t, router, "/crawl/reddit/validate-subreddits", map[string]any{
			"subreddits": []string{"apps"},
		})
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	var body map[string]any
	json.Unmarshal(last.Body.Bytes(), &body)
	for _, field := range []string{"error", "retry_after", "message"} {
		if _, ok := body[field]; !ok {
			t.Errorf("429 body missing %q: %v", field, body)
		}
	}
}

func TestDeepDiveResponseShape(t *testing.T) {
	s := newTestServer(t, nil)
	rec := post(t, s.Router(), "/crawl/reddit/deep-dive", map[string]any{
		"search_topics":       []string{"habit tracking"},
		"subreddits":          []string{"productivity"},
		"time_filter":         "month",
		"max_posts_per_combo": 25,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["success"] != true {
		t.Errorf("success = %v", body["success"])
	}
	for _, field := range []string{"posts", "stats", "validation"} {
		if _, ok := body[field]; !ok {
			t.Errorf("missing %q in response", field)
		}
	}
}

func TestValidateSubredditsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	rec := post(t, s.Router(), "/crawl/reddit/validate-subreddits", map[string]any{
		"subreddits": []string{"productivity"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body types.SubredditValidation
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Valid) != 1 || body.Valid[0] != "productivity" {
		t.Errorf("valid = %v", body.Valid)
	}
	if len(body.Discovered) != 1 {
		t.Errorf("discovered = %v", body.Discovered)
	}
}

func TestStreamingReviewsSSE(t *testing.T) {
	s := newTestServer(t, nil)
	rec := post(t, s.Router(), "/crawl/app-store/reviews", map[string]any{
		"app_id":    "100001",
		"streaming": true,
		"filters":   []map[string]any{{"sort": "mostRecent", "target": 100}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	events := strings.Split(strings.TrimSpace(rec.Body.String()), "\n\n")
	if len(events) < 2 {
		t.Fatalf("expected start + complete events, got %d: %q", len(events), rec.Body.String())
	}
	if !strings.HasPrefix(events[0], "data: ") {
		t.Errorf("event framing wrong: %q", events[0])
	}
	var first map[string]any
	json.Unmarshal([]byte(strings.TrimPrefix(events[0], "data: ")), &first)
	if first["type"] != "start" {
		t.Errorf("first event type = %v", first["type"])
	}
	var last map[string]any
	json.Unmarshal([]byte(strings.TrimPrefix(events[len(events)-1], "data: ")), &last)
	if last["type"] != "complete" {
		t.Errorf("last event type = %v", last["type"])
	}
}

func TestBatchJobsLifecycle(t *testing.T) {
	s := newTestServer(t, nil)
	router := s.Router()

	payload, _ := json.Marshal(map[string]any{"app_id": "100001", "max_reviews": 10})
	rec := post(t, router, "/crawl/batch", map[string]any{
		"requests": []map[string]any{
			{"type": "app_store_reviews", "payload": json.RawMessage(payload)},
		},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Jobs []types.Job `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Jobs) != 1 {
		t.Fatalf("jobs = %d", len(body.Jobs))
	}
	id := body.Jobs[0].ID

	// The fake pipeline completes immediately; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for {
		req := httptest.NewRequest(http.MethodGet, "/crawl/jobs/"+id, nil)
		getRec := httptest.NewRecorder()
		router.ServeHTTP(getRec, req)
		if getRec.Code != http.StatusOK {
			t.Fatalf("get job status = %d", getRec.Code)
		}
		var job types.Job
		json.Unmarshal(getRec.Body.Bytes(), &job)
		if job.Status == types.JobCompleted {
			if job.Progress != 1 {
				t.Errorf("completed job progress = %v", job.Progress)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never completed: %+v", job)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestUnknownJob(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/crawl/jobs/nope", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestAssetsSaveAndGet(t *testing.T) {
	s := newTestServer(t, nil)
	router := s.Router()

	items, _ := json.Marshal([]map[string]any{
		{"name": "Night", "colors": []string{"#000", "#111"}},
	})
	rec := post(t, router, "/assets/palettes", map[string]any{
		"accumulate": true,
		"items":      json.RawMessage(items),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("save status = %d: %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/assets/palettes", nil)
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, req)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status = %d", getRec.Code)
	}
	var body struct {
		Palettes []assets.ColorPalette `json:"palettes"`
	}
	json.Unmarshal(getRec.Body.Bytes(), &body)
	if len(body.Palettes) != 1 || body.Palettes[0].Name != "Night" {
		t.Errorf("palettes = %+v", body.Palettes)
	}
}

func TestWhatsNewEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	rec := post(t, s.Router(), "/crawl/app-store/whats-new", map[string]any{
		"app_id": "100001",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["total_versions"] != float64(1) {
		t.Errorf("total_versions = %v", body["total_versions"])
	}
}
