package observability

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
)

// Metrics tracks operational counters for the crawl service.
type Metrics struct {
	// Crawl metrics
	CrawlsTotal  atomic.Int64
	CrawlsFailed atomic.Int64

	// Collector metrics
	FeedPagesFetched      atomic.Int64
	BrowserLocalesVisited atomic.Int64
	ReviewsCollected      atomic.Int64
	PostsCollected        atomic.Int64
	PagesExtracted        atomic.Int64

	// Substrate metrics
	CacheHits      atomic.Int64
	CacheMisses    atomic.Int64
	RateLimitWaits atomic.Int64
	FetchRetries   atomic.Int64

	// Server metrics
	ActiveRequests  atomic.Int32
	RequestsServed  atomic.Int64
	RequestsThrottled atomic.Int64

	logger *slog.Logger
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(logger *slog.Logger) *Metrics {
	return &Metrics{
		logger: logger.With("component", "metrics"),
	}
}

// ServeHTTP serves metrics in Prometheus text exposition format.
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	metrics := []struct {
		name  string
		help  string
		value int64
	}{
		{"marketcrawl_crawls_total", "Total crawls started", m.CrawlsTotal.Load()},
		{"marketcrawl_crawls_failed_total", "Total crawls that failed", m.CrawlsFailed.Load()},
		{"marketcrawl_feed_pages_fetched_total", "Total feed pages fetched", m.FeedPagesFetched.Load()},
		{"marketcrawl_browser_locales_visited_total", "Total storefront locales visited", m.BrowserLocalesVisited.Load()},
		{"marketcrawl_reviews_collected_total", "Total reviews collected", m.ReviewsCollected.Load()},
		{"marketcrawl_posts_collected_total", "Total discussion posts collected", m.PostsCollected.Load()},
		{"marketcrawl_pages_extracted_total", "Total website pages extracted", m.PagesExtracted.Load()},
		{"marketcrawl_cache_hits_total", "Total cache hits", m.CacheHits.Load()},
		{"marketcrawl_cache_misses_total", "Total cache misses", m.CacheMisses.Load()},
		{"marketcrawl_rate_limit_waits_total", "Total admissions that had to wait", m.RateLimitWaits.Load()},
		{"marketcrawl_fetch_retries_total", "Total fetch attempts retried", m.FetchRetries.Load()},
		{"marketcrawl_active_requests", "Currently active inbound requests", int64(m.ActiveRequests.Load())},
		{"marketcrawl_requests_served_total", "Total inbound requests served", m.RequestsServed.Load()},
		{"marketcrawl_requests_throttled_total", "Total inbound requests rejected with 429", m.RequestsThrottled.Load()},
	}

	for _, metric := range metrics {
		fmt.Fprintf(w, "# HELP %s %s\n", metric.name, metric.help)
		fmt.Fprintf(w, "# TYPE %s counter\n", metric.name)
		fmt.Fprintf(w, "%s %d\n", metric.name, metric.value)
	}
}

// StartServer starts the metrics HTTP server.
func (m *Metrics) StartServer(port int, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, m)

	addr := fmt.Sprintf(":%d", port)
	m.logger.Info("metrics server starting", "addr", addr, "path", path)

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			m.logger.Error("metrics server error", "error", err)
		}
	}()

	return nil
}

// Snapshot returns all metrics as a map.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"crawls_total":       m.CrawlsTotal.Load(),
		"crawls_failed":      m.CrawlsFailed.Load(),
		"reviews_collected":  m.ReviewsCollected.Load(),
		"posts_collected":    m.PostsCollected.Load(),
		"cache_hits":         m.CacheHits.Load(),
		"cache_misses":       m.CacheMisses.Load(),
		"active_requests":    int64(m.ActiveRequests.Load()),
		"requests_served":    m.RequestsServed.Load(),
		"requests_throttled": m.RequestsThrottled.Load(),
	}
}
