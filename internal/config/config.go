package config

import (
	"time"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Config is the root configuration for the crawl service.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"     yaml:"server"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit" yaml:"rate_limit"`
	Fetch      FetchConfig      `mapstructure:"fetch"      yaml:"fetch"`
	Cache      CacheConfig      `mapstructure:"cache"      yaml:"cache"`
	Browser    BrowserConfig    `mapstructure:"browser"    yaml:"browser"`
	Discussion DiscussionConfig `mapstructure:"discussion" yaml:"discussion"`
	Assets     AssetsConfig     `mapstructure:"assets"     yaml:"assets"`
	Logging    LoggingConfig    `mapstructure:"logging"    yaml:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"    yaml:"metrics"`
}

// ServerConfig controls the inbound HTTP surface.
type ServerConfig struct {
	Port               int           `mapstructure:"port"                 yaml:"port"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"         yaml:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"        yaml:"write_timeout"`
	APIKey             string        `mapstructure:"api_key"              yaml:"api_key"`
	CORSAllowedOrigins []string      `mapstructure:"cors_allowed_origins" yaml:"cors_allowed_origins"`
	MaxBodyBytes       int64         `mapstructure:"max_body_bytes"       yaml:"max_body_bytes"`
	FeedPhaseBudget    time.Duration `mapstructure:"feed_phase_budget"    yaml:"feed_phase_budget"`
	BrowserPhaseBudget time.Duration `mapstructure:"browser_phase_budget" yaml:"browser_phase_budget"`
}

// RateLimitConfig controls the shared fetch substrate's admission.
type RateLimitConfig struct {
	PerMinute     int            `mapstructure:"per_minute"     yaml:"per_minute"`
	Burst         int            `mapstructure:"burst"          yaml:"burst"`
	PerOriginRPM  map[string]int `mapstructure:"per_origin_rpm" yaml:"per_origin_rpm"`
	MaxConcurrent int            `mapstructure:"max_concurrent" yaml:"max_concurrent"`
}

// FetchConfig controls the outbound HTTP client.
type FetchConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"  yaml:"request_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"      yaml:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
	MaxBodySize    int64         `mapstructure:"max_body_size"    yaml:"max_body_size"`
	UserAgents     []string      `mapstructure:"user_agents"      yaml:"user_agents"`
}

// CacheConfig controls the two-tier content cache.
type CacheConfig struct {
	Dir            string        `mapstructure:"dir"             yaml:"dir"`
	MemoryCapacity int           `mapstructure:"memory_capacity" yaml:"memory_capacity"`
	DefaultTTL     time.Duration `mapstructure:"default_ttl"     yaml:"default_ttl"`
	Mongo          MongoConfig   `mapstructure:"mongo"           yaml:"mongo"`
}

// MongoConfig configures the optional durable remote cache tier.
type MongoConfig struct {
	URI        string `mapstructure:"uri"        yaml:"uri"`
	Database   string `mapstructure:"database"   yaml:"database"`
	Collection string `mapstructure:"collection" yaml:"collection"`
}

// Enabled reports whether the remote tier is configured.
func (m MongoConfig) Enabled() bool { return m.URI != "" }

// BrowserConfig controls the scripted-browser collector.
type BrowserConfig struct {
	Headless       bool          `mapstructure:"headless"        yaml:"headless"`
	NavTimeout     time.Duration `mapstructure:"nav_timeout"     yaml:"nav_timeout"`
	MaxScrolls     int           `mapstructure:"max_scrolls"     yaml:"max_scrolls"`
	StorefrontHost string        `mapstructure:"storefront_host" yaml:"storefront_host"`
}

// DiscussionConfig controls the social-discussion crawler.
type DiscussionConfig struct {
	RequestGap      time.Duration `mapstructure:"request_gap"       yaml:"request_gap"`
	MaxCommentDepth int           `mapstructure:"max_comment_depth" yaml:"max_comment_depth"`
	UserAgent       string        `mapstructure:"user_agent"        yaml:"user_agent"`
}

// AssetsConfig controls the curated asset stores.
type AssetsConfig struct {
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig controls the metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port"    yaml:"port"`
	Path    string `mapstructure:"path"    yaml:"path"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:               8080,
			ReadTimeout:        30 * time.Second,
			WriteTimeout:       10 * time.Minute, // long-running crawls stream over SSE
			CORSAllowedOrigins: []string{"http://localhost:3000"},
			MaxBodyBytes:       100 * 1024,
			FeedPhaseBudget:    90 * time.Second,
			BrowserPhaseBudget: 300 * time.Second,
		},
		RateLimit: RateLimitConfig{
			PerMinute: 30,
			Burst:     5,
			PerOriginRPM: map[string]int{
				"itunes.apple.com": 20,
				"apps.apple.com":   10,
				"www.reddit.com":   15,
			},
			MaxConcurrent: 5,
		},
		Fetch: FetchConfig{
			RequestTimeout: 30 * time.Second,
			MaxRetries:     3,
			RetryBaseDelay: 1 * time.Second,
			MaxBodySize:    10 * 1024 * 1024, // 10MB
			UserAgents: []string{
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
				"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			},
		},
		Cache: CacheConfig{
			Dir:            "./data/cache",
			MemoryCapacity: 100,
			DefaultTTL:     24 * time.Hour,
			Mongo: MongoConfig{
				Database:   "marketcrawl",
				Collection: "crawled_content",
			},
		},
		Browser: BrowserConfig{
			Headless:       true,
			NavTimeout:     30 * time.Second,
			MaxScrolls:     25,
			StorefrontHost: "apps.apple.com",
		},
		Discussion: DiscussionConfig{
			RequestGap:      1500 * time.Millisecond,
			MaxCommentDepth: 3,
			UserAgent:       "marketcrawl/1.0 (market research)",
		},
		Assets: AssetsConfig{
			DataDir: "./data/assets",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}
