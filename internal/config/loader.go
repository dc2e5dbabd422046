package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from file, environment, and defaults.
// Priority (highest to lowest): env vars > config file > defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	// Set defaults from struct
	setDefaults(v, cfg)

	// Environment variable support, e.g. MARKETCRAWL_RATE_LIMIT_PER_MINUTE
	v.SetEnvPrefix("MARKETCRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Search default locations
		v.SetConfigName("marketcrawl")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".marketcrawl"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is okay if not explicitly specified
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// CORS origins may arrive comma-separated from the environment
	if len(cfg.Server.CORSAllowedOrigins) == 1 && strings.Contains(cfg.Server.CORSAllowedOrigins[0], ",") {
		parts := strings.Split(cfg.Server.CORSAllowedOrigins[0], ",")
		origins := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				origins = append(origins, p)
			}
		}
		cfg.Server.CORSAllowedOrigins = origins
	}

	return cfg, nil
}

// setDefaults registers default values in viper.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)
	v.SetDefault("server.api_key", cfg.Server.APIKey)
	v.SetDefault("server.cors_allowed_origins", cfg.Server.CORSAllowedOrigins)
	v.SetDefault("server.max_body_bytes", cfg.Server.MaxBodyBytes)
	v.SetDefault("server.feed_phase_budget", cfg.Server.FeedPhaseBudget)
	v.SetDefault("server.browser_phase_budget", cfg.Server.BrowserPhaseBudget)

	v.SetDefault("rate_limit.per_minute", cfg.RateLimit.PerMinute)
	v.SetDefault("rate_limit.burst", cfg.RateLimit.Burst)
	v.SetDefault("rate_limit.max_concurrent", cfg.RateLimit.MaxConcurrent)

	v.SetDefault("fetch.request_timeout", cfg.Fetch.RequestTimeout)
	v.SetDefault("fetch.max_retries", cfg.Fetch.MaxRetries)
	v.SetDefault("fetch.retry_base_delay", cfg.Fetch.RetryBaseDelay)
	v.SetDefault("fetch.max_body_size", cfg.Fetch.MaxBodySize)
	v.SetDefault("fetch.user_agents", cfg.Fetch.UserAgents)

	v.SetDefault("cache.dir", cfg.Cache.Dir)
	v.SetDefault("cache.memory_capacity", cfg.Cache.MemoryCapacity)
	v.SetDefault("cache.default_ttl", cfg.Cache.DefaultTTL)
	v.SetDefault("cache.mongo.uri", cfg.Cache.Mongo.URI)
	v.SetDefault("cache.mongo.database", cfg.Cache.Mongo.Database)
	v.SetDefault("cache.mongo.collection", cfg.Cache.Mongo.Collection)

	v.SetDefault("browser.headless", cfg.Browser.Headless)
	v.SetDefault("browser.nav_timeout", cfg.Browser.NavTimeout)
	v.SetDefault("browser.max_scrolls", cfg.Browser.MaxScrolls)
	v.SetDefault("browser.storefront_host", cfg.Browser.StorefrontHost)

	v.SetDefault("discussion.request_gap", cfg.Discussion.RequestGap)
	v.SetDefault("discussion.max_comment_depth", cfg.Discussion.MaxCommentDepth)
	v.SetDefault("discussion.user_agent", cfg.Discussion.UserAgent)

	v.SetDefault("assets.data_dir", cfg.Assets.DataDir)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output", cfg.Logging.Output)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.port", cfg.Metrics.Port)
	v.SetDefault("metrics.path", cfg.Metrics.Path)
}
