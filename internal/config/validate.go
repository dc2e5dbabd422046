package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Validate checks the configuration for invalid values.
func Validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be > 0")
	}
	for _, origin := range cfg.Server.CORSAllowedOrigins {
		if origin == "*" {
			return fmt.Errorf("server.cors_allowed_origins must not contain a wildcard when credentials are allowed")
		}
	}

	if cfg.RateLimit.PerMinute < 1 {
		return fmt.Errorf("rate_limit.per_minute must be >= 1, got %d", cfg.RateLimit.PerMinute)
	}
	if cfg.RateLimit.MaxConcurrent < 1 {
		return fmt.Errorf("rate_limit.max_concurrent must be >= 1, got %d", cfg.RateLimit.MaxConcurrent)
	}
	for origin, rpm := range cfg.RateLimit.PerOriginRPM {
		if rpm < 1 {
			return fmt.Errorf("rate_limit.per_origin_rpm[%q] must be >= 1, got %d", origin, rpm)
		}
	}

	if cfg.Fetch.RequestTimeout <= 0 {
		return fmt.Errorf("fetch.request_timeout must be > 0")
	}
	if cfg.Fetch.MaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries must be >= 0, got %d", cfg.Fetch.MaxRetries)
	}
	if cfg.Fetch.MaxBodySize <= 0 {
		return fmt.Errorf("fetch.max_body_size must be > 0")
	}

	if cfg.Cache.MemoryCapacity < 1 {
		return fmt.Errorf("cache.memory_capacity must be >= 1, got %d", cfg.Cache.MemoryCapacity)
	}
	if cfg.Cache.DefaultTTL <= 0 {
		return fmt.Errorf("cache.default_ttl must be > 0")
	}
	if cfg.Cache.Mongo.Enabled() && cfg.Cache.Mongo.Collection == "" {
		return fmt.Errorf("cache.mongo.collection must be set when cache.mongo.uri is configured")
	}

	if cfg.Browser.MaxScrolls < 1 {
		return fmt.Errorf("browser.max_scrolls must be >= 1, got %d", cfg.Browser.MaxScrolls)
	}
	if cfg.Browser.StorefrontHost == "" {
		return fmt.Errorf("browser.storefront_host must be set")
	}

	if cfg.Discussion.MaxCommentDepth < 0 {
		return fmt.Errorf("discussion.max_comment_depth must be >= 0, got %d", cfg.Discussion.MaxCommentDepth)
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be debug/info/warn/error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be 'text' or 'json', got %q", cfg.Logging.Format)
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Port < 1 || cfg.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port must be 1-65535, got %d", cfg.Metrics.Port)
		}
	}

	return nil
}

// blockedHostnames are names that commonly resolve inside the deployment.
var blockedHostnames = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata":                 true,
	"instance-data":            true,
}

// ValidateCrawlURL checks a caller-supplied URL before any outbound
// request is made: scheme must be http(s) and the host must not point
// at loopback, private, link-local, reserved, or multicast space.
func ValidateCrawlURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL must have a host")
	}

	if blockedHostnames[strings.ToLower(host)] {
		return fmt.Errorf("URLs pointing to internal/private IP addresses are not allowed")
	}

	// Literal IP check. Hostnames are not resolved, so a name outside the
	// block-list that resolves to a private address is not rejected here.
	if ip := net.ParseIP(host); ip != nil {
		if isPrivateAddress(ip) {
			return fmt.Errorf("URLs pointing to internal/private IP addresses are not allowed")
		}
	}

	return nil
}

// isPrivateAddress reports whether the IP must never be crawled.
func isPrivateAddress(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified() ||
		isReserved(ip)
}

// isReserved covers ranges the net package does not classify.
func isReserved(ip net.IP) bool {
	reserved := []string{
		"100.64.0.0/10",  // carrier-grade NAT
		"192.0.0.0/24",   // IETF protocol assignments
		"192.0.2.0/24",   // TEST-NET-1
		"198.18.0.0/15",  // benchmarking
		"198.51.100.0/24",
		"203.0.113.0/24",
		"240.0.0.0/4",
		"fc00::/7", // unique local
	}
	for _, cidr := range reserved {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if block.Contains(ip) {
			return true
		}
	}
	return false
}
