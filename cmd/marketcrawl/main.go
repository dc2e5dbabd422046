package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackmmaher/marketcrawl/internal/api"
	"github.com/jackmmaher/marketcrawl/internal/assets"
	"github.com/jackmmaher/marketcrawl/internal/collector/browser"
	"github.com/jackmmaher/marketcrawl/internal/collector/discussion"
	"github.com/jackmmaher/marketcrawl/internal/collector/feed"
	"github.com/jackmmaher/marketcrawl/internal/collector/website"
	"github.com/jackmmaher/marketcrawl/internal/config"
	"github.com/jackmmaher/marketcrawl/internal/fetchctl"
	"github.com/jackmmaher/marketcrawl/internal/observability"
	"github.com/jackmmaher/marketcrawl/internal/pipeline"
)

var (
	cfgFile string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "marketcrawl",
		Short: "marketcrawl — mobile-app market-intelligence crawl service",
		Long: `marketcrawl assembles de-duplicated, rank-ordered corpora of user
reviews, discussion threads, and competitor landing-page extracts from
heterogeneous sources: the storefront review feed, a scripted browser
against the storefront pages, the social-discussion JSON API, and
arbitrary marketing websites.`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(crawlCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// serveCmd creates the "serve" subcommand: the full HTTP service.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the crawl service HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, cfg, err := setup()
			if err != nil {
				return err
			}

			metrics := observability.NewMetrics(logger)
			if cfg.Metrics.Enabled {
				if err := metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
					logger.Warn("failed to start metrics server", "error", err)
				}
			}

			limiter := fetchctl.NewLimiter(cfg.RateLimit, logger)
			client := fetchctl.NewClient(cfg, limiter, logger)

			cache, err := fetchctl.NewCache(cmd.Context(), cfg.Cache, logger)
			if err != nil {
				return fmt.Errorf("create cache: %w", err)
			}

			// The browser is process-fatal on launch failure: the
			// service does not start without its expensive collector.
			browserC, err := browser.New(cfg, client, logger)
			if err != nil {
				return fmt.Errorf("%w — install Chromium or set browser.headless appropriately", err)
			}
			defer browserC.Close()

			feedC := feed.New(client, logger)
			reviewsP := pipeline.NewReviews(feedC, browserC, cache,
				cfg.Server.FeedPhaseBudget, cfg.Server.BrowserPhaseBudget, logger)

			server := api.NewServer(cfg, api.Deps{
				Reviews:    reviewsP,
				Feed:       feedC,
				Storefront: browserC,
				Discussion: discussion.New(client, &cfg.Discussion, logger),
				Website:    website.New(client, logger),
				Catalog:    assets.NewCatalog(cfg.Assets.DataDir, logger),
				Metrics:    metrics,
			}, logger)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				sig := <-sigCh
				logger.Info("received signal, shutting down...", "signal", sig)
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					logger.Error("shutdown error", "error", err)
				}
			}()

			return server.Start()
		},
	}
}

// crawlCmd creates the "crawl" subcommand: a one-shot feed harvest
// printed to stdout, useful for smoke-testing credentials and limits.
func crawlCmd() *cobra.Command {
	var (
		country    string
		maxReviews int
	)

	cmd := &cobra.Command{
		Use:   "crawl [app-id]",
		Short: "Run a one-shot feed review crawl and print JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, cfg, err := setup()
			if err != nil {
				return err
			}

			limiter := fetchctl.NewLimiter(cfg.RateLimit, logger)
			client := fetchctl.NewClient(cfg, limiter, logger)
			feedC := feed.New(client, logger)

			reviews, err := feedC.Collect(cmd.Context(), feed.Request{
				AppID:   args[0],
				Country: country,
				Stealth: feed.DefaultStealth(),
				Cap:     maxReviews,
			}, nil)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(reviews)
		},
	}

	cmd.Flags().StringVar(&country, "country", "us", "storefront country code")
	cmd.Flags().IntVar(&maxReviews, "max-reviews", 500, "maximum reviews to collect")
	return cmd
}

// versionCmd creates the "version" subcommand.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("marketcrawl %s\n", config.Version)
		},
	}
}

// configCmd creates the "config" subcommand for inspecting configuration.
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			fmt.Printf("Server:\n")
			fmt.Printf("  Port:               %d\n", cfg.Server.Port)
			fmt.Printf("  CORS Origins:       %v\n", cfg.Server.CORSAllowedOrigins)
			fmt.Printf("  Max Body:           %d bytes\n", cfg.Server.MaxBodyBytes)
			fmt.Printf("  Feed Budget:        %s\n", cfg.Server.FeedPhaseBudget)
			fmt.Printf("  Browser Budget:     %s\n", cfg.Server.BrowserPhaseBudget)
			fmt.Printf("\nRate Limit:\n")
			fmt.Printf("  Per Minute:         %d\n", cfg.RateLimit.PerMinute)
			fmt.Printf("  Max Concurrent:     %d\n", cfg.RateLimit.MaxConcurrent)
			fmt.Printf("  Per-Origin RPM:     %v\n", cfg.RateLimit.PerOriginRPM)
			fmt.Printf("\nCache:\n")
			fmt.Printf("  Dir:                %s\n", cfg.Cache.Dir)
			fmt.Printf("  Memory Capacity:    %d\n", cfg.Cache.MemoryCapacity)
			fmt.Printf("  Default TTL:        %s\n", cfg.Cache.DefaultTTL)
			fmt.Printf("  Mongo Tier:         %v\n", cfg.Cache.Mongo.Enabled())
			fmt.Printf("\nBrowser:\n")
			fmt.Printf("  Headless:           %v\n", cfg.Browser.Headless)
			fmt.Printf("  Storefront Host:    %s\n", cfg.Browser.StorefrontHost)
			fmt.Printf("  Max Scrolls:        %d\n", cfg.Browser.MaxScrolls)
			return nil
		},
	}
}

// setup loads config and builds the logger shared by all subcommands.
func setup() (*slog.Logger, *config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if err := config.Validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	return newLogger(cfg.Logging), cfg, nil
}

// newLogger builds the structured logger from config.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	out := os.Stderr
	if cfg.Output == "stdout" {
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}
