package fetchctl

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/jackmmaher/marketcrawl/internal/config"
	"github.com/jackmmaher/marketcrawl/internal/types"
)

// Client is the shared fetch substrate: every outbound HTTP request
// from any collector passes through its rate limiter and retry policy.
// Transient failures are retried with exponential backoff; after the
// retry budget the last failure is returned as a *types.FetchError.
type Client struct {
	http       *http.Client
	limiter    *Limiter
	cfg        *config.FetchConfig
	logger     *slog.Logger
	userAgents []string
	uaIndex    atomic.Int64
}

// NewClient creates the substrate client.
func NewClient(cfg *config.Config, limiter *Limiter, logger *slog.Logger) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 50,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DisableCompression:  true, // we handle decompression ourselves (including brotli)
	}

	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.Fetch.RequestTimeout,
		},
		limiter:    limiter,
		cfg:        &cfg.Fetch,
		logger:     logger.With("component", "fetch_client"),
		userAgents: cfg.Fetch.UserAgents,
	}
}

// Limiter exposes the admission layer for callers that manage their own
// transport (the browser collector).
func (c *Client) Limiter() *Limiter { return c.limiter }

// Acquire takes a fetch permit for callers driving raw clients. The
// returned release function must be called exactly once.
func (c *Client) Acquire(ctx context.Context, rawURL string) (func(), error) {
	if err := c.limiter.Acquire(ctx, rawURL); err != nil {
		return nil, err
	}
	return c.limiter.Release, nil
}

// FetchText retrieves the URL body as a string.
func (c *Client) FetchText(ctx context.Context, rawURL string, headers http.Header) (string, error) {
	body, err := c.doWithRetry(ctx, rawURL, headers)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// FetchJSON retrieves the URL body and decodes it into v. A decode
// failure after a 2xx response is terminal, not retried.
func (c *Client) FetchJSON(ctx context.Context, rawURL string, headers http.Header, v any) error {
	body, err := c.doWithRetry(ctx, rawURL, headers)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &types.FetchError{
			Kind:      types.KindDecode,
			URL:       rawURL,
			Err:       fmt.Errorf("decode JSON: %w", err),
			Retryable: false,
		}
	}
	return nil
}

// doWithRetry runs the disposition table over up to MaxRetries attempts:
// 429 sleeps base*2^attempt plus 1-3s jitter and records origin backoff,
// 5xx and network timeouts sleep base*2^attempt, other 4xx and decode
// failures are terminal.
func (c *Client) doWithRetry(ctx context.Context, rawURL string, headers http.Header) ([]byte, error) {
	if err := c.limiter.Acquire(ctx, rawURL); err != nil {
		return nil, err
	}
	defer c.limiter.Release()

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		body, err := c.doOnce(ctx, rawURL, headers)
		if err == nil {
			return body, nil
		}
		lastErr = err

		var fe *types.FetchError
		if !errors.As(err, &fe) || !fe.Retryable {
			return nil, err
		}
		if attempt == c.cfg.MaxRetries-1 {
			break
		}

		backoff := c.cfg.RetryBaseDelay * time.Duration(1<<attempt)
		if fe.StatusCode == 429 {
			jitter := time.Duration((1 + rand.Float64()*2) * float64(time.Second))
			backoff += jitter
			retryAfter := fe.RetryAfter
			if retryAfter <= 0 {
				retryAfter = backoff
			}
			c.limiter.Backoff(rawURL, retryAfter)
		}

		c.logger.Warn("retrying fetch",
			"url", rawURL,
			"attempt", attempt+1,
			"backoff", backoff,
			"error", err,
		)
		if err := sleepCtx(ctx, backoff); err != nil {
			return nil, err
		}
	}

	return nil, lastErr
}

// doOnce executes a single HTTP attempt.
func (c *Client) doOnce(ctx context.Context, rawURL string, headers http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &types.FetchError{Kind: types.KindNetwork, URL: rawURL, Err: err, Retryable: false}
	}

	req.Header.Set("User-Agent", c.nextUserAgent())
	req.Header.Set("Accept", "text/html,application/json;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	req.Header.Set("Connection", "keep-alive")
	for key, values := range headers {
		for _, v := range values {
			req.Header.Set(key, v)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		kind := types.KindNetwork
		if isTimeout(err) {
			kind = types.KindTimeout
		}
		return nil, &types.FetchError{
			Kind:      kind,
			URL:       rawURL,
			Err:       err,
			Retryable: isRetryableError(err),
		}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == 429:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
		return nil, &types.FetchError{
			Kind:       types.KindHTTPStatus,
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Err:        types.ErrRateLimited,
			Retryable:  true,
			RetryAfter: retryAfter,
		}
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &types.FetchError{
			Kind:       types.KindHTTPStatus,
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			Retryable:  true,
		}
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &types.FetchError{
			Kind:       types.KindHTTPStatus,
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			Retryable:  false,
		}
	}

	var reader io.Reader = resp.Body
	if c.cfg.MaxBodySize > 0 {
		reader = io.LimitReader(reader, c.cfg.MaxBodySize)
	}
	reader, err = decompressReader(resp, reader)
	if err != nil {
		return nil, &types.FetchError{Kind: types.KindDecode, URL: rawURL, Err: err, Retryable: false}
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, &types.FetchError{Kind: types.KindNetwork, URL: rawURL, Err: err, Retryable: true}
	}

	c.logger.Debug("fetch complete",
		"url", rawURL,
		"status", resp.StatusCode,
		"size", len(body),
		"duration", time.Since(start),
	)
	return body, nil
}

// nextUserAgent returns the next User-Agent in rotation.
func (c *Client) nextUserAgent() string {
	if len(c.userAgents) == 0 {
		return "marketcrawl/" + config.Version
	}
	idx := c.uaIndex.Add(1) % int64(len(c.userAgents))
	return c.userAgents[idx]
}

// decompressReader wraps a reader with the appropriate decompressor.
// Handles gzip, deflate, and brotli (br) encodings.
func decompressReader(resp *http.Response, reader io.Reader) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(reader)
	case "deflate":
		return flate.NewReader(reader), nil
	case "br":
		return brotli.NewReader(reader), nil
	default:
		return reader, nil
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isRetryableError checks if a network error warrants a retry.
// Covers timeouts, connection resets, unexpected EOF, and connection refused.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	// Context cancellation is NOT retryable
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, syscall.ECONNRESET) ||
			errors.Is(opErr.Err, syscall.ECONNREFUSED) {
			return true
		}
	}
	return false
}

// parseRetryAfter parses the Retry-After header value.
// Supports both integer seconds and HTTP-date formats.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 5 * time.Second // default back-off
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil {
		if secs > 120 {
			secs = 120 // cap at 2 minutes
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		d := time.Until(t)
		if d < 0 {
			return time.Second
		}
		if d > 2*time.Minute {
			return 2 * time.Minute
		}
		return d
	}
	return 5 * time.Second
}
