// Package client reads JSON documents from the scan API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/config"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/core"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/logger"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/ratelimit"
)

const (
	apiKeyHeader = "X-ApiKeys"
	// bodies larger than this are truncated in ResponseError
	maxErrorBody = 4096
	maxBody      = 64 << 20
)

// ErrInvalidPath is returned for a path that is empty or not rooted.
var ErrInvalidPath = errors.New("api path must start with '/'")

// ResponseError is a failed or undecodable API response. Body holds the
// (possibly truncated) payload for diagnosis.
type ResponseError struct {
	Method string
	URL    string
	Status int
	Body   string
	Err    error
}

func (e *ResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: status %d: %v", e.Method, e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Status, e.Body)
}

func (e *ResponseError) Unwrap() error { return e.Err }

// Retriable reports whether the server asked the caller to come back later.
func (e *ResponseError) Retriable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Client implements core.Fetcher against one scan API installation.
type Client struct {
	base       *url.URL
	apiKeys    string
	http       *http.Client
	limiter    core.RateLimiter
	maxRetries int
	retryDelay time.Duration
	logger     *logger.Logger
}

// New builds a client from the client configuration section.
func New(cfg config.ClientConfig, log *logger.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse client url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("client url %q is not absolute", cfg.URL)
	}

	c := &Client{
		base:       base,
		http:       httpclient.New(httpclient.FromClientConfig(cfg)),
		limiter:    ratelimit.NewLimiter(ratelimit.FromClientConfig(cfg)),
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     log.WithComponent("client"),
	}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		c.apiKeys = fmt.Sprintf("accessKey=%s; secretKey=%s", cfg.AccessKey, cfg.SecretKey)
	}
	return c, nil
}

// WithLimiter replaces the rate limiter.
func (c *Client) WithLimiter(l core.RateLimiter) *Client {
	c.limiter = l
	return c
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// FetchJSON GETs path (relative to the API root) and decodes the body into
// out. Rate limited responses and server errors are retried up to the
// configured count.
func (c *Client) FetchJSON(ctx context.Context, path string, out interface{}) error {
	if path == "" || path[0] != '/' {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	target := c.base.String() + path

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, c.backoff(attempt, lastErr)); err != nil {
				return err
			}
		}

		lastErr = c.fetchOnce(ctx, target, out)
		if lastErr == nil {
			return nil
		}

		var respErr *ResponseError
		if !errors.As(lastErr, &respErr) || !respErr.Retriable() {
			return lastErr
		}
		c.logger.Warnw("Retrying API request",
			"url", target,
			"status", respErr.Status,
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
		)
	}
	return fmt.Errorf("giving up after %d retries: %w", c.maxRetries, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, target string, out interface{}) error {
	if err := c.limiter.Wait(ctx, c.base.Host); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKeys != "" {
		req.Header.Set(apiKeyHeader, c.apiKeys)
	}

	start := time.Now()
	resp, err := httpclient.DoWithContext(ctx, c.http, req)
	if err != nil {
		c.logger.LogError(ctx, err, "client.FetchJSON", "url", target)
		return fmt.Errorf("failed to fetch %s: %w", target, err)
	}
	defer func() { _ = httpclient.CloseBody(resp) }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	c.logger.LogHTTPRequest(ctx, req.Method, target, resp.StatusCode, time.Since(start),
		"bytes", len(body),
	)
	if err != nil {
		return &ResponseError{Method: req.Method, URL: target, Status: resp.StatusCode, Err: fmt.Errorf("failed to read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ResponseError{
			Method: req.Method,
			URL:    target,
			Status: resp.StatusCode,
			Body:   truncate(body),
			Err:    retryAfter(resp),
		}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &ResponseError{
			Method: req.Method,
			URL:    target,
			Status: resp.StatusCode,
			Body:   truncate(body),
			Err:    fmt.Errorf("failed to decode response: %w", err),
		}
	}
	return nil
}

// RetryAfterError carries the server's Retry-After hint.
type RetryAfterError struct {
	After time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %s", e.After)
}

func retryAfter(resp *http.Response) error {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return &RetryAfterError{After: time.Duration(secs) * time.Second}
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return &RetryAfterError{After: d}
		}
	}
	return nil
}

// backoff grows linearly with the attempt unless the server named a delay.
func (c *Client) backoff(attempt int, lastErr error) time.Duration {
	var hint *RetryAfterError
	if errors.As(lastErr, &hint) {
		return hint.After
	}
	return time.Duration(attempt) * c.retryDelay
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncate(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody]) + "..."
	}
	return string(body)
}
