// Package ticketing talks to the GitHub REST API: it lists deposit issues,
// turns them into intake events and projects deposit notices back onto the
// issues as labels, comments and closures.
package ticketing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	apiVersion     = "2022-11-28"
	defaultBaseURL = "https://api.github.com"
	maxBodyBytes   = 8 << 20
)

// Config holds what the client needs to reach GitHub.
type Config struct {
	// BaseURL defaults to https://api.github.com.
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client is a small GitHub REST client with rate-limit handling.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.Mutex
	remaining int
	reset     time.Time
	known     bool
	now       func() time.Time
}

// NewClient validates cfg and builds a Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("github: token is required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if !strings.HasPrefix(baseURL, "https://") && !strings.HasPrefix(baseURL, "http://") {
		return nil, fmt.Errorf("github: invalid base URL %q", cfg.BaseURL)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		token:      cfg.Token,
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// do executes an authenticated request against path (relative to the base
// URL) and returns the body. Non-2xx responses become *APIError. A rate
// limited request is retried once after the advertised backoff.
func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, http.Header, error) {
	return c.doWithRetry(ctx, method, c.baseURL+path, body, false)
}

func (c *Client) doWithRetry(ctx context.Context, method, url string, body any, isRetry bool) ([]byte, http.Header, error) {
	resp, err := c.doRaw(ctx, method, url, body)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("github: reading response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if !isRetry && isRateLimitResponse(resp.StatusCode, string(data)) {
			if wait := c.retryAfter(resp.Header); wait > 0 {
				c.logger.Info("rate limited, backing off", "duration", wait, "method", method, "url", url)
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return nil, nil, ctx.Err()
				}
				return c.doWithRetry(ctx, method, url, body, true)
			}
		}
		return nil, nil, parseAPIError(resp.StatusCode, data)
	}
	return data, resp.Header, nil
}

func (c *Client) doRaw(ctx context.Context, method, url string, body any) (*http.Response, error) {
	if err := c.waitForBudget(ctx); err != nil {
		return nil, err
	}
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("github: encoding request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("github: creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github: %s %s: %w", method, url, err)
	}
	c.trackRateLimit(resp.Header)
	return resp, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	data, _, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// trackRateLimit records X-RateLimit-* headers from every response.
func (c *Client) trackRateLimit(h http.Header) {
	remaining, err := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	if err != nil {
		return
	}
	reset, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.remaining = remaining
	c.reset = time.Unix(reset, 0)
	c.known = true
	c.mu.Unlock()
}

// waitForBudget blocks until the window resets when the budget is spent.
func (c *Client) waitForBudget(ctx context.Context) error {
	c.mu.Lock()
	if !c.known || c.remaining > 0 {
		c.mu.Unlock()
		return nil
	}
	wait := c.reset.Sub(c.now())
	c.mu.Unlock()
	if wait <= 0 {
		return nil
	}
	c.logger.Info("rate limit exhausted, waiting for reset", "duration", wait)
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryAfter prefers Retry-After (secondary limits) over X-RateLimit-Reset.
func (c *Client) retryAfter(h http.Header) time.Duration {
	if seconds, err := strconv.Atoi(h.Get("Retry-After")); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if reset, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		if d := time.Unix(reset, 0).Sub(c.now()); d > 0 {
			return d
		}
	}
	return 0
}

// parseLinkNext extracts the rel="next" URL from a Link header.
func parseLinkNext(header string) string {
	for _, part := range strings.Split(header, ",") {
		segments := strings.SplitN(strings.TrimSpace(part), ";", 2)
		if len(segments) != 2 || !strings.Contains(segments[1], `rel="next"`) {
			continue
		}
		u := strings.TrimSpace(segments[0])
		if strings.HasPrefix(u, "<") && strings.HasSuffix(u, ">") {
			return u[1 : len(u)-1]
		}
	}
	return ""
}
