// Package remote implements manifest storage over HTTP. The client talks to
// the destination's manifest endpoint, retrying transient failures with a
// short backoff.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/wolfeidau/publish-cache/cache/manifest"
)

var _ manifest.Storage = (*Client)(nil)

const (
	defaultMaxAttempts = 3
	defaultBackoff     = 500 * time.Millisecond

	// maxManifestSize caps how much of a manifest response is read.
	maxManifestSize = 10 << 20
)

// Client fetches and stores the manifest at a fixed URL.
type Client struct {
	url         string
	httpClient  *http.Client
	logger      *slog.Logger
	token       string
	maxAttempts int
	backoff     time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithBearerToken attaches a bearer token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithMaxAttempts bounds how many times a request is tried.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBackoff sets the delay between attempts.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) {
		c.backoff = d
	}
}

// New creates a client for the manifest at url.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:         url,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      slog.Default(),
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method string, body []byte) (*http.Response, error) {
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(c.backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.url, reader)
		if err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.logger.Warn("manifest request failed", "method", method, "attempt", attempt, "error", err)
			continue
		}

		// Retry server errors, return everything else to the caller.
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("server error: %s", resp.Status)
			_ = resp.Body.Close()
			c.logger.Warn("manifest request failed", "method", method, "attempt", attempt, "status", resp.StatusCode)
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("manifest %s failed after %d attempts: %w", method, c.maxAttempts, lastErr)
}

// DownloadManifest fetches the remote manifest. Returns (nil, nil) when the
// remote has no manifest yet.
func (c *Client) DownloadManifest(ctx context.Context) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status downloading manifest: %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		return nil, fmt.Errorf("reading manifest body: %w", err)
	}
	return data, nil
}

// UploadManifest writes the manifest to the remote.
func (c *Client) UploadManifest(ctx context.Context, data []byte) error {
	resp, err := c.do(ctx, http.MethodPut, data)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status uploading manifest: %s", resp.Status)
	}
	return nil
}
