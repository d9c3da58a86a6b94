package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Client talks to a running proxy server. Control-plane requests (health,
// landing page) go through a retrying HTTP client; streams use a plain
// client because a stream is a single-attempt operation.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL      string
	streamClient *http.Client

	waitInterval             time.Duration
	customizeRetryableClient func(*retryablehttp.Client)
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the server at baseURL, e.g.
// "http://127.0.0.1:8000".
func NewClient(log *zap.SugaredLogger, baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		Logger:       log.Named("mcpproxy_client"),
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		streamClient: &http.Client{},
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c
}

// HealthStatus is the fixed liveness payload of GET /health.
type HealthStatus struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return HealthStatus{}, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return HealthStatus{}, fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return HealthStatus{}, fmt.Errorf("unexpected health status code %d", resp.StatusCode)
	}

	var status HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return HealthStatus{}, fmt.Errorf("decoding health response: %w", err)
	}
	return status, nil
}

// Landing fetches the static landing page.
func (c *Client) Landing(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected landing status code %d", resp.StatusCode)
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading landing page: %w", err)
	}
	return string(b), nil
}

// OpenStream establishes a streaming session on the given path and returns
// the live response body. The caller owns closing it; closing cancels the
// session server-side.
func (c *Client) OpenStream(ctx context.Context, method, path string, body io.Reader) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("opening stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("non-200 HTTP status code %d received when opening stream: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return resp.Body, nil
}

// WaitForServer polls the health endpoint until it responds or the context
// expires.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.Health(ctx)
			if err == nil {
				c.Logger.Debug("health check succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got health check error: %s", err)
		}
	}
}
