// Package client is a small JSON client for the scrollharvest HTTP API.
package client

import (
	"bytes"
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

	"github.com/Rorqualx/scrollharvest/internal/browser"
	"github.com/Rorqualx/scrollharvest/internal/extract"
	"github.com/Rorqualx/scrollharvest/internal/job"
	"github.com/Rorqualx/scrollharvest/internal/types"
	"github.com/Rorqualx/scrollharvest/pkg/version"
)

const maxResponseSize = 16 << 20

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// Client talks to one scrollharvest server.
type Client struct {
	base   *url.URL
	apiKey string
	http   *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sends key as X-API-Key on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for addr, which may omit the scheme.
func New(addr string, opts ...Option) (*Client, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid server address: %w", err)
	}
	if u.Host == "" {
		return nil, errors.New("invalid server address: missing host")
	}

	c := &Client{
		base: u,
		http: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Health fetches GET /health.
func (c *Client) Health(ctx context.Context) (types.HealthResponse, error) {
	var out types.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// Submit posts a job and returns its id.
func (c *Client) Submit(ctx context.Context, req types.SubmitRequest) (string, error) {
	var out types.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", req, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// Jobs lists tracked jobs.
func (c *Client) Jobs(ctx context.Context) ([]job.Job, error) {
	var out []job.Job
	err := c.do(ctx, http.MethodGet, "/v1/jobs", nil, &out)
	return out, err
}

// Job fetches one job.
func (c *Client) Job(ctx context.Context, id string) (job.Job, error) {
	var out job.Job
	err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Cancel cancels a tracked job.
func (c *Client) Cancel(ctx context.Context, id string) error {
	var out types.CancelResponse
	return c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(id)+"/cancel", nil, &out)
}

// Records lists up to limit stored records of a job.
func (c *Client) Records(ctx context.Context, id string, limit int) ([]extract.Record, error) {
	path := "/v1/jobs/" + url.PathEscape(id) + "/records"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []extract.Record
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Pools lists session pool statuses.
func (c *Client) Pools(ctx context.Context) ([]browser.PoolStatus, error) {
	var out []browser.PoolStatus
	err := c.do(ctx, http.MethodGet, "/v1/pools", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	ref, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("invalid path %q: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.ResolveReference(ref).String(), rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var er types.ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Message != "" {
			apiErr.Message = er.Message
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
