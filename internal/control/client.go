package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client calls a running daemon's control API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient accepts either a base URL or a bare host:port.
func NewClient(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		baseURL:    strings.TrimRight(addr, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	StatusCode int
	Title      string
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Title, e.Detail)
	}
	return fmt.Sprintf("%d %s", e.StatusCode, e.Title)
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	// feed requests answer 503 with a body worth decoding
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusServiceUnavailable {
		var p Problem
		if json.Unmarshal(respBody, &p) == nil && p.Title != "" {
			return &APIError{StatusCode: resp.StatusCode, Title: p.Title, Detail: p.Detail}
		}
		return &APIError{StatusCode: resp.StatusCode, Title: http.StatusText(resp.StatusCode), Detail: strings.TrimSpace(string(respBody))}
	}
	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) Status(ctx context.Context) (StatusReport, error) {
	var rep StatusReport
	err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &rep)
	return rep, err
}

func (c *Client) Reload(ctx context.Context) (string, error) {
	return c.message(ctx, "/api/v1/reload", nil)
}

func (c *Client) Pause(ctx context.Context, reason string) (string, error) {
	return c.message(ctx, "/api/v1/pause", pauseRequest{Reason: reason})
}

func (c *Client) Resume(ctx context.Context) (string, error) {
	return c.message(ctx, "/api/v1/resume", nil)
}

func (c *Client) message(ctx context.Context, path string, body any) (string, error) {
	var m Message
	err := c.do(ctx, http.MethodPost, path, body, &m)
	return m.Message, err
}

func (c *Client) Flag(ctx context.Context, sel Selection) (int, error) {
	var res ChangeResult
	err := c.do(ctx, http.MethodPost, "/api/v1/flag", sel, &res)
	return res.Chunks, err
}

func (c *Client) Unflag(ctx context.Context, sel Selection) (int, error) {
	var res ChangeResult
	err := c.do(ctx, http.MethodPost, "/api/v1/unflag", sel, &res)
	return res.Chunks, err
}

func (c *Client) Cache(ctx context.Context) (CacheReport, error) {
	var rep CacheReport
	err := c.do(ctx, http.MethodGet, "/api/v1/cache", nil, &rep)
	return rep, err
}

func (c *Client) Check(ctx context.Context, worldID string, x, z int32) (CheckReport, error) {
	var rep CheckReport
	path := fmt.Sprintf("/api/v1/check/%s/%d/%d", url.PathEscape(worldID), x, z)
	err := c.do(ctx, http.MethodGet, path, nil, &rep)
	return rep, err
}

func (c *Client) Visits(ctx context.Context, reports []ChunkReport) (FeedResult, error) {
	var res FeedResult
	err := c.do(ctx, http.MethodPost, "/api/v1/visits", reports, &res)
	return res, err
}

func (c *Client) Generated(ctx context.Context, reports []ChunkReport) (FeedResult, error) {
	var res FeedResult
	err := c.do(ctx, http.MethodPost, "/api/v1/generated", reports, &res)
	return res, err
}
