package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Error is a non-2xx response from the daemon.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon returned status %d", e.Status)
	}
	return fmt.Sprintf("daemon returned status %d: %s", e.Status, e.Message)
}

// Client talks to the daemon control API.
type Client struct {
	base  string
	token string
	http  HTTPDoer
}

// NewClient builds a client for a bind address such as 127.0.0.1:7488 or a
// full base URL.
func NewClient(bind, token string, doer HTTPDoer) *Client {
	base := strings.TrimRight(strings.TrimSpace(bind), "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	if doer == nil {
		doer = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{base: base, token: strings.TrimSpace(token), http: doer}
}

// Status fetches the daemon status.
func (c *Client) Status(ctx context.Context) (*DaemonStatus, error) {
	var resp DaemonStatus
	if err := c.call(ctx, http.MethodGet, "/api/status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Videos lists videos, optionally filtered by state.
func (c *Client) Videos(ctx context.Context, states []string, limit int) ([]Video, error) {
	query := url.Values{}
	for _, s := range states {
		query.Add("state", s)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/videos"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var resp VideoListResponse
	if err := c.call(ctx, http.MethodGet, path, &resp); err != nil {
		return nil, err
	}
	return resp.Videos, nil
}

// Video fetches one video with its candidates.
func (c *Client) Video(ctx context.Context, id int64) (*VideoResponse, error) {
	var resp VideoResponse
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf("/api/videos/%d", id), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Failures fetches the failure history of a video.
func (c *Client) Failures(ctx context.Context, id int64) ([]Failure, error) {
	var resp FailureListResponse
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf("/api/videos/%d/failures", id), &resp); err != nil {
		return nil, err
	}
	return resp.Failures, nil
}

// Requeue returns a failed or blocked video to analysis.
func (c *Client) Requeue(ctx context.Context, id int64) (*ActionResponse, error) {
	return c.action(ctx, fmt.Sprintf("/api/videos/%d/requeue", id))
}

// Enqueue puts a video at the head of its stage.
func (c *Client) Enqueue(ctx context.Context, id int64) (*ActionResponse, error) {
	return c.action(ctx, fmt.Sprintf("/api/videos/%d/enqueue", id))
}

// PauseStage stops dispatch for a stage.
func (c *Client) PauseStage(ctx context.Context, stage string) (*ActionResponse, error) {
	return c.action(ctx, "/api/stages/"+url.PathEscape(stage)+"/pause")
}

// ResumeStage re-enables dispatch for a stage.
func (c *Client) ResumeStage(ctx context.Context, stage string) (*ActionResponse, error) {
	return c.action(ctx, "/api/stages/"+url.PathEscape(stage)+"/resume")
}

// Scan walks the library once.
func (c *Client) Scan(ctx context.Context) (*ScanResponse, error) {
	var resp ScanResponse
	if err := c.call(ctx, http.MethodPost, "/api/scan", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) action(ctx context.Context, path string) (*ActionResponse, error) {
	var resp ActionResponse
	if err := c.call(ctx, http.MethodPost, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) call(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contact daemon: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var payload ErrorResponse
		_ = json.Unmarshal(body, &payload)
		return &Error{Status: resp.StatusCode, Message: payload.Error}
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
