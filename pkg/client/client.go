// Package client is a Go client for the colony HTTP API, used by the CLI.
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

	"github.com/coder/websocket"

	"github.com/cuemby/colony/pkg/api"
	"github.com/cuemby/colony/pkg/events"
	"github.com/cuemby/colony/pkg/types"
)

// APIError is a non-2xx reply from the server
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
}

// IsNotFound reports whether err is a 404 from the server
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to a colony server
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the server at addr. A bare host:port is
// treated as http.
func NewClient(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		baseURL: strings.TrimRight(addr, "/"),
		http:    &http.Client{},
	}
}

// WithHTTPClient replaces the underlying http.Client
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// ListWorkers returns the registered workers, optionally filtered by status
func (c *Client) ListWorkers(ctx context.Context, status types.WorkerStatus) ([]*types.WorkerInstance, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	var out []*types.WorkerInstance
	err := c.do(ctx, http.MethodGet, "/v1/workers", q, nil, &out)
	return out, err
}

// GetWorker returns one worker
func (c *Client) GetWorker(ctx context.Context, id string) (*types.WorkerInstance, error) {
	var out types.WorkerInstance
	if err := c.do(ctx, http.MethodGet, "/v1/workers/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SpawnWorker spawns the profile id
func (c *Client) SpawnWorker(ctx context.Context, id string) (*types.WorkerInstance, error) {
	var out types.WorkerInstance
	if err := c.do(ctx, http.MethodPost, "/v1/workers/"+url.PathEscape(id)+"/spawn", nil, api.SpawnRequest{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StopWorker stops a worker
func (c *Client) StopWorker(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/workers/"+url.PathEscape(id), nil, nil, nil)
}

// Send delivers a message and waits for the reply. A send that reached the
// worker but failed returns the result together with an error.
func (c *Client) Send(ctx context.Context, id string, req api.SendRequest) (*api.SendResponse, error) {
	req.Async = false
	var out api.SendResponse
	err := c.do(ctx, http.MethodPost, "/v1/workers/"+url.PathEscape(id)+"/send", nil, req, &out)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadGateway && out.Error != "" {
			return &out, errors.New(out.Error)
		}
		return nil, err
	}
	return &out, nil
}

// SendAsync delivers a message in the background and returns its job
func (c *Client) SendAsync(ctx context.Context, id string, req api.SendRequest) (*types.WorkerJob, error) {
	req.Async = true
	var out types.WorkerJob
	if err := c.do(ctx, http.MethodPost, "/v1/workers/"+url.PathEscape(id)+"/send", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Summary returns the text worker table
func (c *Client) Summary(ctx context.Context, maxWorkers int) (string, error) {
	q := url.Values{}
	if maxWorkers > 0 {
		q.Set("max", strconv.Itoa(maxWorkers))
	}
	var out api.SummaryResponse
	err := c.do(ctx, http.MethodGet, "/v1/summary", q, nil, &out)
	return out.Summary, err
}

// ListSessions returns the tracked sessions
func (c *Client) ListSessions(ctx context.Context) ([]*types.TrackedSession, error) {
	var out []*types.TrackedSession
	err := c.do(ctx, http.MethodGet, "/v1/sessions", nil, nil, &out)
	return out, err
}

// ListJobs returns jobs, newest first
func (c *Client) ListJobs(ctx context.Context, workerID string, status types.JobStatus, limit int) ([]*types.WorkerJob, error) {
	q := url.Values{}
	if workerID != "" {
		q.Set("worker", workerID)
	}
	if status != "" {
		q.Set("status", string(status))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []*types.WorkerJob
	err := c.do(ctx, http.MethodGet, "/v1/jobs", q, nil, &out)
	return out, err
}

// GetJob returns one job
func (c *Client) GetJob(ctx context.Context, id string) (*types.WorkerJob, error) {
	var out types.WorkerJob
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AwaitJob blocks until the job completes or timeout elapses on the server
func (c *Client) AwaitJob(ctx context.Context, id string, timeout time.Duration) (*api.AwaitResponse, error) {
	q := url.Values{}
	if timeout > 0 {
		q.Set("timeout", timeout.String())
	}
	var out api.AwaitResponse
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id)+"/await", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StreamEvents calls fn for every event until ctx ends, fn returns an error
// or the server closes the stream
func (c *Client) StreamEvents(ctx context.Context, workerID string, eventTypes []string, fn func(*events.Event) error) error {
	u, err := url.Parse(c.baseURL + "/v1/events")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := url.Values{}
	if workerID != "" {
		q.Set("worker", workerID)
	}
	for _, t := range eventTypes {
		q.Add("type", t)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPClient: c.http})
	if err != nil {
		return fmt.Errorf("failed to connect to event stream: %w", err)
	}
	defer conn.CloseNow()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || websocket.CloseStatus(err) == websocket.StatusGoingAway || ctx.Err() != nil {
				return nil
			}
			return err
		}
		var ev events.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		if err := fn(&ev); err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			return err
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var e api.ErrorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			apiErr.Message = e.Error
		}
		// Failed sends carry the full result.
		if out != nil && resp.StatusCode == http.StatusBadGateway {
			_ = json.Unmarshal(data, out)
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
