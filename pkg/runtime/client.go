package runtime

import (
	"bytes"
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

// Client is the control API of a worker runtime
type Client interface {
	CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error)
	Prompt(ctx context.Context, sessionID string, req PromptRequest) (*Message, error)
	ListSessions(ctx context.Context) ([]Session, error)
	// Messages returns the most recent limit messages of a session, oldest
	// first. A non-positive limit returns all of them.
	Messages(ctx context.Context, sessionID string, limit int) ([]Message, error)
}

// ToolLister is implemented by clients that can enumerate the tools the
// runtime exposes. The spawner uses it as a capability probe.
type ToolLister interface {
	ToolIDs(ctx context.Context) ([]string, error)
}

// Streamer is implemented by clients that deliver incremental output while a
// prompt runs. onChunk is called with each text delta.
type Streamer interface {
	PromptStream(ctx context.Context, sessionID string, req PromptRequest, onChunk func(string)) (*Message, error)
}

// ClientFactory builds a client for a worker base URL
type ClientFactory func(baseURL, directory string) Client

// HTTPClient talks to a worker runtime over its HTTP control API
type HTTPClient struct {
	baseURL   string
	directory string
	http      *http.Client
}

// NewHTTPClient creates a client for the runtime listening at baseURL.
// directory, when set, is passed on every call so the runtime scopes the
// session to that working tree.
func NewHTTPClient(baseURL, directory string) *HTTPClient {
	return &HTTPClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		directory: directory,
		http:      &http.Client{},
	}
}

// NewClient is the default ClientFactory
func NewClient(baseURL, directory string) Client {
	return NewHTTPClient(baseURL, directory)
}

// WithHTTPClient replaces the underlying http.Client
func (c *HTTPClient) WithHTTPClient(hc *http.Client) *HTTPClient {
	c.http = hc
	return c
}

// BaseURL returns the runtime address
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// CreateSession creates a session
func (c *HTTPClient) CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error) {
	var s Session
	if err := c.do(ctx, http.MethodPost, "/session", nil, req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Prompt sends a prompt and waits for the assistant reply
func (c *HTTPClient) Prompt(ctx context.Context, sessionID string, req PromptRequest) (*Message, error) {
	var m Message
	path := "/session/" + url.PathEscape(sessionID) + "/message"
	if err := c.do(ctx, http.MethodPost, path, nil, req, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListSessions lists sessions known to the runtime
func (c *HTTPClient) ListSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	if err := c.do(ctx, http.MethodGet, "/session", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Messages lists the messages of a session
func (c *HTTPClient) Messages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []Message
	path := "/session/" + url.PathEscape(sessionID) + "/message"
	if err := c.do(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ToolIDs lists tool identifiers exposed by the runtime
func (c *HTTPClient) ToolIDs(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.do(ctx, http.MethodGet, "/experimental/tool/ids", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if query == nil {
		query = url.Values{}
	}
	if c.directory != "" {
		query.Set("directory", c.directory)
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return Normalize(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return &Error{Kind: KindTimeout, Message: fmt.Sprintf("%s %s aborted after %s", method, path, time.Since(start).Round(time.Millisecond)), Err: ctx.Err()}
		}
		return Normalize(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return Normalize(err)
	}

	if resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Kind: KindUnknown, Message: "decode response: " + err.Error(), Err: err}
	}
	return nil
}

func decodeError(status int, data []byte) *Error {
	var body APIErrorBody
	if err := json.Unmarshal(data, &body); err == nil && (body.Message != "" || body.Data.Message != "" || body.Name != "") {
		e := fromBody(body, status)
		if e.Message == "" && e.Detail == "" {
			e.Message = body.Name
		}
		return e
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		text = http.StatusText(status)
	}
	return &Error{Kind: KindAPI, Message: text, Status: status}
}
