// Package runtimetest provides in-memory worker runtimes for tests.
package runtimetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cuemby/colony/pkg/runtime"
)

// Client is an in-memory runtime.Client. Hooks override the default
// behaviour of each call when set.
type Client struct {
	mu       sync.Mutex
	sessions []runtime.Session
	messages map[string][]runtime.Message
	prompts  []runtime.PromptRequest
	nextID   int

	OnCreate   func(req runtime.CreateSessionRequest) (*runtime.Session, error)
	OnPrompt   func(ctx context.Context, sessionID string, req runtime.PromptRequest) (*runtime.Message, error)
	OnList     func() ([]runtime.Session, error)
	OnMessages func(sessionID string, limit int) ([]runtime.Message, error)
	OnTools    func() ([]string, error)

	Creates atomic.Int32
}

// NewClient returns an empty client
func NewClient() *Client {
	return &Client{messages: make(map[string][]runtime.Message)}
}

// CreateSession implements runtime.Client
func (c *Client) CreateSession(ctx context.Context, req runtime.CreateSessionRequest) (*runtime.Session, error) {
	c.Creates.Add(1)
	if c.OnCreate != nil {
		return c.OnCreate(req)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	s := runtime.Session{ID: fmt.Sprintf("ses_%d", c.nextID), Title: req.Title, ParentID: req.ParentID}
	c.sessions = append(c.sessions, s)
	return &s, nil
}

// Prompt implements runtime.Client
func (c *Client) Prompt(ctx context.Context, sessionID string, req runtime.PromptRequest) (*runtime.Message, error) {
	c.mu.Lock()
	c.prompts = append(c.prompts, req)
	c.mu.Unlock()
	if c.OnPrompt != nil {
		return c.OnPrompt(ctx, sessionID, req)
	}
	return &runtime.Message{Info: runtime.MessageInfo{Role: runtime.RoleAssistant}}, nil
}

// ListSessions implements runtime.Client
func (c *Client) ListSessions(ctx context.Context) ([]runtime.Session, error) {
	if c.OnList != nil {
		return c.OnList()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]runtime.Session(nil), c.sessions...), nil
}

// Messages implements runtime.Client
func (c *Client) Messages(ctx context.Context, sessionID string, limit int) ([]runtime.Message, error) {
	if c.OnMessages != nil {
		return c.OnMessages(sessionID, limit)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]runtime.Message(nil), msgs...), nil
}

// ToolIDs implements runtime.ToolLister
func (c *Client) ToolIDs(ctx context.Context) ([]string, error) {
	if c.OnTools != nil {
		return c.OnTools()
	}
	return []string{"read", "write", "bash"}, nil
}

// AddSession records an existing session
func (c *Client) AddSession(s runtime.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = append(c.sessions, s)
}

// AddMessage appends a message to a session's history
func (c *Client) AddMessage(sessionID string, m runtime.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages[sessionID] = append(c.messages[sessionID], m)
}

// Prompts returns every prompt received so far
func (c *Client) Prompts() []runtime.PromptRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]runtime.PromptRequest(nil), c.prompts...)
}

// Factory returns a ClientFactory that hands out c for every address
func (c *Client) Factory() runtime.ClientFactory {
	return func(string, string) runtime.Client { return c }
}

// Backend is a runtime.Backend that starts nothing
type Backend struct {
	mu       sync.Mutex
	requests []runtime.StartRequest
	closed   map[string]int

	OnStart func(ctx context.Context, req runtime.StartRequest) error

	Starts atomic.Int32
}

// NewBackend returns a fake backend
func NewBackend() *Backend {
	return &Backend{closed: make(map[string]int)}
}

// Start implements runtime.Backend
func (b *Backend) Start(ctx context.Context, req runtime.StartRequest) (*runtime.Handle, error) {
	n := b.Starts.Add(1)
	if b.OnStart != nil {
		if err := b.OnStart(ctx, req); err != nil {
			return nil, err
		}
	}
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()

	port := req.Port
	if port == 0 {
		port = 40000 + int(n)
	}
	url := fmt.Sprintf("http://127.0.0.1:%d", port)
	return runtime.NewHandle(url, port, 1000+int(n), func(context.Context) error {
		b.mu.Lock()
		b.closed[req.WorkerID]++
		b.mu.Unlock()
		return nil
	}), nil
}

// Requests returns every start request received
func (b *Backend) Requests() []runtime.StartRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]runtime.StartRequest(nil), b.requests...)
}

// Closed returns how many handles for workerID were closed
func (b *Backend) Closed(workerID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed[workerID]
}
