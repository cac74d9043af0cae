package runtime

import "time"

// Part types reported by the worker runtime
const (
	PartText           = "text"
	PartReasoning      = "reasoning"
	PartToolInvocation = "tool-invocation"
	PartError          = "error"
	PartFile           = "file"
	PartStepStart      = "step-start"
)

// Tool invocation states
const (
	ToolStatePending   = "pending"
	ToolStateRunning   = "running"
	ToolStateCompleted = "completed"
	ToolStateError     = "error"
)

// Roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Session is a conversation handle inside a worker runtime
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	ParentID  string    `json:"parentID,omitempty"`
	Directory string    `json:"directory,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// Part is one element of a message
type Part struct {
	ID        string `json:"id,omitempty"`
	MessageID string `json:"messageID,omitempty"`
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Tool      string `json:"tool,omitempty"`
	State     string `json:"state,omitempty"`
	Error     string `json:"error,omitempty"`
	Mime      string `json:"mime,omitempty"`
	URL       string `json:"url,omitempty"`
	Filename  string `json:"filename,omitempty"`
}

// MessageInfo is the header of a message
type MessageInfo struct {
	ID        string        `json:"id"`
	SessionID string        `json:"sessionID,omitempty"`
	Role      string        `json:"role"`
	ModelID   string        `json:"modelID,omitempty"`
	Error     *APIErrorBody `json:"error,omitempty"`
	CreatedAt time.Time     `json:"createdAt,omitempty"`
}

// Message is a message with its parts
type Message struct {
	Info  MessageInfo `json:"info"`
	Parts []Part      `json:"parts"`
}

// PendingTool reports whether any tool invocation in m has not finished
func (m Message) PendingTool() bool {
	for _, p := range m.Parts {
		if p.Type == PartToolInvocation && (p.State == ToolStatePending || p.State == ToolStateRunning) {
			return true
		}
	}
	return false
}

// CreateSessionRequest is the body of a session.create call
type CreateSessionRequest struct {
	Title    string `json:"title,omitempty"`
	ParentID string `json:"parentID,omitempty"`
}

// PromptRequest is the body of a session.prompt call
type PromptRequest struct {
	MessageID string          `json:"messageID,omitempty"`
	Model     string          `json:"model,omitempty"`
	System    string          `json:"system,omitempty"`
	Tools     map[string]bool `json:"tools,omitempty"`
	NoReply   bool            `json:"noReply,omitempty"`
	Parts     []Part          `json:"parts"`
}

// TextPrompt builds a prompt holding a single text part
func TextPrompt(text string) PromptRequest {
	return PromptRequest{Parts: []Part{{Type: PartText, Text: text}}}
}
