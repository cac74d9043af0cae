package types

import (
	"time"
)

// SessionMode controls how a worker session relates to its parent
type SessionMode string

const (
	// SessionModeChild creates a plain child session in the worker runtime
	SessionModeChild SessionMode = "child"

	// SessionModeIsolated creates a session with no visibility to the parent
	SessionModeIsolated SessionMode = "isolated"

	// SessionModeLinked mirrors worker activity to the parent via polling
	SessionModeLinked SessionMode = "linked"
)

// Access levels for permission categories
type Access string

const (
	AccessFull      Access = "full"
	AccessRead      Access = "read"
	AccessSandboxed Access = "sandboxed"
	AccessLocalhost Access = "localhost"
	AccessNone      Access = "none"
)

// ToolPermission overrides a single tool's availability
type ToolPermission struct {
	Enabled     bool              `yaml:"enabled" json:"enabled"`
	Constraints map[string]string `yaml:"constraints,omitempty" json:"constraints,omitempty"`
}

// PathPolicy lists path globs a worker may or may not touch
type PathPolicy struct {
	Allowed []string `yaml:"allowed,omitempty" json:"allowed,omitempty"`
	Denied  []string `yaml:"denied,omitempty" json:"denied,omitempty"`
}

// Permissions is the permission policy attached to a profile
type Permissions struct {
	Filesystem Access                    `yaml:"filesystem,omitempty" json:"filesystem,omitempty"`
	Execution  Access                    `yaml:"execution,omitempty" json:"execution,omitempty"`
	Network    Access                    `yaml:"network,omitempty" json:"network,omitempty"`
	Tools      map[string]ToolPermission `yaml:"tools,omitempty" json:"tools,omitempty"`
	Paths      PathPolicy                `yaml:"paths,omitempty" json:"paths,omitempty"`
}

// WorkerProfile is the declarative description used to spawn a worker.
// It is treated as immutable once handed to the spawner.
type WorkerProfile struct {
	ID                string            `yaml:"id" json:"id"`
	Name              string            `yaml:"name" json:"name"`
	Model             string            `yaml:"model" json:"model"`
	Purpose           string            `yaml:"purpose,omitempty" json:"purpose,omitempty"`
	WhenToUse         string            `yaml:"when_to_use,omitempty" json:"whenToUse,omitempty"`
	Permissions       *Permissions      `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	SessionMode       SessionMode       `yaml:"session_mode,omitempty" json:"sessionMode,omitempty"`
	ForwardEvents     []string          `yaml:"forward_events,omitempty" json:"forwardEvents,omitempty"`
	Port              int               `yaml:"port,omitempty" json:"port,omitempty"`
	SystemPrompt      string            `yaml:"system_prompt,omitempty" json:"systemPrompt,omitempty"`
	InjectRepoContext bool              `yaml:"inject_repo_context,omitempty" json:"injectRepoContext,omitempty"`
	SupportsVision    bool              `yaml:"supports_vision,omitempty" json:"supportsVision,omitempty"`
	SupportsWeb       bool              `yaml:"supports_web,omitempty" json:"supportsWeb,omitempty"`
	Tools             map[string]bool   `yaml:"tools,omitempty" json:"tools,omitempty"`
	MCPServers        []string          `yaml:"mcp_servers,omitempty" json:"mcpServers,omitempty"`
	Env               map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Directory         string            `yaml:"directory,omitempty" json:"directory,omitempty"`
}

// DisplayName returns the profile name, falling back to its id
func (p WorkerProfile) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// Mode returns the session mode with the child default applied
func (p WorkerProfile) Mode() SessionMode {
	if p.SessionMode == "" {
		return SessionModeChild
	}
	return p.SessionMode
}

// WorkerStatus represents the lifecycle state of a worker instance
type WorkerStatus string

const (
	WorkerStatusStarting WorkerStatus = "starting"
	WorkerStatusReady    WorkerStatus = "ready"
	WorkerStatusBusy     WorkerStatus = "busy"
	WorkerStatusError    WorkerStatus = "error"
	WorkerStatusStopped  WorkerStatus = "stopped"
	// WorkerStatusDead is set only by the health monitor
	WorkerStatusDead WorkerStatus = "dead"
)

// Terminal reports whether the status ends the instance's life
func (s WorkerStatus) Terminal() bool {
	return s == WorkerStatusError || s == WorkerStatusStopped || s == WorkerStatusDead
}

// Active reports whether the worker can accept or is processing work
func (s WorkerStatus) Active() bool {
	return s == WorkerStatusReady || s == WorkerStatusBusy
}

// LastResult records the outcome of the most recent successful send
type LastResult struct {
	At       time.Time     `json:"at"`
	JobID    string        `json:"jobId,omitempty"`
	Response string        `json:"response"`
	Duration time.Duration `json:"duration"`
}

// WorkerInstance is a running (or starting) worker owned by the engine
type WorkerInstance struct {
	Profile      WorkerProfile `json:"profile"`
	Status       WorkerStatus  `json:"status"`
	Port         int           `json:"port"`
	PID          int           `json:"pid,omitempty"` // zero when reused or remote
	ServerURL    string        `json:"serverUrl"`
	Directory    string        `json:"directory,omitempty"`
	SessionID    string        `json:"sessionId,omitempty"`
	Model        string        `json:"model,omitempty"` // resolved model id
	Reused       bool          `json:"reused,omitempty"`
	StartedAt    time.Time     `json:"startedAt"`
	LastActivity time.Time     `json:"lastActivity"`
	Error        string        `json:"error,omitempty"`
	Warning      string        `json:"warning,omitempty"`
	CurrentTask  string        `json:"currentTask,omitempty"`
	LastResult   *LastResult   `json:"lastResult,omitempty"`
	MessageCount int           `json:"messageCount"`
	ToolCount    int           `json:"toolCount"`
	Forwarding   bool          `json:"forwarding,omitempty"`
}

// ID returns the profile id the instance is keyed by
func (w *WorkerInstance) ID() string {
	return w.Profile.ID
}

// Clone returns a copy that shares no mutable state with w
func (w *WorkerInstance) Clone() *WorkerInstance {
	if w == nil {
		return nil
	}
	c := *w
	if w.LastResult != nil {
		lr := *w.LastResult
		c.LastResult = &lr
	}
	return &c
}

// JobStatus is the state of an asynchronous job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// JobReport is an optional structured report attached by a worker
type JobReport struct {
	Summary      string   `json:"summary,omitempty"`
	Details      string   `json:"details,omitempty"`
	Issues       []string `json:"issues,omitempty"`
	FilesChanged []string `json:"filesChanged,omitempty"`
	Notes        string   `json:"notes,omitempty"`
}

// WorkerJob is an asynchronous unit of work with a single terminal result
type WorkerJob struct {
	ID          string        `json:"id"`
	WorkerID    string        `json:"workerId"`
	Message     string        `json:"message"`
	SessionID   string        `json:"sessionId,omitempty"`
	RequestedBy string        `json:"requestedBy,omitempty"`
	Status      JobStatus     `json:"status"`
	Result      string        `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	Report      *JobReport    `json:"report,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	CompletedAt time.Time     `json:"completedAt,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
}

// Done reports whether the job reached a terminal state
func (j *WorkerJob) Done() bool {
	return j.Status != JobStatusPending
}

// SessionStatus is the state of a tracked session
type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusIdle   SessionStatus = "idle"
	SessionStatusBusy   SessionStatus = "busy"
	SessionStatusError  SessionStatus = "error"
	SessionStatusClosed SessionStatus = "closed"
)

// ActivityType classifies a session activity entry
type ActivityType string

const (
	ActivityTool     ActivityType = "tool"
	ActivityMessage  ActivityType = "message"
	ActivityError    ActivityType = "error"
	ActivityProgress ActivityType = "progress"
	ActivityComplete ActivityType = "complete"
)

// SessionActivity is one entry of a tracked session's recent activity
type SessionActivity struct {
	ID        string         `json:"id"`
	Type      ActivityType   `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Summary   string         `json:"summary"`
	Details   map[string]any `json:"details,omitempty"`
}

// TrackedSession mirrors a worker session for observability
type TrackedSession struct {
	WorkerID        string            `json:"workerId"`
	SessionID       string            `json:"sessionId"`
	Mode            SessionMode       `json:"mode"`
	ParentSessionID string            `json:"parentSessionId,omitempty"`
	Status          SessionStatus     `json:"status"`
	MessageCount    int               `json:"messageCount"`
	ToolCount       int               `json:"toolCount"`
	CreatedAt       time.Time         `json:"createdAt"`
	LastActivity    time.Time         `json:"lastActivity"`
	Error           string            `json:"error,omitempty"`
	RecentActivity  []SessionActivity `json:"recentActivity"`
}

// AttachmentType is the kind of a message attachment
type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
	AttachmentFile  AttachmentType = "file"
)

// Attachment is a file or image sent alongside a message.
// Exactly one of Path or Base64 is expected to be set.
type Attachment struct {
	Type     AttachmentType `json:"type"`
	Path     string         `json:"path,omitempty"`
	Base64   string         `json:"base64,omitempty"`
	MimeType string         `json:"mimeType,omitempty"`
	Name     string         `json:"name,omitempty"`
}
