package api

import (
	"time"

	"github.com/cuemby/colony/pkg/dispatch"
	"github.com/cuemby/colony/pkg/types"
)

// SpawnRequest is the body of POST /v1/workers/{id}/spawn
type SpawnRequest struct {
	// Intent is "manual" (default) or "on-demand"
	Intent string `json:"intent,omitempty"`
}

// SendRequest is the body of POST /v1/workers/{id}/send
type SendRequest struct {
	Message     string             `json:"message"`
	Attachments []types.Attachment `json:"attachments,omitempty"`
	Timeout     string             `json:"timeout,omitempty"` // Go duration
	From        string             `json:"from,omitempty"`
	RequestedBy string             `json:"requestedBy,omitempty"`
	// Async returns a job instead of waiting for the reply
	Async bool `json:"async,omitempty"`
	// Ensure spawns the worker on demand when it is not running
	Ensure bool `json:"ensure,omitempty"`
}

// SendResponse is returned by a synchronous send
type SendResponse struct {
	WorkerID string `json:"workerId"`
	dispatch.Result
}

// AwaitResponse is returned by GET /v1/jobs/{id}/await
type AwaitResponse struct {
	Job      *types.WorkerJob `json:"job"`
	TimedOut bool             `json:"timedOut"`
}

// SummaryResponse is returned by GET /v1/summary
type SummaryResponse struct {
	Summary string    `json:"summary"`
	Workers int       `json:"workers"`
	At      time.Time `json:"at"`
}

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error string `json:"error"`
}
