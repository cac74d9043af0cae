package health

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/colony/pkg/runtime"
)

// SessionChecker probes a worker runtime by listing its sessions
type SessionChecker struct {
	Client runtime.Client
}

// NewSessionChecker creates a checker for client
func NewSessionChecker(client runtime.Client) *SessionChecker {
	return &SessionChecker{Client: client}
}

// Check lists sessions under ctx
func (c *SessionChecker) Check(ctx context.Context) Result {
	start := time.Now()
	sessions, err := c.Client.ListSessions(ctx)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("list sessions: %s", runtime.ErrorText(err)),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("%d sessions", len(sessions)),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (c *SessionChecker) Type() CheckType {
	return CheckTypeSession
}
