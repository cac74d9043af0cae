package health

import (
	"context"
	"time"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeSession CheckType = "session"
	CheckTypeTCP     CheckType = "tcp"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

// Config contains the probing parameters of the monitor
type Config struct {
	// Interval is the time between monitor ticks
	Interval time.Duration

	// Timeout bounds a single probe
	Timeout time.Duration

	// MaxRetries is the number of failed probes before a worker is dead
	MaxRetries int

	// Backoff is the base delay between failed probes; it doubles per attempt
	Backoff time.Duration
}

const (
	// MinInterval is the floor applied to Config.Interval
	MinInterval = 10 * time.Second
)

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval:   30 * time.Second,
		Timeout:    3 * time.Second,
		MaxRetries: 3,
		Backoff:    250 * time.Millisecond,
	}
}

// Status tracks the probe history of one worker
type Status struct {
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastCheck           time.Time `json:"lastCheck"`
	LastResult          Result    `json:"lastResult"`
	Healthy             bool      `json:"healthy"`
}

// NewStatus creates a new Status that assumes health until proven otherwise
func NewStatus() *Status {
	return &Status{Healthy: true}
}

// Update records a probe result. The worker turns unhealthy once failures
// reach the retry threshold.
func (s *Status) Update(result Result, config Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return
	}
	s.ConsecutiveFailures++
	if s.ConsecutiveFailures >= config.MaxRetries {
		s.Healthy = false
	}
}
