package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// ComponentState is the lifecycle state an engine subsystem reports
type ComponentState string

const (
	StateStarting ComponentState = "starting"
	StateRunning  ComponentState = "running"
	StateStopping ComponentState = "stopping"
	StateStopped  ComponentState = "stopped"
	StateFailed   ComponentState = "failed"
)

// Engine subsystems that report their state
const (
	// ComponentRegistry is running while the engine accepts spawn and send requests
	ComponentRegistry      = "registry"
	ComponentHealthMonitor = "health-monitor"
	ComponentEvents        = "events"
	ComponentWarmPool      = "warm-pool"
	ComponentAPI           = "api"
)

// DefaultCritical lists the components readiness waits for
var DefaultCritical = []string{ComponentRegistry, ComponentHealthMonitor, ComponentEvents}

// ComponentReport is one component's entry in a health response
type ComponentReport struct {
	State  ComponentState `json:"state"`
	Detail string         `json:"detail,omitempty"`
	Since  time.Time      `json:"since"`
}

// EngineStatus is the body of /health and /ready
type EngineStatus struct {
	Status     string                     `json:"status"` // healthy|degraded|unhealthy or ready|not_ready
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentReport `json:"components"`
	Workers    map[string]int             `json:"workers,omitempty"`
	Message    string                     `json:"message,omitempty"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime"`
}

// Components tracks the states reported by the engine's subsystems. A nil
// *Components ignores reports, so subsystems built without one still run.
type Components struct {
	mu        sync.RWMutex
	states    map[string]ComponentReport
	critical  []string
	workers   func() map[string]int
	version   string
	startTime time.Time
}

// NewComponents creates a tracker. Readiness waits for critical, or for
// DefaultCritical when none are given.
func NewComponents(critical ...string) *Components {
	if len(critical) == 0 {
		critical = DefaultCritical
	}
	return &Components{
		states:    make(map[string]ComponentReport),
		critical:  append([]string(nil), critical...),
		startTime: time.Now(),
	}
}

// Set records the state of a component
func (c *Components) Set(name string, state ComponentState, detail string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.states[name]; ok && prev.State == state && prev.Detail == detail {
		return
	}
	c.states[name] = ComponentReport{State: state, Detail: detail, Since: time.Now()}
}

// State returns the last reported state of name
func (c *Components) State(name string) (ComponentState, bool) {
	if c == nil {
		return "", false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.states[name]
	return r.State, ok
}

// SetVersion sets the version string for health responses
func (c *Components) SetVersion(version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version = version
}

// SetWorkerCounts installs the source of per-status worker counts
func (c *Components) SetWorkerCounts(fn func() map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workers = fn
}

// Health reports unhealthy when any component failed and degraded while a
// component is stopping or stopped
func (c *Components) Health() EngineStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := "healthy"
	var failed []string
	for name, r := range c.states {
		switch r.State {
		case StateFailed:
			status = "unhealthy"
			failed = append(failed, name)
		case StateStopping, StateStopped:
			if status == "healthy" {
				status = "degraded"
			}
		}
	}
	out := c.snapshot(status)
	if len(failed) > 0 {
		sort.Strings(failed)
		out.Message = fmt.Sprintf("failed: %v", failed)
	}
	return out
}

// Readiness reports ready once every critical component is running
func (c *Components) Readiness() EngineStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := "ready"
	var message string
	for _, name := range c.critical {
		r, ok := c.states[name]
		switch {
		case !ok:
			status = "not_ready"
			message = "waiting for " + name
		case r.State != StateRunning:
			status = "not_ready"
			message = fmt.Sprintf("%s is %s", name, r.State)
		}
		if status != "ready" {
			break
		}
	}
	out := c.snapshot(status)
	out.Message = message
	return out
}

// snapshot requires c.mu held
func (c *Components) snapshot(status string) EngineStatus {
	comps := make(map[string]ComponentReport, len(c.states))
	for name, r := range c.states {
		comps[name] = r
	}
	var workers map[string]int
	if c.workers != nil {
		workers = c.workers()
	}
	return EngineStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: comps,
		Workers:    workers,
		Version:    c.version,
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
	}
}

// HealthHandler serves /health
func (c *Components) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := c.Health()
		code := http.StatusOK
		if h.Status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, h)
	}
}

// ReadyHandler serves /ready
func (c *Components) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rd := c.Readiness()
		code := http.StatusOK
		if rd.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, rd)
	}
}

// LivenessHandler serves /live; it answers 200 while the process runs
func (c *Components) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": time.Since(c.startTime).Round(time.Second).String(),
		})
	}
}

func writeStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
