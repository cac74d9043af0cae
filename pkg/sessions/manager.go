package sessions

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/colony/pkg/events"
	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/registry"
	"github.com/cuemby/colony/pkg/runtime"
	"github.com/cuemby/colony/pkg/types"
)

// MaxRecentActivity is the size of each session's activity ring
const MaxRecentActivity = 50

// Manager tracks worker sessions and runs their event forwarders. It keeps
// one session per worker id.
type Manager struct {
	mu         sync.RWMutex
	sessions   map[string]*types.TrackedSession
	forwarders map[string]*Forwarder

	registry *registry.Registry
	broker   *events.Broker
	config   ForwarderConfig
	logger   zerolog.Logger
}

// NewManager creates a session manager. reg and broker may be nil.
func NewManager(reg *registry.Registry, broker *events.Broker, cfg ForwarderConfig) *Manager {
	return &Manager{
		sessions:   make(map[string]*types.TrackedSession),
		forwarders: make(map[string]*Forwarder),
		registry:   reg,
		broker:     broker,
		config:     cfg,
		logger:     log.WithComponent("sessions"),
	}
}

// Track starts tracking a worker session, replacing any previous one
func (m *Manager) Track(workerID, sessionID string, mode types.SessionMode, parentSessionID string) *types.TrackedSession {
	now := time.Now()
	s := &types.TrackedSession{
		WorkerID:        workerID,
		SessionID:       sessionID,
		Mode:            mode,
		ParentSessionID: parentSessionID,
		Status:          types.SessionStatusActive,
		CreatedAt:       now,
		LastActivity:    now,
		RecentActivity:  []types.SessionActivity{},
	}
	m.mu.Lock()
	m.sessions[workerID] = s
	m.mu.Unlock()
	return cloneSession(s)
}

// Get returns the tracked session of a worker
func (m *Manager) Get(workerID string) (*types.TrackedSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[workerID]
	if !ok {
		return nil, false
	}
	return cloneSession(s), true
}

// List returns all tracked sessions ordered by worker id
func (m *Manager) List() []*types.TrackedSession {
	m.mu.RLock()
	out := make([]*types.TrackedSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, cloneSession(s))
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b *types.TrackedSession) int { return strings.Compare(a.WorkerID, b.WorkerID) })
	return out
}

// RecordActivity appends to the session's activity ring and mirrors the
// tool and message counters onto the worker
func (m *Manager) RecordActivity(workerID string, a types.SessionActivity) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}

	m.mu.Lock()
	s, ok := m.sessions[workerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.RecentActivity = append(s.RecentActivity, a)
	if n := len(s.RecentActivity); n > MaxRecentActivity {
		s.RecentActivity = slices.Clone(s.RecentActivity[n-MaxRecentActivity:])
	}
	s.LastActivity = a.Timestamp
	switch a.Type {
	case types.ActivityTool:
		s.ToolCount++
	case types.ActivityMessage:
		s.MessageCount++
	}
	sessionID := s.SessionID
	m.mu.Unlock()

	if m.registry != nil && (a.Type == types.ActivityTool || a.Type == types.ActivityMessage) {
		m.registry.Mutate(workerID, func(w *types.WorkerInstance) {
			if a.Type == types.ActivityTool {
				w.ToolCount++
			} else {
				w.MessageCount++
			}
			w.LastActivity = a.Timestamp
		})
	}
	if m.broker != nil {
		m.broker.Emit(events.EventSessionActivity, workerID, a.Summary, map[string]string{
			"activity":   string(a.Type),
			"session_id": sessionID,
		})
	}
}

// SetStatus changes a tracked session's status. errMsg is kept only for the
// error status.
func (m *Manager) SetStatus(workerID string, status types.SessionStatus, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[workerID]
	if !ok {
		return
	}
	s.Status = status
	if status == types.SessionStatusError {
		s.Error = errMsg
	} else {
		s.Error = ""
	}
}

// Close stops forwarding for a worker and forgets its session. It reports
// whether a session was tracked.
func (m *Manager) Close(workerID string) bool {
	m.mu.Lock()
	f := m.forwarders[workerID]
	delete(m.forwarders, workerID)
	_, ok := m.sessions[workerID]
	delete(m.sessions, workerID)
	m.mu.Unlock()

	if f != nil {
		f.Stop()
	}
	return ok
}

// Forward starts a forwarder for an already tracked session
func (m *Manager) Forward(workerID string, client runtime.Client) *Forwarder {
	m.mu.Lock()
	s, ok := m.sessions[workerID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	prev := m.forwarders[workerID]
	f := StartForwarder(workerID, s.SessionID, client, m, m.config)
	m.forwarders[workerID] = f
	m.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}
	return f
}

// Forwarder returns the running forwarder of a worker
func (m *Manager) Forwarder(workerID string) (*Forwarder, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.forwarders[workerID]
	return f, ok
}

// Link tracks a linked-mode worker and starts forwarding its session
func (m *Manager) Link(inst *types.WorkerInstance, client runtime.Client) {
	m.Track(inst.ID(), inst.SessionID, inst.Profile.Mode(), "")
	m.Forward(inst.ID(), client)
	m.logger.Debug().Str("worker_id", inst.ID()).Str("session_id", inst.SessionID).Msg("session linked")
}

// Unlink stops tracking a worker
func (m *Manager) Unlink(workerID string) {
	m.Close(workerID)
}

// Shutdown stops every forwarder
func (m *Manager) Shutdown() {
	m.mu.Lock()
	fs := make([]*Forwarder, 0, len(m.forwarders))
	for id, f := range m.forwarders {
		fs = append(fs, f)
		delete(m.forwarders, id)
	}
	m.mu.Unlock()
	for _, f := range fs {
		f.Stop()
	}
}

func cloneSession(s *types.TrackedSession) *types.TrackedSession {
	c := *s
	c.RecentActivity = slices.Clone(s.RecentActivity)
	if c.RecentActivity == nil {
		c.RecentActivity = []types.SessionActivity{}
	}
	return &c
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > previewLen {
		return string(r[:previewLen-3]) + "..."
	}
	return s
}
