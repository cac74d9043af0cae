package spawner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/cuemby/colony/pkg/events"
	"github.com/cuemby/colony/pkg/lock"
	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/metrics"
	"github.com/cuemby/colony/pkg/models"
	"github.com/cuemby/colony/pkg/profiles"
	"github.com/cuemby/colony/pkg/registry"
	"github.com/cuemby/colony/pkg/runtime"
	"github.com/cuemby/colony/pkg/storage"
	"github.com/cuemby/colony/pkg/types"
)

const (
	defaultStartupTimeout = 60 * time.Second
	defaultLockGrace      = 5 * time.Second
	defaultReuseTimeout   = 3 * time.Second
	defaultNoticeTimeout  = 5 * time.Second
)

// toolingUnavailable matches session or probe failures caused by a broken
// tool bridge rather than by the runtime itself
var toolingUnavailable = regexp.MustCompile(`(?i)(mcp|tool|bridge)[^\n]*(unavailable|not available|failed to (start|connect|load)|not found|timed out)`)

// PolicySource is the subset of the profile store the spawner consults
type PolicySource interface {
	CanReuseExisting(id string) bool
	Catalog() models.Catalog
	MCPServers() map[string]profiles.MCPServer
}

// Linker attaches linked-mode workers to session tracking
type Linker interface {
	Link(inst *types.WorkerInstance, client runtime.Client)
	Unlink(workerID string)
}

// Config holds spawner settings
type Config struct {
	StartupTimeout time.Duration
	LockGrace      time.Duration
	ReuseTimeout   time.Duration
	NoticeTimeout  time.Duration
	Host           string
	Directory      string
}

func (c *Config) defaults() {
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = defaultStartupTimeout
	}
	if c.LockGrace <= 0 {
		c.LockGrace = defaultLockGrace
	}
	if c.ReuseTimeout <= 0 {
		c.ReuseTimeout = defaultReuseTimeout
	}
	if c.NoticeTimeout <= 0 {
		c.NoticeTimeout = defaultNoticeTimeout
	}
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Directory == "" {
		c.Directory, _ = os.Getwd()
	}
}

// Deps are the collaborators of a Spawner
type Deps struct {
	Registry *registry.Registry
	Broker   *events.Broker
	Backend  runtime.Backend
	Clients  runtime.ClientFactory
	Devices  storage.DeviceStore
	Locker   *lock.Locker
	Resolver *models.Resolver
	Policy   PolicySource
	Linker   Linker
}

// Spawner is the only path through which workers come into existence. It
// guarantees at most one live instance per profile id, in process through
// single-flight and across processes through a lockfile and the device
// registry.
type Spawner struct {
	Deps
	config Config

	flight singleflight.Group

	mu      sync.Mutex
	handles map[string]*runtime.Handle
	adopted map[string]bool

	logger zerolog.Logger
}

// New creates a Spawner
func New(deps Deps, cfg Config) *Spawner {
	cfg.defaults()
	if deps.Clients == nil {
		deps.Clients = runtime.NewClient
	}
	if deps.Devices == nil {
		deps.Devices = storage.NewMemoryStore()
	}
	if deps.Resolver == nil {
		deps.Resolver = models.NewResolver(deps.Broker)
	}
	return &Spawner{
		Deps:    deps,
		config:  cfg,
		handles: make(map[string]*runtime.Handle),
		adopted: make(map[string]bool),
		logger:  log.WithComponent("spawner"),
	}
}

// Spawn returns the live instance for profile, creating it if needed.
// Concurrent calls for the same id share one attempt. The attempt runs
// detached from ctx, bounded by the startup timeout; ctx only limits how long
// this caller waits.
func (s *Spawner) Spawn(ctx context.Context, profile types.WorkerProfile) (*types.WorkerInstance, error) {
	if profile.ID == "" {
		return nil, errors.New("spawn worker: profile id is required")
	}
	if w, ok := s.live(profile.ID); ok {
		return w, nil
	}

	ch := s.flight.DoChan(profile.ID, func() (any, error) {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.StartupTimeout+s.config.LockGrace)
		defer cancel()
		return s.spawn(actx, profile)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*types.WorkerInstance).Clone(), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("spawn worker %q: %w", profile.ID, ctx.Err())
	}
}

// live returns the registered instance if it is ready or busy. A starting
// instance belongs to an attempt in flight, so callers join that attempt.
func (s *Spawner) live(id string) (*types.WorkerInstance, bool) {
	w, ok := s.Registry.Get(id)
	if !ok || !w.Status.Active() {
		return nil, false
	}
	return w, true
}

func (s *Spawner) spawn(ctx context.Context, profile types.WorkerProfile) (*types.WorkerInstance, error) {
	id := profile.ID
	timer := metrics.NewTimer()
	logger := s.logger.With().Str("worker_id", id).Logger()

	if w, ok := s.live(id); ok {
		return w, nil
	}

	reuse := s.Policy == nil || s.Policy.CanReuseExisting(id)
	if reuse {
		if w, ok := s.tryReuse(ctx, profile); ok {
			return w, nil
		}
	}

	if s.Locker != nil {
		lease, err := s.Locker.Acquire(ctx, id, s.config.StartupTimeout+s.config.LockGrace)
		if err != nil {
			metrics.SpawnsTotal.WithLabelValues("failed").Inc()
			return nil, fmt.Errorf("spawn worker %q: acquire lock: %w", id, err)
		}
		defer lease.Release()

		if reuse {
			if w, ok := s.tryReuse(ctx, profile); ok {
				return w, nil
			}
		}
	}

	w, err := s.create(ctx, profile)
	if err != nil {
		metrics.SpawnsTotal.WithLabelValues("failed").Inc()
		logger.Error().Err(err).Msg("spawn failed")
		return nil, err
	}
	metrics.SpawnsTotal.WithLabelValues("spawned").Inc()
	timer.ObserveDuration(metrics.SpawnDuration)
	logger.Info().
		Str("url", w.ServerURL).
		Str("session_id", w.SessionID).
		Str("model", w.Model).
		Dur("duration", timer.Duration()).
		Msg("worker ready")
	return w, nil
}

// tryReuse adopts a runtime recorded in the device registry if it still
// answers. Stale entries are purged.
func (s *Spawner) tryReuse(ctx context.Context, profile types.WorkerProfile) (*types.WorkerInstance, bool) {
	id := profile.ID
	dev, err := s.Devices.Get(id)
	if err != nil {
		return nil, false
	}
	logger := s.logger.With().Str("worker_id", id).Str("url", dev.URL).Logger()

	client := s.Clients(dev.URL, dev.Directory)
	pctx, cancel := context.WithTimeout(ctx, s.config.ReuseTimeout)
	defer cancel()

	purge := func(reason string) (*types.WorkerInstance, bool) {
		logger.Info().Str("reason", reason).Msg("purging stale device entry")
		_ = s.Devices.Delete(id)
		return nil, false
	}

	sessions, err := client.ListSessions(pctx)
	if err != nil {
		return purge("list sessions: " + runtime.ErrorText(err))
	}
	if tl, ok := client.(runtime.ToolLister); ok {
		if _, err := tl.ToolIDs(pctx); err != nil {
			return purge("tool probe: " + runtime.ErrorText(err))
		}
	}

	sessionID := ""
	if dev.SessionID != "" && slices.ContainsFunc(sessions, func(ss runtime.Session) bool { return ss.ID == dev.SessionID }) {
		sessionID = dev.SessionID
	} else if len(sessions) > 0 {
		sessionID = sessions[0].ID
	} else {
		ses, err := client.CreateSession(pctx, runtime.CreateSessionRequest{Title: sessionTitle(profile)})
		if err != nil {
			return purge("create session: " + runtime.ErrorText(err))
		}
		sessionID = ses.ID
	}

	now := time.Now()
	inst := &types.WorkerInstance{
		Profile:      profile,
		Status:       types.WorkerStatusStarting,
		Port:         dev.Port,
		ServerURL:    dev.URL,
		Directory:    dev.Directory,
		SessionID:    sessionID,
		Model:        dev.Model,
		Reused:       true,
		StartedAt:    now,
		LastActivity: now,
	}
	s.Registry.Register(inst)

	s.mu.Lock()
	s.adopted[id] = true
	s.mu.Unlock()

	dev.SessionID = sessionID
	dev.UpdatedAt = now
	if err := s.Devices.Put(dev); err != nil {
		logger.Warn().Err(err).Msg("refresh device entry")
	}

	s.Registry.UpdateStatus(id, types.WorkerStatusReady, "")
	s.link(profile, id, client)

	if s.Broker != nil {
		s.Broker.Emit(events.EventWorkerReused, id, "adopted running runtime", map[string]string{
			"url":        dev.URL,
			"session_id": sessionID,
		})
	}
	metrics.SpawnsTotal.WithLabelValues("reused").Inc()
	logger.Info().Str("session_id", sessionID).Msg("reused existing worker runtime")

	w, _ := s.Registry.Get(id)
	return w, w != nil
}

// create starts a fresh runtime. The instance is registered in starting
// state first so observers can see it while it boots.
func (s *Spawner) create(ctx context.Context, profile types.WorkerProfile) (*types.WorkerInstance, error) {
	id := profile.ID
	now := time.Now()
	directory := profile.Directory
	if directory == "" {
		directory = s.config.Directory
	}

	s.Registry.Register(&types.WorkerInstance{
		Profile:      profile,
		Status:       types.WorkerStatusStarting,
		Directory:    directory,
		StartedAt:    now,
		LastActivity: now,
	})

	var handle *runtime.Handle
	fail := func(stage string, err error) error {
		if ctx.Err() != nil && runtime.IsTimeout(err) {
			err = fmt.Errorf("did not become ready within %s: %w", s.config.StartupTimeout, err)
		}
		wrapped := fmt.Errorf("spawn worker %q: %s: %w", id, stage, err)
		if handle != nil {
			_ = handle.Close(context.Background())
		}
		_ = s.Devices.Delete(id)
		s.Registry.UpdateStatus(id, types.WorkerStatusError, wrapped.Error())
		return wrapped
	}

	var catalog models.Catalog
	var servers map[string]profiles.MCPServer
	if s.Policy != nil {
		catalog = s.Policy.Catalog()
		servers = s.Policy.MCPServers()
	}
	res, err := s.Resolver.Resolve(id, profile.Model, catalog)
	if err != nil {
		return nil, fail("resolve model", err)
	}
	model := res.ModelID
	s.Registry.Mutate(id, func(w *types.WorkerInstance) { w.Model = model })

	req := runtime.StartRequest{
		WorkerID:  id,
		Host:      s.config.Host,
		Port:      profile.Port,
		Directory: directory,
		Env:       workerEnv(profile),
		Config:    runtimeConfig(profile, model, servers, false),
	}

	handle, client, session, err := s.boot(ctx, profile, req)
	if err != nil && toolingUnavailable.MatchString(runtime.ErrorText(err)) {
		s.logger.Warn().
			Str("worker_id", id).
			Err(err).
			Msg("tooling unavailable, retrying with fallback bridge configuration")
		req.Config = runtimeConfig(profile, model, servers, true)
		handle, client, session, err = s.boot(ctx, profile, req)
		if err == nil {
			warning := "started without tool servers: bridge unavailable"
			s.Registry.Mutate(id, func(w *types.WorkerInstance) { w.Warning = warning })
		}
	}
	if err != nil {
		return nil, fail("create session", err)
	}

	s.Registry.Mutate(id, func(w *types.WorkerInstance) {
		w.Port = handle.Port
		w.PID = handle.PID
		w.ServerURL = handle.URL
		w.SessionID = session.ID
	})

	bootstrap := runtime.TextPrompt(bootstrapPrompt(profile, model, directory))
	bootstrap.Model = model
	bootstrap.NoReply = true
	if _, err := client.Prompt(ctx, session.ID, bootstrap); err != nil {
		return nil, fail("bootstrap", err)
	}

	if err := s.Devices.Put(&storage.Device{
		WorkerID:  id,
		URL:       handle.URL,
		Port:      handle.Port,
		PID:       handle.PID,
		SessionID: session.ID,
		Directory: directory,
		Model:     model,
		OwnerPID:  os.Getpid(),
	}); err != nil {
		s.logger.Warn().Str("worker_id", id).Err(err).Msg("record device entry")
	}

	s.mu.Lock()
	s.handles[id] = handle
	delete(s.adopted, id)
	s.mu.Unlock()

	s.Registry.Mutate(id, func(w *types.WorkerInstance) { w.LastActivity = time.Now() })
	s.Registry.UpdateStatus(id, types.WorkerStatusReady, "")
	s.link(profile, id, client)

	w, ok := s.Registry.Get(id)
	if !ok {
		// Stopped by someone else between ready and here.
		if s.Linker != nil {
			s.Linker.Unlink(id)
		}
		s.Release(context.Background(), id)
		return nil, fmt.Errorf("spawn worker %q: stopped during startup", id)
	}
	return w, nil
}

// boot starts a runtime, opens a session and runs the tool probe. On error
// anything it started is closed.
func (s *Spawner) boot(ctx context.Context, profile types.WorkerProfile, req runtime.StartRequest) (*runtime.Handle, runtime.Client, *runtime.Session, error) {
	handle, err := s.Backend.Start(ctx, req)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("start runtime: %w", err)
	}
	client := s.Clients(handle.URL, req.Directory)

	session, err := client.CreateSession(ctx, runtime.CreateSessionRequest{Title: sessionTitle(profile)})
	if err == nil {
		if tl, ok := client.(runtime.ToolLister); ok {
			if _, perr := tl.ToolIDs(ctx); perr != nil {
				err = fmt.Errorf("tool probe: %w", perr)
			}
		}
	}
	if err != nil {
		_ = handle.Close(context.Background())
		return nil, nil, nil, err
	}
	return handle, client, session, nil
}

func (s *Spawner) link(profile types.WorkerProfile, id string, client runtime.Client) {
	if s.Linker == nil || profile.Mode() != types.SessionModeLinked {
		return
	}
	if w, ok := s.Registry.Get(id); ok {
		s.Linker.Link(w, client)
		s.Registry.Mutate(id, func(w *types.WorkerInstance) { w.Forwarding = true })
	}
}

// Notify sends a best-effort message to a worker without waiting for a reply
func (s *Spawner) Notify(ctx context.Context, w *types.WorkerInstance, text string) error {
	if w.ServerURL == "" || w.SessionID == "" {
		return nil
	}
	nctx, cancel := context.WithTimeout(ctx, s.config.NoticeTimeout)
	defer cancel()
	req := runtime.TextPrompt(text)
	req.NoReply = true
	_, err := s.Clients(w.ServerURL, w.Directory).Prompt(nctx, w.SessionID, req)
	return err
}

// Stop shuts a worker down and removes it from the registry. With notice set
// the worker is first told it is being stopped. It reports whether the worker
// existed.
func (s *Spawner) Stop(ctx context.Context, id string, notice bool) bool {
	w, ok := s.Registry.Get(id)
	if !ok {
		return false
	}
	if s.Linker != nil {
		s.Linker.Unlink(id)
	}
	if notice && w.Status.Active() {
		if err := s.Notify(ctx, w, "The orchestrator is stopping this worker. Finish nothing further."); err != nil {
			s.logger.Debug().Str("worker_id", id).Err(err).Msg("shutdown notice failed")
		}
	}
	s.Release(ctx, id)
	s.Registry.UpdateStatus(id, types.WorkerStatusStopped, "")
	s.Registry.Unregister(id)
	s.logger.Info().Str("worker_id", id).Msg("worker stopped")
	return true
}

// Release closes the runtime process this process started for id and drops
// its device entry. Adopted runtimes belong to another process and are left
// running.
func (s *Spawner) Release(ctx context.Context, id string) {
	s.mu.Lock()
	handle := s.handles[id]
	delete(s.handles, id)
	adopted := s.adopted[id]
	delete(s.adopted, id)
	s.mu.Unlock()

	if handle != nil {
		if err := handle.Close(ctx); err != nil {
			s.logger.Warn().Str("worker_id", id).Err(err).Msg("close runtime")
		}
	}
	if !adopted {
		_ = s.Devices.Delete(id)
	}
}

// Reap releases resources of a worker the health monitor declared dead
func (s *Spawner) Reap(w *types.WorkerInstance) {
	if s.Linker != nil {
		s.Linker.Unlink(w.ID())
	}
	s.Release(context.Background(), w.ID())
	// A dead adopted runtime is stale for everyone.
	_ = s.Devices.Delete(w.ID())
}

// Owned returns the ids of workers whose runtime this process started
func (s *Spawner) Owned() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func sessionTitle(p types.WorkerProfile) string {
	return "colony worker: " + p.DisplayName()
}
