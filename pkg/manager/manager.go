package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/colony/pkg/dispatch"
	"github.com/cuemby/colony/pkg/events"
	"github.com/cuemby/colony/pkg/health"
	"github.com/cuemby/colony/pkg/jobs"
	"github.com/cuemby/colony/pkg/lock"
	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/metrics"
	"github.com/cuemby/colony/pkg/models"
	"github.com/cuemby/colony/pkg/profiles"
	"github.com/cuemby/colony/pkg/registry"
	"github.com/cuemby/colony/pkg/runtime"
	"github.com/cuemby/colony/pkg/sessions"
	"github.com/cuemby/colony/pkg/spawner"
	"github.com/cuemby/colony/pkg/storage"
	"github.com/cuemby/colony/pkg/types"
	"github.com/cuemby/colony/pkg/warmpool"
)

// ErrSpawnDenied is returned when policy forbids a spawn
var ErrSpawnDenied = errors.New("spawn denied by policy")

const (
	defaultShutdownGrace = 5 * time.Second
	shutdownNotice       = "The orchestrator is shutting down. Stop what you are doing; this session will close shortly."
)

// Intent says who asked for a spawn. Policy is checked per intent.
type Intent string

const (
	IntentOnDemand Intent = "on-demand"
	IntentManual   Intent = "manual"
	IntentAuto     Intent = "auto"
)

// Config holds configuration for creating a Manager
type Config struct {
	// DataDir holds the device registry, job archive, lockfiles and
	// runtime logs
	DataDir string
	// Directory is the default working directory of workers
	Directory string
	Host      string
	// RuntimeCommand starts a worker runtime. {host} and {port} are
	// substituted.
	RuntimeCommand []string

	StartupTimeout  time.Duration
	SendTimeout     time.Duration
	ShutdownGrace   time.Duration
	HealthInterval  time.Duration
	HealthTimeout   time.Duration
	HealthRetries   int
	WarmPoolEvery   time.Duration
	DeviceTTL       time.Duration
	JobRetention    int
	ArchiveJobs     bool
	FastHealthCheck bool

	Sandbox   dispatch.SandboxConfig
	Forwarder sessions.ForwarderConfig

	// Backend and Clients replace the local process backend and the HTTP
	// runtime client
	Backend runtime.Backend
	Clients runtime.ClientFactory
	// Devices replaces the bbolt device registry
	Devices storage.DeviceStore
}

// Manager owns every subsystem of one orchestrator process
type Manager struct {
	config   Config
	profiles *profiles.Store

	broker     *events.Broker
	registry   *registry.Registry
	devices    storage.DeviceStore
	spawner    *spawner.Spawner
	dispatcher *dispatch.Dispatcher
	monitor    *health.Monitor
	pool       *warmpool.Pool
	jobs       *jobs.Registry
	sessions   *sessions.Manager
	collector  *metrics.Collector
	components *metrics.Components

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup

	startOnce    sync.Once
	shutdownOnce sync.Once

	logger zerolog.Logger
}

// NewManager creates a Manager. Nothing runs until Start.
func NewManager(cfg Config, store *profiles.Store) (*Manager, error) {
	if store == nil {
		return nil, errors.New("profile store is required")
	}
	if cfg.DataDir == "" {
		return nil, errors.New("data directory is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	if cfg.Clients == nil {
		cfg.Clients = runtime.NewClient
	}

	devices := cfg.Devices
	if devices == nil {
		bolt, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create device registry: %w", err)
		}
		if cfg.DeviceTTL > 0 {
			bolt.WithTTL(cfg.DeviceTTL)
		}
		devices = bolt
	}

	backend := cfg.Backend
	if backend == nil {
		if len(cfg.RuntimeCommand) == 0 {
			return nil, errors.New("runtime command is required")
		}
		backend = runtime.NewLocalBackend(cfg.RuntimeCommand, filepath.Join(cfg.DataDir, "logs")).
			WithReadiness(health.WaitForTCP(100 * time.Millisecond))
	}

	var jobOpts []jobs.Option
	if cfg.JobRetention > 0 {
		jobOpts = append(jobOpts, jobs.WithRetention(cfg.JobRetention))
	}
	if cfg.ArchiveJobs {
		archive, err := jobs.OpenSQLite(context.Background(), filepath.Join(cfg.DataDir, "jobs.db"))
		if err != nil {
			return nil, fmt.Errorf("failed to open job archive: %w", err)
		}
		jobOpts = append(jobOpts, jobs.WithArchive(archive))
	}

	comps := metrics.NewComponents()
	comps.Set(metrics.ComponentRegistry, metrics.StateStarting, "")

	broker := events.NewBroker()
	broker.ReportTo(comps)
	broker.Start()

	reg := registry.New(broker)
	sess := sessions.NewManager(reg, broker, cfg.Forwarder)

	sp := spawner.New(spawner.Deps{
		Registry: reg,
		Broker:   broker,
		Backend:  backend,
		Clients:  cfg.Clients,
		Devices:  devices,
		Locker:   lock.New(filepath.Join(cfg.DataDir, "locks")),
		Resolver: models.NewResolver(broker),
		Policy:   store,
		Linker:   sess,
	}, spawner.Config{
		StartupTimeout: cfg.StartupTimeout,
		Host:           cfg.Host,
		Directory:      cfg.Directory,
	})

	sandbox := cfg.Sandbox
	if sandbox.ScratchDir == "" {
		sandbox.ScratchDir = filepath.Join(cfg.DataDir, "attachments")
	}

	monitorOpts := []health.Option{health.WithOnDead(sp.Reap), health.WithComponents(comps)}
	if cfg.HealthInterval > 0 {
		monitorOpts = append(monitorOpts, health.WithInterval(cfg.HealthInterval))
	}
	if cfg.HealthTimeout > 0 {
		monitorOpts = append(monitorOpts, health.WithTimeout(cfg.HealthTimeout))
	}
	if cfg.HealthRetries > 0 {
		monitorOpts = append(monitorOpts, health.WithMaxRetries(cfg.HealthRetries))
	}
	if cfg.FastHealthCheck {
		monitorOpts = append(monitorOpts, health.AllowFastInterval())
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	m := &Manager{
		config:     cfg,
		profiles:   store,
		broker:     broker,
		registry:   reg,
		devices:    devices,
		spawner:    sp,
		dispatcher: dispatch.New(reg, cfg.Clients, dispatch.Config{Timeout: cfg.SendTimeout, Sandbox: sandbox}),
		monitor:    health.NewMonitor(reg, cfg.Clients, monitorOpts...),
		pool:       warmpool.New(reg, sp, store, warmpool.WithInterval(cfg.WarmPoolEvery), warmpool.WithComponents(comps)),
		jobs:       jobs.New(broker, jobOpts...),
		sessions:   sess,
		components: comps,
		bgCtx:      bgCtx,
		bgCancel:   bgCancel,
		logger:     log.WithComponent("manager"),
	}
	m.collector = metrics.NewCollector(m)
	comps.SetWorkerCounts(m.workerCounts)
	return m, nil
}

// Start launches the background loops, fills the warm pool and spawns
// auto-spawn profiles
func (m *Manager) Start(ctx context.Context) error {
	m.startOnce.Do(func() {
		m.monitor.Start(m.bgCtx)
		m.collector.Start()

		m.profiles.OnChange(func(profiles.Config) {
			m.pool.Configure(m.bgCtx, m.poolEntries())
		})
		m.pool.Configure(ctx, m.poolEntries())
		m.pool.Start(m.bgCtx)

		if n, err := m.AutoSpawn(ctx); err != nil {
			m.logger.Warn().Err(err).Int("spawned", n).Msg("auto-spawn incomplete")
		}
		m.components.Set(metrics.ComponentRegistry, metrics.StateRunning, "")
		m.logger.Info().
			Int("profiles", len(m.profiles.Profiles())).
			Dur("health_interval", m.monitor.Config().Interval).
			Msg("manager started")
	})
	return nil
}

func (m *Manager) poolEntries() []warmpool.Entry {
	var entries []warmpool.Entry
	for _, p := range m.profiles.Profiles() {
		if !m.profiles.CanWarmPool(p.ID) {
			continue
		}
		pol := m.profiles.Policy(p.ID)
		entries = append(entries, warmpool.Entry{ProfileID: p.ID, Size: pol.PoolSize, IdleTimeout: pol.IdleTimeout})
	}
	return entries
}

// Spawn starts (or returns) the worker for profile
func (m *Manager) Spawn(ctx context.Context, profile types.WorkerProfile) (*types.WorkerInstance, error) {
	return m.spawner.Spawn(ctx, profile)
}

// SpawnByID spawns a configured profile after checking the policy for intent
func (m *Manager) SpawnByID(ctx context.Context, id string, intent Intent) (*types.WorkerInstance, error) {
	profile, ok := m.profiles.Profile(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", profiles.ErrUnknownProfile, id)
	}
	var allowed bool
	switch intent {
	case IntentManual:
		allowed = m.profiles.CanSpawnManually(id)
	case IntentAuto:
		allowed = m.profiles.CanAutoSpawn(id)
	default:
		allowed = m.profiles.CanSpawnOnDemand(id)
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s spawn of %q", ErrSpawnDenied, intent, id)
	}
	return m.spawner.Spawn(ctx, profile)
}

// Ensure returns the running worker for id, spawning it on demand
func (m *Manager) Ensure(ctx context.Context, id string) (*types.WorkerInstance, error) {
	if w, ok := m.registry.Get(id); ok && !w.Status.Terminal() {
		return w, nil
	}
	return m.SpawnByID(ctx, id, IntentOnDemand)
}

// AutoSpawn spawns every profile whose policy allows it and returns how
// many are running
func (m *Manager) AutoSpawn(ctx context.Context) (int, error) {
	var (
		mu      sync.Mutex
		spawned int
		errs    []error
	)
	var g errgroup.Group
	for _, p := range m.profiles.Profiles() {
		if !m.profiles.CanAutoSpawn(p.ID) {
			continue
		}
		g.Go(func() error {
			_, err := m.spawner.Spawn(ctx, p)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			spawned++
			return nil
		})
	}
	_ = g.Wait()
	return spawned, errors.Join(errs...)
}

// Send delivers a message to a worker and waits for the reply
func (m *Manager) Send(ctx context.Context, workerID, message string, opts dispatch.Options) (*dispatch.Result, error) {
	return m.dispatcher.Send(ctx, workerID, message, opts)
}

// SendAsync creates a job and delivers the message in the background. The
// job completes with the reply or the send error.
func (m *Manager) SendAsync(workerID, message string, opts dispatch.Options, requestedBy string) (*types.WorkerJob, error) {
	w, ok := m.registry.Get(workerID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", dispatch.ErrWorkerNotFound, workerID)
	}
	job := m.jobs.Create(workerID, message, w.SessionID, requestedBy)
	opts.JobID = job.ID

	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		res, err := m.dispatcher.Send(m.bgCtx, workerID, message, opts)
		if err != nil {
			m.jobs.SetError(job.ID, err.Error(), nil)
			return
		}
		report, _ := dispatch.ParseReport(res.Response)
		m.jobs.SetResult(job.ID, res.Response, report)
	}()
	return job, nil
}

// SetBeforeSend installs a hook run before every send
func (m *Manager) SetBeforeSend(h dispatch.BeforeSendHook) {
	m.dispatcher.SetBeforeSend(h)
}

// StopWorker stops a worker after a best-effort notice. It reports whether
// the worker existed.
func (m *Manager) StopWorker(ctx context.Context, id string) bool {
	return m.spawner.Stop(ctx, id, true)
}

// GetWorker returns a worker by id
func (m *Manager) GetWorker(id string) (*types.WorkerInstance, bool) {
	return m.registry.Get(id)
}

// ListWorkers returns every registered worker
func (m *Manager) ListWorkers() []*types.WorkerInstance {
	return m.registry.List()
}

// GetSummary renders the worker table. maxWorkers <= 0 shows all.
func (m *Manager) GetSummary(maxWorkers int) string {
	return m.registry.Summary(maxWorkers)
}

// PendingJobs implements metrics.Source
func (m *Manager) PendingJobs() int {
	return m.jobs.Pending()
}

// DroppedEvents implements metrics.Source
func (m *Manager) DroppedEvents() uint64 {
	return m.broker.Dropped()
}

func (m *Manager) workerCounts() map[string]int {
	counts := make(map[string]int)
	for _, w := range m.registry.List() {
		counts[string(w.Status)]++
	}
	return counts
}

// Components returns the engine's component state tracker
func (m *Manager) Components() *metrics.Components { return m.components }

// Jobs returns the job registry
func (m *Manager) Jobs() *jobs.Registry { return m.jobs }

// Events returns the event broker
func (m *Manager) Events() *events.Broker { return m.broker }

// Sessions returns the session manager
func (m *Manager) Sessions() *sessions.Manager { return m.sessions }

// Registry returns the worker registry
func (m *Manager) Registry() *registry.Registry { return m.registry }

// Profiles returns the profile store
func (m *Manager) Profiles() *profiles.Store { return m.profiles }

// Health returns the health monitor
func (m *Manager) Health() *health.Monitor { return m.monitor }

// Shutdown stops the background loops, tells every worker the process is
// going away and then closes them. Workers get ShutdownGrace to take the
// notice before their runtimes are closed.
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	m.shutdownOnce.Do(func() {
		err = m.shutdown(ctx)
	})
	return err
}

func (m *Manager) shutdown(ctx context.Context) error {
	m.logger.Info().Int("workers", m.registry.Len()).Msg("shutting down")
	m.components.Set(metrics.ComponentRegistry, metrics.StateStopping, "shutting down")

	m.pool.Stop()
	m.monitor.Stop()
	m.collector.Stop()
	m.sessions.Shutdown()

	workers := m.registry.List()

	noticeCtx, cancel := context.WithTimeout(ctx, m.config.ShutdownGrace)
	var notices errgroup.Group
	for _, w := range workers {
		if !w.Status.Active() {
			continue
		}
		notices.Go(func() error {
			if err := m.spawner.Notify(noticeCtx, w, shutdownNotice); err != nil {
				m.logger.Debug().Str("worker_id", w.ID()).Err(err).Msg("shutdown notice failed")
			}
			return nil
		})
	}
	_ = notices.Wait()
	cancel()

	m.bgCancel()
	m.bg.Wait()

	var stops errgroup.Group
	for _, w := range workers {
		stops.Go(func() error {
			m.spawner.Stop(ctx, w.ID(), false)
			return nil
		})
	}
	_ = stops.Wait()

	var errs []error
	if err := m.jobs.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close job archive: %w", err))
	}
	m.broker.Stop()
	m.components.Set(metrics.ComponentRegistry, metrics.StateStopped, "")
	m.logger.Info().Msg("shutdown complete")
	return errors.Join(errs...)
}
