package health

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/metrics"
	"github.com/cuemby/colony/pkg/registry"
	"github.com/cuemby/colony/pkg/runtime"
	"github.com/cuemby/colony/pkg/types"
)

// CheckerFactory builds the probe for a worker
type CheckerFactory func(w *types.WorkerInstance) Checker

// Monitor periodically probes active workers and reaps the ones that stop
// answering. It never restarts a worker; a later spawn request does.
type Monitor struct {
	registry   *registry.Registry
	newChecker CheckerFactory
	config     Config
	allowFast  bool
	onDead     func(w *types.WorkerInstance)

	running atomic.Bool
	started atomic.Bool
	mu      sync.Mutex
	status  map[string]*Status

	ticks    sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	state    *metrics.Components
	logger   zerolog.Logger
}

// Option configures a Monitor
type Option func(*Monitor)

// WithInterval sets the tick interval; values below MinInterval are raised
// to it unless AllowFastInterval is also given.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.config.Interval = d }
}

// WithTimeout sets the per-probe timeout
func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.config.Timeout = d }
}

// WithMaxRetries sets the failed probes needed to declare a worker dead
func WithMaxRetries(n int) Option {
	return func(m *Monitor) { m.config.MaxRetries = n }
}

// WithBackoff sets the base retry delay
func WithBackoff(d time.Duration) Option {
	return func(m *Monitor) { m.config.Backoff = d }
}

// WithCheckerFactory replaces the default session-list probe
func WithCheckerFactory(f CheckerFactory) Option {
	return func(m *Monitor) { m.newChecker = f }
}

// WithOnDead registers a hook run after a worker is removed, used to release
// the worker's process and device registry entry
func WithOnDead(fn func(w *types.WorkerInstance)) Option {
	return func(m *Monitor) { m.onDead = fn }
}

// WithComponents reports the monitor's state under metrics.ComponentHealthMonitor
func WithComponents(c *metrics.Components) Option {
	return func(m *Monitor) { m.state = c }
}

// AllowFastInterval lifts the interval floor, for tests
func AllowFastInterval() Option {
	return func(m *Monitor) { m.allowFast = true }
}

// NewMonitor creates a monitor over reg. clients builds the runtime client
// used by the default session-list probe.
func NewMonitor(reg *registry.Registry, clients runtime.ClientFactory, opts ...Option) *Monitor {
	m := &Monitor{
		registry: reg,
		config:   DefaultConfig(),
		status:   make(map[string]*Status),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   log.WithComponent("health"),
	}
	m.newChecker = func(w *types.WorkerInstance) Checker {
		return NewSessionChecker(clients(w.ServerURL, w.Directory))
	}
	for _, o := range opts {
		o(m)
	}
	if m.config.Interval < MinInterval && !m.allowFast {
		m.logger.Warn().
			Dur("requested", m.config.Interval).
			Dur("floor", MinInterval).
			Msg("health interval below floor, clamping")
		m.config.Interval = MinInterval
	}
	if m.config.MaxRetries < 1 {
		m.config.MaxRetries = 1
	}
	return m
}

// Config returns the effective configuration
func (m *Monitor) Config() Config {
	return m.config
}

// Start runs the tick loop until Stop or ctx cancellation
func (m *Monitor) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	m.state.Set(metrics.ComponentHealthMonitor, metrics.StateRunning, "")
	go m.loop(ctx)
}

// Stop halts the loop and waits for it and any in-flight tick to exit. Safe
// to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	if m.started.Load() {
		<-m.doneCh
	}
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.doneCh)
	defer m.state.Set(metrics.ComponentHealthMonitor, metrics.StateStopped, "")
	defer m.ticks.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.config.Interval).Msg("health monitor started")

	for {
		select {
		case <-ticker.C:
			// A slow tick must not block the loop; overlapping ticks are
			// dropped by the in-flight guard in CheckOnce.
			m.ticks.Add(1)
			go func() {
				defer m.ticks.Done()
				m.CheckOnce(ctx)
			}()
		case <-ctx.Done():
			m.logger.Info().Msg("health monitor stopped")
			return
		}
	}
}

// CheckOnce probes every ready or busy worker once. It returns the ids of
// workers declared dead, and false if a previous tick was still running.
func (m *Monitor) CheckOnce(ctx context.Context) ([]string, bool) {
	if !m.running.CompareAndSwap(false, true) {
		m.logger.Debug().Msg("previous health tick still running, skipping")
		return nil, false
	}
	defer m.running.Store(false)

	workers := m.registry.Active()
	m.forgetMissing(workers)

	var mu sync.Mutex
	var dead []string

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error {
			if m.probe(gctx, w) {
				mu.Lock()
				dead = append(dead, w.ID())
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return dead, true
}

// Status returns the probe status of a worker
func (m *Monitor) Status(id string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.status[id]
	if !ok {
		return Status{}, false
	}
	return *s, true
}

// probe runs up to MaxRetries attempts and reaps the worker if all fail.
// It reports whether the worker was declared dead.
func (m *Monitor) probe(ctx context.Context, w *types.WorkerInstance) bool {
	checker := m.newChecker(w)
	logger := m.logger.With().Str("worker_id", w.ID()).Logger()

	var last Result
	for attempt := 0; attempt < m.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := m.config.Backoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return false
			}
		}

		pctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
		last = checker.Check(pctx)
		cancel()
		m.record(w.ID(), last)

		if last.Healthy {
			metrics.HealthProbesTotal.WithLabelValues("ok").Inc()
			return false
		}
		if ctx.Err() != nil {
			return false
		}
		metrics.HealthProbesTotal.WithLabelValues("retry").Inc()
		logger.Debug().
			Int("attempt", attempt+1).
			Int("max_retries", m.config.MaxRetries).
			Str("reason", last.Message).
			Msg("health probe failed")
	}

	// The worker may have been stopped or replaced while we were probing.
	current, ok := m.registry.Get(w.ID())
	if !ok || !current.Status.Active() || !current.StartedAt.Equal(w.StartedAt) {
		return false
	}

	reason := fmt.Sprintf("health check failed after %d attempts: %s", m.config.MaxRetries, last.Message)
	m.registry.MarkDead(w.ID(), reason)
	metrics.HealthProbesTotal.WithLabelValues("dead").Inc()
	metrics.WorkersDeadTotal.Inc()
	logger.Warn().Str("reason", last.Message).Msg("worker declared dead")

	m.mu.Lock()
	delete(m.status, w.ID())
	m.mu.Unlock()

	if m.onDead != nil {
		m.onDead(current)
	}
	return true
}

func (m *Monitor) record(id string, r Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.status[id]
	if !ok {
		s = NewStatus()
		m.status[id] = s
	}
	s.Update(r, m.config)
}

func (m *Monitor) forgetMissing(active []*types.WorkerInstance) {
	keep := make(map[string]bool, len(active))
	for _, w := range active {
		keep[w.ID()] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.status {
		if !keep[id] {
			delete(m.status, id)
		}
	}
}
