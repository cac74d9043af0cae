package warmpool

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/metrics"
	"github.com/cuemby/colony/pkg/registry"
	"github.com/cuemby/colony/pkg/types"
)

const defaultInterval = 30 * time.Second

// Entry is one profile the pool keeps warm
type Entry struct {
	ProfileID string
	// Size is the number of idle instances wanted. Only 1 is supported.
	Size int
	// IdleTimeout evicts a ready instance idle for longer. Zero disables
	// eviction.
	IdleTimeout time.Duration
}

// Spawner starts and stops workers
type Spawner interface {
	Spawn(ctx context.Context, profile types.WorkerProfile) (*types.WorkerInstance, error)
	Stop(ctx context.Context, id string, notice bool) bool
}

// Profiles resolves profile ids and the warm pool policy
type Profiles interface {
	Profile(id string) (types.WorkerProfile, bool)
	CanWarmPool(id string) bool
}

// Pool keeps configured profiles spawned and evicts idle ones
type Pool struct {
	registry *registry.Registry
	spawner  Spawner
	profiles Profiles
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	entries  map[string]Entry
	cooldown map[string]time.Time

	running atomic.Bool
	started atomic.Bool
	stopCh  chan struct{}
	stopped sync.Once
	done    chan struct{}

	status *metrics.Components
	logger zerolog.Logger
}

// Option configures a Pool
type Option func(*Pool)

// WithInterval sets the reconcile interval
func WithInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithComponents reports the pool's state under metrics.ComponentWarmPool
func WithComponents(c *metrics.Components) Option {
	return func(p *Pool) { p.status = c }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// New creates a warm pool
func New(reg *registry.Registry, sp Spawner, profiles Profiles, opts ...Option) *Pool {
	p := &Pool{
		registry: reg,
		spawner:  sp,
		profiles: profiles,
		interval: defaultInterval,
		now:      time.Now,
		entries:  make(map[string]Entry),
		cooldown: make(map[string]time.Time),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		logger:   log.WithComponent("warmpool"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Configure replaces the pool entries and reconciles once right away
func (p *Pool) Configure(ctx context.Context, entries []Entry) {
	next := make(map[string]Entry, len(entries))
	for _, e := range entries {
		if e.ProfileID == "" || e.Size <= 0 {
			continue
		}
		if e.Size > 1 {
			p.logger.Warn().
				Str("worker_id", e.ProfileID).
				Int("size", e.Size).
				Msg("warm pool size above 1 is not supported, using 1")
			e.Size = 1
		}
		next[e.ProfileID] = e
	}

	p.mu.Lock()
	p.entries = next
	for id := range p.cooldown {
		if _, ok := next[id]; !ok {
			delete(p.cooldown, id)
		}
	}
	p.mu.Unlock()

	p.Reconcile(ctx)
}

// Entries returns the configured entries ordered by profile id
func (p *Pool) Entries() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.ProfileID, b.ProfileID) })
	return out
}

// CooldownUntil returns when an evicted profile may be respawned
func (p *Pool) CooldownUntil(id string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.cooldown[id]
	return t, ok
}

// Start runs the reconcile loop until Stop or ctx ends
func (p *Pool) Start(ctx context.Context) {
	p.started.Store(true)
	p.status.Set(metrics.ComponentWarmPool, metrics.StateRunning, "")
	go p.run(ctx)
}

// Stop ends the loop. It is safe to call more than once.
func (p *Pool) Stop() {
	p.stopped.Do(func() { close(p.stopCh) })
	if p.started.Load() {
		<-p.done
	}
	p.status.Set(metrics.ComponentWarmPool, metrics.StateStopped, "")
}

func (p *Pool) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Reconcile(ctx)
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Reconcile performs one pass over the entries. A pass that starts while
// another is still running is skipped.
func (p *Pool) Reconcile(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		p.logger.Debug().Msg("reconcile already running, skipping")
		return
	}
	defer p.running.Store(false)

	var g errgroup.Group
	for _, e := range p.Entries() {
		g.Go(func() error {
			p.reconcileEntry(ctx, e)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pool) reconcileEntry(ctx context.Context, e Entry) {
	id := e.ProfileID
	logger := p.logger.With().Str("worker_id", id).Logger()

	if !p.profiles.CanWarmPool(id) {
		logger.Debug().Msg("warm pool disabled by policy")
		return
	}
	now := p.now()

	w, ok := p.registry.Get(id)
	if !ok || w.Status.Terminal() {
		p.mu.Lock()
		until, cooling := p.cooldown[id]
		if cooling && !now.Before(until) {
			delete(p.cooldown, id)
			cooling = false
		}
		p.mu.Unlock()
		if cooling {
			metrics.WarmPoolActionsTotal.WithLabelValues("cooldown").Inc()
			return
		}

		profile, found := p.profiles.Profile(id)
		if !found {
			logger.Warn().Msg("warm pool entry has no profile")
			return
		}
		if _, err := p.spawner.Spawn(ctx, profile); err != nil {
			metrics.WarmPoolActionsTotal.WithLabelValues("failed").Inc()
			logger.Warn().Err(err).Msg("warm pool spawn failed")
			return
		}
		metrics.WarmPoolActionsTotal.WithLabelValues("spawned").Inc()
		logger.Info().Msg("warm pool spawned worker")
		return
	}

	if e.IdleTimeout <= 0 || w.Status != types.WorkerStatusReady {
		return
	}
	idle := now.Sub(w.LastActivity)
	if idle <= e.IdleTimeout {
		return
	}

	p.spawner.Stop(ctx, id, true)
	p.mu.Lock()
	p.cooldown[id] = now.Add(e.IdleTimeout)
	p.mu.Unlock()
	metrics.WarmPoolActionsTotal.WithLabelValues("evicted").Inc()
	logger.Info().Dur("idle", idle).Msg("evicted idle worker")
}
