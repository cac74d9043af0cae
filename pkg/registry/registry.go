package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/colony/pkg/events"
	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/types"
)

// ErrNotFound is returned by lookups for unknown worker ids
var ErrNotFound = errors.New("worker not found")

// Event names emitted to registry observers
type Event string

const (
	EventSpawn   Event = "spawn"
	EventReady   Event = "ready"
	EventBusy    Event = "busy"
	EventError   Event = "error"
	EventStop    Event = "stop"
	EventUpdate  Event = "update"
	EventDead    Event = "dead"
	EventStopped Event = "stopped"
)

// Capability tags understood by ByCapability
const (
	CapabilityVision = "vision"
	CapabilityWeb    = "web"
)

// Observer is invoked synchronously with a snapshot of the affected instance
type Observer func(inst *types.WorkerInstance)

type observer struct {
	id uint64
	fn Observer
}

type notification struct {
	event Event
	inst  *types.WorkerInstance
}

// Registry is the single source of truth for worker instances.
//
// Mutations on unknown ids are silent no-ops. Notifications are queued under
// the registry lock and delivered in mutation order, so observers of one id
// never see its transitions out of order. Observers may call back into the
// registry; nested notifications are delivered after the current one.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*types.WorkerInstance

	obsMu     sync.RWMutex
	observers map[Event][]observer
	nextObs   uint64

	qmu      sync.Mutex
	queue    []notification
	draining bool

	broker *events.Broker
	logger zerolog.Logger
}

// New creates an empty registry. broker may be nil.
func New(broker *events.Broker) *Registry {
	return &Registry{
		workers:   make(map[string]*types.WorkerInstance),
		observers: make(map[Event][]observer),
		broker:    broker,
		logger:    log.WithComponent("registry"),
	}
}

// Register inserts inst under its profile id, replacing any previous entry,
// and emits spawn then update.
func (r *Registry) Register(inst *types.WorkerInstance) {
	if inst == nil || inst.ID() == "" {
		return
	}
	stored := inst.Clone()

	r.mu.Lock()
	r.workers[stored.ID()] = stored
	snap := stored.Clone()
	r.enqueue(notification{EventSpawn, snap}, notification{EventUpdate, snap})
	r.mu.Unlock()

	r.flush()
}

// UpdateStatus sets the status (and error message, when non-empty) of a
// worker, emitting the status-named event followed by update.
func (r *Registry) UpdateStatus(id string, status types.WorkerStatus, errMsg string) {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	w.Status = status
	if errMsg != "" {
		w.Error = errMsg
	} else if status == types.WorkerStatusReady {
		w.Error = ""
	}
	snap := w.Clone()
	if ev, named := statusEvent(status); named {
		r.enqueue(notification{ev, snap})
	}
	r.enqueue(notification{EventUpdate, snap})
	r.mu.Unlock()

	r.flush()
}

// Mutate applies fn to the stored instance under the registry lock and emits
// update. fn must not change Status; use UpdateStatus for transitions.
// It reports whether the id was known.
func (r *Registry) Mutate(id string, fn func(w *types.WorkerInstance)) bool {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	status := w.Status
	profileID := w.Profile.ID
	fn(w)
	w.Status = status
	w.Profile.ID = profileID
	r.enqueue(notification{EventUpdate, w.Clone()})
	r.mu.Unlock()

	r.flush()
	return true
}

// Unregister removes a worker and emits stop
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.workers, id)
	r.enqueue(notification{EventStop, w.Clone()})
	r.mu.Unlock()

	r.flush()
}

// MarkDead transitions a worker to dead and removes it from the registry
func (r *Registry) MarkDead(id, reason string) {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	w.Status = types.WorkerStatusDead
	if reason != "" {
		w.Error = reason
	}
	delete(r.workers, id)
	snap := w.Clone()
	r.enqueue(
		notification{EventDead, snap},
		notification{EventUpdate, snap},
		notification{EventStop, snap},
	)
	r.mu.Unlock()

	r.flush()
}

// Subscribe registers fn for the named event and returns a function that
// removes it.
func (r *Registry) Subscribe(event Event, fn Observer) func() {
	r.obsMu.Lock()
	r.nextObs++
	id := r.nextObs
	r.observers[event] = append(r.observers[event], observer{id: id, fn: fn})
	r.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.obsMu.Lock()
			defer r.obsMu.Unlock()
			list := r.observers[event]
			for i, o := range list {
				if o.id == id {
					r.observers[event] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

// WaitForStatus blocks until the worker reaches status, the timeout elapses
// or ctx is done. It returns true immediately if the worker is already there.
func (r *Registry) WaitForStatus(ctx context.Context, id string, status types.WorkerStatus, timeout time.Duration) bool {
	matched := make(chan struct{})
	var once sync.Once
	unsubscribe := r.Subscribe(EventUpdate, func(inst *types.WorkerInstance) {
		if inst.ID() == id && inst.Status == status {
			once.Do(func() { close(matched) })
		}
	})
	defer unsubscribe()

	if w, ok := r.Get(id); ok && w.Status == status {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-matched:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Get returns a snapshot of the worker with the given id
func (r *Registry) Get(id string) (*types.WorkerInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return nil, false
	}
	return w.Clone(), true
}

// List returns snapshots of all workers ordered by id
func (r *Registry) List() []*types.WorkerInstance {
	return r.filter(func(*types.WorkerInstance) bool { return true })
}

// ByStatus returns workers currently in status
func (r *Registry) ByStatus(status types.WorkerStatus) []*types.WorkerInstance {
	return r.filter(func(w *types.WorkerInstance) bool { return w.Status == status })
}

// Active returns workers that are ready or busy
func (r *Registry) Active() []*types.WorkerInstance {
	return r.filter(func(w *types.WorkerInstance) bool { return w.Status.Active() })
}

// ByCapability returns workers whose profile advertises tag
func (r *Registry) ByCapability(tag string) []*types.WorkerInstance {
	return r.filter(func(w *types.WorkerInstance) bool { return HasCapability(w.Profile, tag) })
}

// Len returns the number of registered workers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// HasCapability reports whether a profile advertises the capability tag
func HasCapability(p types.WorkerProfile, tag string) bool {
	switch strings.ToLower(tag) {
	case CapabilityVision:
		return p.SupportsVision
	case CapabilityWeb:
		return p.SupportsWeb
	}
	return false
}

// Summary renders a table of workers capped at maxWorkers rows. A
// non-positive maxWorkers shows every worker.
func (r *Registry) Summary(maxWorkers int) string {
	workers := r.List()
	if len(workers) == 0 {
		return "No workers running."
	}

	shown := workers
	if maxWorkers > 0 && len(workers) > maxWorkers {
		shown = workers[:maxWorkers]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-9s %-6s %-28s %s\n", "WORKER", "STATUS", "PORT", "MODEL", "TASK")
	for _, w := range shown {
		task := w.CurrentTask
		if task == "" {
			task = "-"
		}
		model := w.Model
		if model == "" {
			model = w.Profile.Model
		}
		fmt.Fprintf(&b, "%-20s %-9s %-6d %-28s %s\n", w.ID(), w.Status, w.Port, model, task)
	}
	if len(shown) < len(workers) {
		fmt.Fprintf(&b, "(showing %d of %d)\n", len(shown), len(workers))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Registry) filter(keep func(*types.WorkerInstance) bool) []*types.WorkerInstance {
	r.mu.RLock()
	out := make([]*types.WorkerInstance, 0, len(r.workers))
	for _, w := range r.workers {
		if keep(w) {
			out = append(out, w.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func statusEvent(status types.WorkerStatus) (Event, bool) {
	switch status {
	case types.WorkerStatusReady:
		return EventReady, true
	case types.WorkerStatusBusy:
		return EventBusy, true
	case types.WorkerStatusError:
		return EventError, true
	case types.WorkerStatusStopped:
		return EventStopped, true
	case types.WorkerStatusDead:
		return EventDead, true
	}
	return "", false
}

// enqueue must be called with r.mu held so queue order matches mutation order
func (r *Registry) enqueue(ns ...notification) {
	r.qmu.Lock()
	r.queue = append(r.queue, ns...)
	r.qmu.Unlock()
}

func (r *Registry) flush() {
	r.qmu.Lock()
	if r.draining {
		r.qmu.Unlock()
		return
	}
	r.draining = true
	for len(r.queue) > 0 {
		n := r.queue[0]
		r.queue[0] = notification{}
		r.queue = r.queue[1:]
		r.qmu.Unlock()

		r.deliver(n)

		r.qmu.Lock()
	}
	r.queue = nil
	r.draining = false
	r.qmu.Unlock()
}

func (r *Registry) deliver(n notification) {
	r.obsMu.RLock()
	list := append([]observer(nil), r.observers[n.event]...)
	r.obsMu.RUnlock()

	for _, o := range list {
		r.call(o.fn, n)
	}
	r.mirror(n)
}

func (r *Registry) call(fn Observer, n notification) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Interface("panic", rec).
				Str("event", string(n.event)).
				Str("worker_id", n.inst.ID()).
				Msg("registry observer panicked")
		}
	}()
	fn(n.inst.Clone())
}

func (r *Registry) mirror(n notification) {
	if r.broker == nil {
		return
	}
	var typ events.EventType
	switch n.event {
	case EventSpawn:
		typ = events.EventWorkerSpawned
	case EventReady:
		typ = events.EventWorkerReady
	case EventBusy:
		typ = events.EventWorkerBusy
	case EventError:
		typ = events.EventWorkerError
	case EventStopped:
		typ = events.EventWorkerStopped
	case EventDead:
		typ = events.EventWorkerDead
	case EventStop:
		typ = events.EventWorkerRemoved
	default:
		return
	}
	meta := map[string]string{"status": string(n.inst.Status)}
	if n.inst.ServerURL != "" {
		meta["server_url"] = n.inst.ServerURL
	}
	r.broker.Emit(typ, n.inst.ID(), n.inst.Error, meta)
}
