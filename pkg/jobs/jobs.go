package jobs

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/colony/pkg/events"
	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/metrics"
	"github.com/cuemby/colony/pkg/types"
)

// ErrNotFound is returned for unknown job ids
var ErrNotFound = errors.New("job not found")

const (
	defaultRetention = 200
	archiveTimeout   = 5 * time.Second
)

// Filter narrows List results
type Filter struct {
	WorkerID string
	Status   types.JobStatus
	// Limit caps the number of jobs returned. Zero means no limit.
	Limit int
}

func (f Filter) match(j *types.WorkerJob) bool {
	if f.WorkerID != "" && j.WorkerID != f.WorkerID {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	return true
}

type entry struct {
	job  *types.WorkerJob
	done chan struct{}
}

// Registry tracks asynchronous jobs. A job completes exactly once; later
// completions are ignored.
type Registry struct {
	mu        sync.Mutex
	jobs      map[string]*entry
	completed []string // completion order, oldest first

	retention int
	archive   Archive
	broker    *events.Broker
	logger    zerolog.Logger
}

// Option configures a Registry
type Option func(*Registry)

// WithRetention sets how many completed jobs are kept in memory
func WithRetention(n int) Option {
	return func(r *Registry) { r.retention = n }
}

// WithArchive stores every completed job in a
func WithArchive(a Archive) Option {
	return func(r *Registry) { r.archive = a }
}

// New creates a job registry. broker may be nil.
func New(broker *events.Broker, opts ...Option) *Registry {
	r := &Registry{
		jobs:      make(map[string]*entry),
		retention: defaultRetention,
		broker:    broker,
		logger:    log.WithComponent("jobs"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a pending job
func (r *Registry) Create(workerID, message, sessionID, requestedBy string) *types.WorkerJob {
	job := &types.WorkerJob{
		ID:          "job_" + uuid.NewString(),
		WorkerID:    workerID,
		Message:     message,
		SessionID:   sessionID,
		RequestedBy: requestedBy,
		Status:      types.JobStatusPending,
		CreatedAt:   time.Now(),
	}

	r.mu.Lock()
	r.jobs[job.ID] = &entry{job: job, done: make(chan struct{})}
	pending := r.pendingLocked()
	r.mu.Unlock()

	metrics.JobsTotal.WithLabelValues(string(types.JobStatusPending)).Inc()
	metrics.JobsPending.Set(float64(pending))
	r.emit(events.EventJobCreated, job, nil)
	r.logger.Debug().Str("job_id", job.ID).Str("worker_id", workerID).Msg("job created")
	return clone(job)
}

// Get returns a job, consulting the archive for jobs no longer in memory
func (r *Registry) Get(id string) (*types.WorkerJob, bool) {
	r.mu.Lock()
	e, ok := r.jobs[id]
	var job *types.WorkerJob
	if ok {
		job = clone(e.job)
	}
	r.mu.Unlock()
	if ok {
		return job, true
	}
	if r.archive == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	job, err := r.archive.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.logger.Warn().Err(err).Str("job_id", id).Msg("archive lookup failed")
		}
		return nil, false
	}
	return job, true
}

// List returns jobs newest first. Archived jobs fill in for jobs evicted
// from memory.
func (r *Registry) List(f Filter) []*types.WorkerJob {
	r.mu.Lock()
	out := make([]*types.WorkerJob, 0, len(r.jobs))
	seen := make(map[string]bool, len(r.jobs))
	for id, e := range r.jobs {
		seen[id] = true
		if f.match(e.job) {
			out = append(out, clone(e.job))
		}
	}
	r.mu.Unlock()

	if r.archive != nil && (f.Limit <= 0 || len(out) < f.Limit) {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		af := Filter{WorkerID: f.WorkerID, Status: f.Status}
		if f.Limit > 0 {
			af.Limit = f.Limit + len(seen)
		}
		archived, err := r.archive.List(ctx, af)
		cancel()
		if err != nil {
			r.logger.Warn().Err(err).Msg("archive list failed")
		}
		for _, j := range archived {
			if !seen[j.ID] {
				seen[j.ID] = true
				out = append(out, j)
			}
		}
	}

	slices.SortFunc(out, func(a, b *types.WorkerJob) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Await blocks until the job completes, ctx ends or timeout elapses. On
// timeout it returns the job as it currently is with timedOut set.
func (r *Registry) Await(ctx context.Context, id string, timeout time.Duration) (job *types.WorkerJob, timedOut bool, err error) {
	r.mu.Lock()
	e, ok := r.jobs[id]
	r.mu.Unlock()
	if !ok {
		if j, found := r.Get(id); found {
			return j, false, nil
		}
		return nil, false, ErrNotFound
	}

	var timeoutC <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timeoutC = t.C
	}

	select {
	case <-e.done:
	case <-timeoutC:
		timedOut = true
	case <-ctx.Done():
		timedOut = true
		err = ctx.Err()
	}

	r.mu.Lock()
	job = clone(e.job)
	r.mu.Unlock()
	if job.Done() {
		return job, false, nil
	}
	return job, timedOut, err
}

// SetResult completes a job successfully. It reports whether the job was
// pending.
func (r *Registry) SetResult(id, response string, report *types.JobReport) bool {
	return r.complete(id, types.JobStatusSucceeded, response, "", report)
}

// SetError completes a job with an error. It reports whether the job was
// pending.
func (r *Registry) SetError(id, errMsg string, report *types.JobReport) bool {
	return r.complete(id, types.JobStatusFailed, "", errMsg, report)
}

// AttachReport sets the structured report of a job, pending or not
func (r *Registry) AttachReport(id string, report *types.JobReport) bool {
	if report == nil {
		return false
	}
	r.mu.Lock()
	e, ok := r.jobs[id]
	if ok {
		rep := *report
		e.job.Report = &rep
	}
	var snapshot *types.WorkerJob
	if ok && e.job.Done() {
		snapshot = clone(e.job)
	}
	r.mu.Unlock()

	if snapshot != nil {
		r.save(snapshot)
	}
	return ok
}

// Pending returns the number of jobs not yet completed
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingLocked()
}

// Close closes the archive
func (r *Registry) Close() error {
	if r.archive == nil {
		return nil
	}
	return r.archive.Close()
}

func (r *Registry) complete(id string, status types.JobStatus, result, errMsg string, report *types.JobReport) bool {
	r.mu.Lock()
	e, ok := r.jobs[id]
	if !ok || e.job.Done() {
		r.mu.Unlock()
		return false
	}
	now := time.Now()
	e.job.Status = status
	e.job.Result = result
	e.job.Error = errMsg
	e.job.CompletedAt = now
	e.job.Duration = now.Sub(e.job.CreatedAt)
	if report != nil {
		rep := *report
		e.job.Report = &rep
	}
	close(e.done)
	snapshot := clone(e.job)

	r.completed = append(r.completed, id)
	for len(r.completed) > r.retention && r.retention > 0 {
		delete(r.jobs, r.completed[0])
		r.completed = r.completed[1:]
	}
	pending := r.pendingLocked()
	r.mu.Unlock()

	metrics.JobsTotal.WithLabelValues(string(status)).Inc()
	metrics.JobsPending.Set(float64(pending))
	r.save(snapshot)

	typ := events.EventJobSucceeded
	meta := map[string]string{"job_id": id}
	if status == types.JobStatusFailed {
		typ = events.EventJobFailed
		meta["error"] = errMsg
	}
	r.emit(typ, snapshot, meta)
	r.logger.Debug().
		Str("job_id", id).
		Str("status", string(status)).
		Dur("duration", snapshot.Duration).
		Msg("job completed")
	return true
}

func (r *Registry) save(job *types.WorkerJob) {
	if r.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := r.archive.Save(ctx, job); err != nil {
		r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("archive job")
	}
}

func (r *Registry) emit(typ events.EventType, job *types.WorkerJob, meta map[string]string) {
	if r.broker == nil {
		return
	}
	if meta == nil {
		meta = map[string]string{"job_id": job.ID}
	}
	r.broker.Emit(typ, job.WorkerID, Preview(job), meta)
}

func (r *Registry) pendingLocked() int {
	n := 0
	for _, e := range r.jobs {
		if !e.job.Done() {
			n++
		}
	}
	return n
}

func clone(j *types.WorkerJob) *types.WorkerJob {
	c := *j
	if j.Report != nil {
		rep := *j.Report
		c.Report = &rep
	}
	return &c
}

// Preview is a one-line description of a job for event streams
func Preview(j *types.WorkerJob) string {
	msg := strings.Join(strings.Fields(j.Message), " ")
	if r := []rune(msg); len(r) > 80 {
		msg = string(r[:77]) + "..."
	}
	return msg
}
