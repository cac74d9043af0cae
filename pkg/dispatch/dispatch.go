package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/metrics"
	"github.com/cuemby/colony/pkg/registry"
	"github.com/cuemby/colony/pkg/runtime"
	"github.com/cuemby/colony/pkg/types"
)

var (
	// ErrWorkerNotFound is returned when no worker has the requested id
	ErrWorkerNotFound = errors.New("worker not found")
	// ErrNotReady is returned when the worker is unusable or never became ready
	ErrNotReady = errors.New("worker not ready")
	// ErrAttachmentDenied is returned when an attachment breaks a sandbox rule
	ErrAttachmentDenied = errors.New("attachment denied")
	// ErrEmptyResponse is returned when no extraction stage found any text
	ErrEmptyResponse = errors.New("empty response")
)

const (
	defaultTimeout    = 10 * time.Minute
	defaultReadyWait  = 5 * time.Minute
	defaultPreviewLen = 140
)

// Options tune a single send
type Options struct {
	Attachments []types.Attachment
	// Timeout bounds the request. Waiting for a starting worker is bounded by
	// the smaller of Timeout and the configured ready wait.
	Timeout time.Duration
	JobID   string
	From    string
}

// Result is the outcome of a send
type Result struct {
	Success  bool          `json:"success"`
	Response string        `json:"response,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	// PartTypes lists the part types the worker replied with
	PartTypes []string `json:"partTypes,omitempty"`
}

// BeforeSendHook may rewrite a message before it is sent. A hook error is
// recorded as a warning and the original message is sent.
type BeforeSendHook func(ctx context.Context, w *types.WorkerInstance, message string) (string, error)

// Config holds dispatcher settings
type Config struct {
	Timeout         time.Duration
	MaxReadyWait    time.Duration
	PreviewLen      int
	RefetchAttempts int
	RefetchBackoff  time.Duration
	PollWindow      time.Duration
	PollInterval    time.Duration
	Sandbox         SandboxConfig
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxReadyWait <= 0 {
		c.MaxReadyWait = defaultReadyWait
	}
	if c.PreviewLen <= 0 {
		c.PreviewLen = defaultPreviewLen
	}
	if c.RefetchAttempts <= 0 {
		c.RefetchAttempts = defaultRefetch
	}
	if c.RefetchBackoff <= 0 {
		c.RefetchBackoff = defaultBackoff
	}
	if c.PollWindow <= 0 || c.PollWindow > maxPollWindow {
		c.PollWindow = maxPollWindow
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollTick
	}
}

// Dispatcher sends messages to ready workers and extracts their replies.
// Sends to the same worker are not serialized.
type Dispatcher struct {
	registry *registry.Registry
	clients  runtime.ClientFactory
	sandbox  *Sandbox
	config   Config

	mu   sync.RWMutex
	hook BeforeSendHook

	logger zerolog.Logger
}

// New creates a Dispatcher
func New(reg *registry.Registry, clients runtime.ClientFactory, cfg Config) *Dispatcher {
	cfg.defaults()
	if clients == nil {
		clients = runtime.NewClient
	}
	return &Dispatcher{
		registry: reg,
		clients:  clients,
		sandbox:  NewSandbox(cfg.Sandbox),
		config:   cfg,
		logger:   log.WithComponent("dispatch"),
	}
}

// SetBeforeSend installs the pre-send hook. nil removes it.
func (d *Dispatcher) SetBeforeSend(h BeforeSendHook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hook = h
}

// Send delivers message to the worker and returns its reply. Whatever the
// outcome, a worker that was ready before the call is ready after it; a
// failure is stored as the worker's warning.
func (d *Dispatcher) Send(ctx context.Context, workerID, message string, opts Options) (*Result, error) {
	timer := metrics.NewTimer()
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = d.config.Timeout
	}

	w, err := d.awaitReady(ctx, workerID, timeout)
	if err != nil {
		metrics.SendsTotal.WithLabelValues("rejected").Inc()
		return &Result{Error: err.Error(), Duration: timer.Duration()}, err
	}

	logger := d.logger.With().Str("worker_id", workerID).Str("job_id", opts.JobID).Logger()
	preview := Preview(message, d.config.PreviewLen)
	d.registry.UpdateStatus(workerID, types.WorkerStatusBusy, "")
	d.registry.Mutate(workerID, func(w *types.WorkerInstance) {
		w.CurrentTask = preview
		w.LastActivity = time.Now()
	})

	var warnings []string
	response, res, err := d.send(ctx, w, message, opts, timeout, &warnings, logger)
	res.Duration = timer.Duration()

	d.finish(workerID, opts.JobID, response, res.Duration, err, warnings)
	timer.ObserveDuration(metrics.SendDuration)

	if err != nil {
		metrics.SendsTotal.WithLabelValues("failed").Inc()
		res.Error = err.Error()
		logger.Warn().Err(err).Dur("duration", res.Duration).Msg("send failed")
		return res, err
	}
	metrics.SendsTotal.WithLabelValues("succeeded").Inc()
	res.Success = true
	res.Response = response
	logger.Debug().Dur("duration", res.Duration).Int("response_len", len(response)).Msg("send completed")
	return res, nil
}

// awaitReady checks the worker can take a message, waiting for a starting
// worker to come up
func (d *Dispatcher) awaitReady(ctx context.Context, id string, timeout time.Duration) (*types.WorkerInstance, error) {
	w, ok := d.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrWorkerNotFound, id)
	}
	if w.Status.Terminal() {
		if w.Error != "" {
			return nil, fmt.Errorf("%w: worker %q is %s: %s", ErrNotReady, id, w.Status, w.Error)
		}
		return nil, fmt.Errorf("%w: worker %q is %s", ErrNotReady, id, w.Status)
	}
	if w.Status != types.WorkerStatusStarting {
		return w, nil
	}

	wait := min(timeout, d.config.MaxReadyWait)
	if !d.registry.WaitForStatus(ctx, id, types.WorkerStatusReady, wait) {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("worker %q: waiting for ready: %w", id, err)
		}
		return nil, fmt.Errorf("%w: worker %q did not become ready within %s", ErrNotReady, id, wait)
	}
	w, ok = d.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrWorkerNotFound, id)
	}
	return w, nil
}

func (d *Dispatcher) send(ctx context.Context, w *types.WorkerInstance, message string, opts Options, timeout time.Duration, warnings *[]string, logger zerolog.Logger) (string, *Result, error) {
	res := &Result{}
	id := w.ID()

	d.mu.RLock()
	hook := d.hook
	d.mu.RUnlock()
	if hook != nil {
		if rewritten, err := hook(ctx, w, message); err != nil {
			*warnings = append(*warnings, "before-send hook: "+err.Error())
			logger.Warn().Err(err).Msg("before-send hook failed")
		} else if rewritten != "" {
			message = rewritten
		}
	}

	atts, cleanup, err := d.sandbox.Prepare(id, w.Directory, opts.Attachments)
	defer cleanup()
	if err != nil {
		return "", res, fmt.Errorf("worker %q: %w", id, err)
	}

	req := buildPrompt(message, opts, atts)
	req.Model = w.Model

	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := d.clients(w.ServerURL, w.Directory)
	e := &extraction{
		client:    client,
		sessionID: w.SessionID,
		sentAt:    time.Now(),
		seen:      make(map[string]bool),
	}

	var reply *runtime.Message
	if st, ok := client.(runtime.Streamer); ok {
		var chunks strings.Builder
		reply, err = st.PromptStream(sctx, w.SessionID, req, func(s string) { chunks.WriteString(s) })
		e.streamed = chunks.String()
	} else {
		reply, err = client.Prompt(sctx, w.SessionID, req)
	}
	if err != nil {
		if errors.Is(sctx.Err(), context.DeadlineExceeded) || (runtime.IsTimeout(err) && ctx.Err() == nil) {
			return "", res, fmt.Errorf("worker %q prompt timed out after %s", id, timeout)
		}
		return "", res, fmt.Errorf("worker %q prompt: %s", id, runtime.ErrorText(err))
	}
	if reply != nil && reply.Info.Error != nil {
		return "", res, fmt.Errorf("worker %q: %s", id, runtime.ErrorText(reply.Info.Error))
	}

	e.reply = reply
	text, stage := d.extract(sctx, e)
	observeStage(stage)
	res.PartTypes = e.partTypes()
	if text == "" {
		seen := "none"
		if len(res.PartTypes) > 0 {
			seen = strings.Join(res.PartTypes, ", ")
		}
		return "", res, fmt.Errorf("worker %q: %w (part types seen: %s); check the model and provider configuration", id, ErrEmptyResponse, seen)
	}
	if stage != StageText {
		logger.Debug().Str("stage", stage).Msg("response recovered by fallback extraction")
	}
	return text, res, nil
}

// finish returns the worker to ready and records the outcome. A worker that
// was stopped or reaped during the send is left alone.
func (d *Dispatcher) finish(id, jobID, response string, took time.Duration, sendErr error, warnings []string) {
	now := time.Now()
	d.registry.Mutate(id, func(w *types.WorkerInstance) {
		w.CurrentTask = ""
		w.LastActivity = now
		if sendErr != nil {
			w.Warning = sendErr.Error()
			return
		}
		w.LastResult = &types.LastResult{At: now, JobID: jobID, Response: response, Duration: took}
		w.Warning = strings.Join(warnings, "; ")
		if !w.Forwarding {
			w.MessageCount++
		}
	})
	if w, ok := d.registry.Get(id); ok && w.Status == types.WorkerStatusBusy {
		d.registry.UpdateStatus(id, types.WorkerStatusReady, "")
	}
}
