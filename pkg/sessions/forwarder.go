package sessions

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/metrics"
	"github.com/cuemby/colony/pkg/runtime"
	"github.com/cuemby/colony/pkg/types"
)

const (
	defaultPollInterval     = time.Second
	defaultMaxEventsPerPoll = 20
	defaultBaseBackoff      = time.Second
	defaultMaxBackoff       = 30 * time.Second
	defaultMaxErrors        = 5
	defaultPollTimeout      = 10 * time.Second
	fetchLimit              = 100
	previewLen              = 120
)

// ForwarderConfig tunes the polling loop
type ForwarderConfig struct {
	Interval             time.Duration
	MaxEventsPerPoll     int
	BaseBackoff          time.Duration
	MaxBackoff           time.Duration
	MaxConsecutiveErrors int
	PollTimeout          time.Duration
}

func (c *ForwarderConfig) defaults() {
	if c.Interval <= 0 {
		c.Interval = defaultPollInterval
	}
	if c.MaxEventsPerPoll <= 0 {
		c.MaxEventsPerPoll = defaultMaxEventsPerPoll
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = defaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = defaultMaxErrors
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = defaultPollTimeout
	}
}

// ActivitySink receives what a forwarder observes
type ActivitySink interface {
	RecordActivity(workerID string, a types.SessionActivity)
	SetStatus(workerID string, status types.SessionStatus, errMsg string)
}

// Forwarder mirrors a worker session's messages as activities by polling
type Forwarder struct {
	workerID  string
	sessionID string
	client    runtime.Client
	sink      ActivitySink
	config    ForwarderConfig

	// loop state, owned by the polling goroutine
	lastSeen string
	errors   int

	active   atomic.Bool
	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}

	logger zerolog.Logger
}

func newForwarder(workerID, sessionID string, client runtime.Client, sink ActivitySink, cfg ForwarderConfig) *Forwarder {
	cfg.defaults()
	return &Forwarder{
		workerID:  workerID,
		sessionID: sessionID,
		client:    client,
		sink:      sink,
		config:    cfg,
		done:      make(chan struct{}),
		logger:    log.WithWorkerID(workerID).With().Str("component", "forwarder").Str("session_id", sessionID).Logger(),
	}
}

// StartForwarder begins polling sessionID and returns its handle
func StartForwarder(workerID, sessionID string, client runtime.Client, sink ActivitySink, cfg ForwarderConfig) *Forwarder {
	f := newForwarder(workerID, sessionID, client, sink, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.active.Store(true)
	metrics.ForwardersActive.Inc()
	go f.run(ctx)
	return f
}

// Stop ends polling. It is safe to call more than once and waits for an
// in-flight poll to finish.
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() {
		if f.cancel != nil {
			f.cancel()
		}
	})
	if f.cancel != nil {
		<-f.done
	}
}

// IsActive reports whether the forwarder is still polling
func (f *Forwarder) IsActive() bool {
	return f.active.Load()
}

// Done is closed when polling ends for any reason
func (f *Forwarder) Done() <-chan struct{} {
	return f.done
}

func (f *Forwarder) run(ctx context.Context) {
	defer func() {
		f.active.Store(false)
		metrics.ForwardersActive.Dec()
		close(f.done)
	}()

	delay := f.config.Interval
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		pctx, cancel := context.WithTimeout(ctx, f.config.PollTimeout)
		err := f.poll(pctx)
		cancel()
		if ctx.Err() != nil {
			return
		}

		var stop bool
		delay, stop = f.after(err)
		if stop {
			return
		}
		timer.Reset(delay)
	}
}

// after updates the error state with the outcome of one poll and returns
// the delay before the next one
func (f *Forwarder) after(err error) (time.Duration, bool) {
	if err == nil {
		metrics.ForwarderPollsTotal.WithLabelValues("ok").Inc()
		f.errors = 0
		return f.config.Interval, false
	}

	if runtime.IsTerminal(err) {
		metrics.ForwarderPollsTotal.WithLabelValues("terminal").Inc()
		f.logger.Info().Str("reason", runtime.ErrorText(err)).Msg("session gone, forwarding stopped")
		f.sink.SetStatus(f.workerID, types.SessionStatusClosed, "")
		return 0, true
	}

	metrics.ForwarderPollsTotal.WithLabelValues("error").Inc()
	f.errors++
	if f.errors >= f.config.MaxConsecutiveErrors {
		msg := fmt.Sprintf("event forwarding stopped after %d consecutive errors: %s", f.errors, runtime.ErrorText(err))
		f.logger.Warn().Int("errors", f.errors).Err(err).Msg("forwarder circuit open")
		f.sink.SetStatus(f.workerID, types.SessionStatusError, msg)
		return 0, true
	}

	backoff := f.config.BaseBackoff << (f.errors - 1)
	if backoff > f.config.MaxBackoff || backoff <= 0 {
		backoff = f.config.MaxBackoff
	}
	f.logger.Debug().Int("errors", f.errors).Dur("backoff", backoff).Err(err).Msg("poll failed")
	return backoff, false
}

// poll fetches new messages and records their activities
func (f *Forwarder) poll(ctx context.Context) error {
	msgs, err := f.client.Messages(ctx, f.sessionID, fetchLimit)
	if err != nil {
		return err
	}

	start := 0
	if f.lastSeen != "" {
		for i := range msgs {
			if msgs[i].Info.ID == f.lastSeen {
				start = i + 1
				break
			}
		}
	}
	fresh := msgs[start:]

	// An assistant message still running tools is picked up once it settles.
	if n := len(fresh); n > 0 && fresh[n-1].Info.Role == runtime.RoleAssistant && fresh[n-1].PendingTool() {
		fresh = fresh[:n-1]
	}
	if len(fresh) > f.config.MaxEventsPerPoll {
		fresh = fresh[:f.config.MaxEventsPerPoll]
	}

	for _, m := range fresh {
		for _, a := range activities(m) {
			f.sink.RecordActivity(f.workerID, a)
			if a.Type == types.ActivityError {
				f.sink.SetStatus(f.workerID, types.SessionStatusError, a.Summary)
			}
		}
		f.lastSeen = m.Info.ID
	}
	return nil
}

// activities maps one message to the activities it represents
func activities(m runtime.Message) []types.SessionActivity {
	now := time.Now()
	var out []types.SessionActivity
	add := func(typ types.ActivityType, summary string, details map[string]any) {
		if details == nil {
			details = map[string]any{}
		}
		details["messageId"] = m.Info.ID
		out = append(out, types.SessionActivity{Type: typ, Timestamp: now, Summary: summary, Details: details})
	}

	for _, p := range m.Parts {
		switch p.Type {
		case runtime.PartToolInvocation:
			add(types.ActivityTool, "tool: "+p.Tool, map[string]any{"tool": p.Tool, "state": p.State})
		case runtime.PartText:
			if text := preview(p.Text); text != "" {
				add(types.ActivityMessage, text, map[string]any{"role": m.Info.Role})
			}
		case runtime.PartError:
			add(types.ActivityError, preview(p.Error+" "+p.Text), nil)
		case runtime.PartReasoning:
			add(types.ActivityProgress, preview(p.Text), nil)
		}
	}
	if m.Info.Error != nil {
		add(types.ActivityError, preview(runtime.ErrorText(m.Info.Error)), nil)
	}
	if m.Info.Role == runtime.RoleAssistant && !m.PendingTool() {
		add(types.ActivityComplete, "response complete", nil)
	}
	return out
}
