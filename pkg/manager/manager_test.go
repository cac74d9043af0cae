package manager

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/colony/pkg/dispatch"
	"github.com/cuemby/colony/pkg/metrics"
	"github.com/cuemby/colony/pkg/profiles"
	"github.com/cuemby/colony/pkg/runtime"
	"github.com/cuemby/colony/pkg/runtime/runtimetest"
	"github.com/cuemby/colony/pkg/storage"
	"github.com/cuemby/colony/pkg/types"
)

const testProfiles = `
policy:
  alpha:
    auto_spawn: true
  beta:
    warm_pool: true
  locked:
    on_demand: false
    manual: false
profiles:
  - id: alpha
    model: provider/model-a
  - id: beta
    model: provider/model-a
  - id: gamma
    model: provider/model-a
  - id: locked
    model: provider/model-a
`

const reportReply = "All done.\n\n```json\n{\"summary\": \"fixed the bug\", \"filesChanged\": [\"main.go\"]}\n```"

type harness struct {
	m       *Manager
	store   *profiles.Store
	backend *runtimetest.Backend
	client  *runtimetest.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg, err := profiles.Parse([]byte(testProfiles))
	require.NoError(t, err)
	store, err := profiles.NewStore(cfg)
	require.NoError(t, err)

	h := &harness{
		store:   store,
		backend: runtimetest.NewBackend(),
		client:  runtimetest.NewClient(),
	}
	h.client.OnPrompt = func(_ context.Context, _ string, req runtime.PromptRequest) (*runtime.Message, error) {
		msg := &runtime.Message{Info: runtime.MessageInfo{Role: runtime.RoleAssistant}}
		if !req.NoReply {
			msg.Parts = []runtime.Part{{Type: runtime.PartText, Text: reportReply}}
		}
		return msg, nil
	}

	h.m, err = NewManager(Config{
		DataDir:       t.TempDir(),
		Directory:     t.TempDir(),
		Backend:       h.backend,
		Clients:       h.client.Factory(),
		Devices:       storage.NewMemoryStore(),
		ShutdownGrace: time.Second,
	}, store)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.m.Shutdown(context.Background()) })
	return h
}

func TestNewManagerValidation(t *testing.T) {
	store, err := profiles.NewStore(profiles.Config{})
	require.NoError(t, err)

	_, err = NewManager(Config{DataDir: t.TempDir()}, nil)
	assert.Error(t, err)

	_, err = NewManager(Config{}, store)
	assert.Error(t, err)

	_, err = NewManager(Config{DataDir: t.TempDir(), Devices: storage.NewMemoryStore()}, store)
	assert.ErrorContains(t, err, "runtime command")
}

func TestStartSpawnsAutoAndWarmProfiles(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Start(context.Background()))

	alpha, ok := h.m.GetWorker("alpha")
	require.True(t, ok)
	assert.Equal(t, types.WorkerStatusReady, alpha.Status)

	beta, ok := h.m.GetWorker("beta")
	require.True(t, ok)
	assert.Equal(t, types.WorkerStatusReady, beta.Status)

	_, ok = h.m.GetWorker("gamma")
	assert.False(t, ok)
	assert.Len(t, h.m.ListWorkers(), 2)
	assert.EqualValues(t, 2, h.backend.Starts.Load())
}

func TestProfileReloadReconfiguresPool(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Start(context.Background()))

	cfg, err := profiles.Parse([]byte(testProfiles))
	require.NoError(t, err)
	yes := true
	cfg.Policy["gamma"] = profiles.Policy{WarmPool: &yes}
	require.NoError(t, h.store.Replace(cfg))

	w, ok := h.m.GetWorker("gamma")
	require.True(t, ok)
	assert.Equal(t, types.WorkerStatusReady, w.Status)
}

func TestSpawnByIDPolicy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.m.SpawnByID(ctx, "nope", IntentManual)
	assert.True(t, errors.Is(err, profiles.ErrUnknownProfile))

	_, err = h.m.SpawnByID(ctx, "locked", IntentManual)
	assert.True(t, errors.Is(err, ErrSpawnDenied))
	_, err = h.m.SpawnByID(ctx, "locked", IntentOnDemand)
	assert.True(t, errors.Is(err, ErrSpawnDenied))
	_, err = h.m.SpawnByID(ctx, "gamma", IntentAuto)
	assert.True(t, errors.Is(err, ErrSpawnDenied))

	w, err := h.m.SpawnByID(ctx, "gamma", IntentManual)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusReady, w.Status)

	_, ok := h.m.GetWorker("locked")
	assert.False(t, ok)
}

func TestEnsureAndSend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w, err := h.m.Ensure(ctx, "gamma")
	require.NoError(t, err)
	again, err := h.m.Ensure(ctx, "gamma")
	require.NoError(t, err)
	assert.Equal(t, w.SessionID, again.SessionID)
	assert.EqualValues(t, 1, h.backend.Starts.Load())

	res, err := h.m.Send(ctx, "gamma", "fix it", dispatch.Options{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, reportReply, res.Response)

	assert.Contains(t, h.m.GetSummary(0), "gamma")
}

func TestSendAsyncCompletesJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.m.Ensure(ctx, "gamma")
	require.NoError(t, err)

	job, err := h.m.SendAsync("gamma", "fix it", dispatch.Options{}, "tester")
	require.NoError(t, err)
	assert.Equal(t, "tester", job.RequestedBy)

	done, timedOut, err := h.m.Jobs().Await(ctx, job.ID, 5*time.Second)
	require.NoError(t, err)
	require.False(t, timedOut)
	assert.Equal(t, types.JobStatusSucceeded, done.Status)
	require.NotNil(t, done.Report)
	assert.Equal(t, "fixed the bug", done.Report.Summary)
	assert.Equal(t, []string{"main.go"}, done.Report.FilesChanged)

	w, _ := h.m.GetWorker("gamma")
	require.NotNil(t, w.LastResult)
	assert.Equal(t, job.ID, w.LastResult.JobID)
}

func TestSendAsyncFailureFailsJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.m.Ensure(ctx, "gamma")
	require.NoError(t, err)

	h.client.OnPrompt = func(context.Context, string, runtime.PromptRequest) (*runtime.Message, error) {
		return nil, errors.New("provider exploded")
	}
	job, err := h.m.SendAsync("gamma", "fix it", dispatch.Options{}, "")
	require.NoError(t, err)

	done, _, err := h.m.Jobs().Await(ctx, job.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, done.Status)
	assert.Contains(t, done.Error, "provider exploded")

	_, err = h.m.SendAsync("missing", "hi", dispatch.Options{}, "")
	assert.True(t, errors.Is(err, dispatch.ErrWorkerNotFound))
}

func TestStopWorker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.m.Ensure(ctx, "gamma")
	require.NoError(t, err)

	assert.True(t, h.m.StopWorker(ctx, "gamma"))
	assert.False(t, h.m.StopWorker(ctx, "gamma"))
	_, ok := h.m.GetWorker("gamma")
	assert.False(t, ok)
	assert.Equal(t, 1, h.backend.Closed("gamma"))
}

func TestShutdownNotifiesThenStops(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Start(context.Background()))
	require.Len(t, h.m.ListWorkers(), 2)

	require.NoError(t, h.m.Shutdown(context.Background()))
	require.NoError(t, h.m.Shutdown(context.Background()))

	assert.Empty(t, h.m.ListWorkers())
	assert.Equal(t, 1, h.backend.Closed("alpha"))
	assert.Equal(t, 1, h.backend.Closed("beta"))

	var notices int
	for _, p := range h.client.Prompts() {
		for _, part := range p.Parts {
			if strings.Contains(part.Text, "shutting down") {
				notices++
			}
		}
	}
	assert.Equal(t, 2, notices)
}

func TestMetricsSource(t *testing.T) {
	h := newHarness(t)
	h.m.Jobs().Create("gamma", "queued", "", "")
	assert.Equal(t, 1, h.m.PendingJobs())
	assert.Zero(t, h.m.DroppedEvents())
}

func TestComponentStatesFollowLifecycle(t *testing.T) {
	h := newHarness(t)
	comps := h.m.Components()

	assert.Equal(t, "not_ready", comps.Readiness().Status)
	state, _ := comps.State(metrics.ComponentRegistry)
	assert.Equal(t, metrics.StateStarting, state)

	require.NoError(t, h.m.Start(context.Background()))
	r := comps.Readiness()
	assert.Equal(t, "ready", r.Status)
	assert.Equal(t, 2, r.Workers["ready"])
	state, _ = comps.State(metrics.ComponentWarmPool)
	assert.Equal(t, metrics.StateRunning, state)

	require.NoError(t, h.m.Shutdown(context.Background()))
	assert.Equal(t, "not_ready", comps.Readiness().Status)
	for _, name := range []string{metrics.ComponentRegistry, metrics.ComponentEvents, metrics.ComponentHealthMonitor, metrics.ComponentWarmPool} {
		state, _ = comps.State(name)
		assert.Equal(t, metrics.StateStopped, state, name)
	}
}
