package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/colony/pkg/api"
	"github.com/cuemby/colony/pkg/events"
	"github.com/cuemby/colony/pkg/manager"
	"github.com/cuemby/colony/pkg/profiles"
	"github.com/cuemby/colony/pkg/runtime"
	"github.com/cuemby/colony/pkg/runtime/runtimetest"
	"github.com/cuemby/colony/pkg/storage"
	"github.com/cuemby/colony/pkg/types"
)

func setup(t *testing.T) (*Client, *manager.Manager, *runtimetest.Client) {
	t.Helper()
	store, err := profiles.NewStore(profiles.Config{
		Profiles: []types.WorkerProfile{{ID: "alpha", Model: "provider/model-a"}},
	})
	require.NoError(t, err)

	rt := runtimetest.NewClient()
	rt.OnPrompt = func(_ context.Context, _ string, req runtime.PromptRequest) (*runtime.Message, error) {
		msg := &runtime.Message{Info: runtime.MessageInfo{Role: runtime.RoleAssistant}}
		if !req.NoReply {
			msg.Parts = []runtime.Part{{Type: runtime.PartText, Text: "pong"}}
		}
		return msg, nil
	}
	mgr, err := manager.NewManager(manager.Config{
		DataDir: t.TempDir(),
		Backend: runtimetest.NewBackend(),
		Clients: rt.Factory(),
		Devices: storage.NewMemoryStore(),
	}, store)
	require.NoError(t, err)

	srv := httptest.NewServer(api.NewServer(mgr).Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = mgr.Shutdown(context.Background())
	})
	return NewClient(srv.URL), mgr, rt
}

func TestNewClientAddsScheme(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:7420", NewClient("127.0.0.1:7420").baseURL)
	assert.Equal(t, "https://colony.local", NewClient("https://colony.local/").baseURL)
}

func TestWorkerCommands(t *testing.T) {
	c, _, _ := setup(t)
	ctx := context.Background()

	_, err := c.GetWorker(ctx, "alpha")
	assert.True(t, IsNotFound(err))

	w, err := c.SpawnWorker(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusReady, w.Status)

	list, err := c.ListWorkers(ctx, types.WorkerStatusReady)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = c.ListWorkers(ctx, types.WorkerStatusBusy)
	require.NoError(t, err)
	assert.Empty(t, list)

	summary, err := c.Summary(ctx, 0)
	require.NoError(t, err)
	assert.Contains(t, summary, "alpha")

	require.NoError(t, c.StopWorker(ctx, "alpha"))
	assert.True(t, IsNotFound(c.StopWorker(ctx, "alpha")))
}

func TestSendAndJobs(t *testing.T) {
	c, _, rt := setup(t)
	ctx := context.Background()

	res, err := c.Send(ctx, "alpha", api.SendRequest{Message: "ping", Ensure: true})
	require.NoError(t, err)
	assert.Equal(t, "pong", res.Response)

	job, err := c.SendAsync(ctx, "alpha", api.SendRequest{Message: "ping"})
	require.NoError(t, err)
	done, err := c.AwaitJob(ctx, job.ID, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, done.TimedOut)
	assert.Equal(t, types.JobStatusSucceeded, done.Job.Status)

	got, err := c.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "pong", got.Result)

	jobs, err := c.ListJobs(ctx, "alpha", types.JobStatusSucceeded, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	rt.OnPrompt = func(context.Context, string, runtime.PromptRequest) (*runtime.Message, error) {
		return nil, errors.New("provider exploded")
	}
	res, err = c.Send(ctx, "alpha", api.SendRequest{Message: "ping"})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Contains(t, err.Error(), "provider exploded")
}

func TestStreamEvents(t *testing.T) {
	c, mgr, _ := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		for mgr.Events().SubscriberCount() == 0 {
			time.Sleep(10 * time.Millisecond)
		}
		mgr.Events().Emit(events.EventType("test.event"), "alpha", "hello", nil)
	}()

	stop := errors.New("stop")
	var got *events.Event
	err := c.StreamEvents(ctx, "alpha", nil, func(ev *events.Event) error {
		got = ev
		return stop
	})
	assert.ErrorIs(t, err, stop)
	require.NotNil(t, got)
	assert.Equal(t, "hello", got.Message)
}
