package spawner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/colony/pkg/events"
	"github.com/cuemby/colony/pkg/lock"
	"github.com/cuemby/colony/pkg/models"
	"github.com/cuemby/colony/pkg/profiles"
	"github.com/cuemby/colony/pkg/registry"
	"github.com/cuemby/colony/pkg/runtime"
	"github.com/cuemby/colony/pkg/runtime/runtimetest"
	"github.com/cuemby/colony/pkg/storage"
	"github.com/cuemby/colony/pkg/types"
)

type fakePolicy struct {
	reuse   bool
	catalog models.Catalog
	servers map[string]profiles.MCPServer
}

func (p *fakePolicy) CanReuseExisting(string) bool              { return p.reuse }
func (p *fakePolicy) Catalog() models.Catalog                   { return p.catalog }
func (p *fakePolicy) MCPServers() map[string]profiles.MCPServer { return p.servers }

type fakeLinker struct {
	mu       sync.Mutex
	linked   []string
	unlinked []string
}

func (l *fakeLinker) Link(inst *types.WorkerInstance, _ runtime.Client) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.linked = append(l.linked, inst.ID())
}

func (l *fakeLinker) Unlink(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unlinked = append(l.unlinked, id)
}

type fixture struct {
	reg     *registry.Registry
	backend *runtimetest.Backend
	client  *runtimetest.Client
	devices *storage.MemoryStore
	policy  *fakePolicy
	linker  *fakeLinker
	sp      *Spawner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		reg:     registry.New(nil),
		backend: runtimetest.NewBackend(),
		client:  runtimetest.NewClient(),
		devices: storage.NewMemoryStore(),
		policy:  &fakePolicy{reuse: true},
		linker:  &fakeLinker{},
	}
	f.sp = New(Deps{
		Registry: f.reg,
		Backend:  f.backend,
		Clients:  f.client.Factory(),
		Devices:  f.devices,
		Locker:   lock.New(t.TempDir()),
		Policy:   f.policy,
		Linker:   f.linker,
	}, Config{
		StartupTimeout: 5 * time.Second,
		Directory:      t.TempDir(),
	})
	return f
}

func alpha() types.WorkerProfile {
	return types.WorkerProfile{ID: "alpha", Model: "provider/model-a"}
}

func TestConcurrentSpawnStartsOnce(t *testing.T) {
	f := newFixture(t)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*types.WorkerInstance, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.sp.Spawn(context.Background(), alpha())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, types.WorkerStatusReady, results[i].Status)
		assert.Equal(t, results[0].SessionID, results[i].SessionID)
		assert.Equal(t, results[0].ServerURL, results[i].ServerURL)
	}
	assert.EqualValues(t, 1, f.backend.Starts.Load())
	assert.EqualValues(t, 1, f.client.Creates.Load())
	assert.Equal(t, 1, f.reg.Len())
}

func TestSpawnBootstrapsSession(t *testing.T) {
	f := newFixture(t)
	p := alpha()
	p.Name = "Alpha"
	p.SystemPrompt = "You review code."

	w, err := f.sp.Spawn(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, "provider/model-a", w.Model)
	assert.NotZero(t, w.Port)
	assert.NotZero(t, w.PID)
	assert.False(t, w.Reused)

	prompts := f.client.Prompts()
	require.Len(t, prompts, 1)
	assert.True(t, prompts[0].NoReply)
	text := prompts[0].Parts[0].Text
	assert.True(t, strings.HasPrefix(text, "You review code."))
	assert.Contains(t, text, "<worker-identity>")
	assert.Contains(t, text, `"id": "alpha"`)

	reqs := f.backend.Requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].Env, EnvWorkerID+"=alpha")
	assert.Contains(t, reqs[0].Env, EnvWorkerName+"=Alpha")
	assert.Equal(t, "provider/model-a", reqs[0].Config["model"])

	dev, err := f.devices.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, w.ServerURL, dev.URL)
	assert.Equal(t, w.SessionID, dev.SessionID)

	assert.Equal(t, []string{"alpha"}, f.sp.Owned())
}

func TestSpawnReturnsLiveInstance(t *testing.T) {
	f := newFixture(t)
	first, err := f.sp.Spawn(context.Background(), alpha())
	require.NoError(t, err)

	second, err := f.sp.Spawn(context.Background(), alpha())
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.EqualValues(t, 1, f.backend.Starts.Load())
}

func TestSpawnReusesRecordedRuntime(t *testing.T) {
	f := newFixture(t)
	f.client.AddSession(runtime.Session{ID: "ses_other"})
	f.client.AddSession(runtime.Session{ID: "ses_known"})
	require.NoError(t, f.devices.Put(&storage.Device{
		WorkerID:  "alpha",
		URL:       "http://127.0.0.1:4999",
		Port:      4999,
		SessionID: "ses_known",
		Model:     "provider/model-a",
	}))

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	f.sp.Broker = broker

	w, err := f.sp.Spawn(context.Background(), alpha())
	require.NoError(t, err)

	assert.True(t, w.Reused)
	assert.Equal(t, "ses_known", w.SessionID)
	assert.Equal(t, "http://127.0.0.1:4999", w.ServerURL)
	assert.Equal(t, types.WorkerStatusReady, w.Status)
	assert.Zero(t, f.backend.Starts.Load())
	assert.Zero(t, f.client.Creates.Load())

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventWorkerReused, ev.Type)
		assert.Equal(t, "alpha", ev.WorkerID)
	case <-time.After(time.Second):
		t.Fatal("no reused event")
	}

	// Stopping an adopted worker leaves the other process's entry alone.
	assert.True(t, f.sp.Stop(context.Background(), "alpha", false))
	_, err = f.devices.Get("alpha")
	assert.NoError(t, err)
}

func TestSpawnPurgesStaleDevice(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.devices.Put(&storage.Device{WorkerID: "alpha", URL: "http://127.0.0.1:1"}))
	f.client.OnList = func() ([]runtime.Session, error) {
		return nil, errors.New("connection refused")
	}

	w, err := f.sp.Spawn(context.Background(), alpha())
	require.NoError(t, err)

	assert.False(t, w.Reused)
	assert.EqualValues(t, 1, f.backend.Starts.Load())
	dev, err := f.devices.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, w.ServerURL, dev.URL)
}

func TestSpawnSkipsReuseWhenPolicyForbids(t *testing.T) {
	f := newFixture(t)
	f.policy.reuse = false
	require.NoError(t, f.devices.Put(&storage.Device{WorkerID: "alpha", URL: "http://127.0.0.1:4999"}))

	w, err := f.sp.Spawn(context.Background(), alpha())
	require.NoError(t, err)
	assert.False(t, w.Reused)
	assert.EqualValues(t, 1, f.backend.Starts.Load())
}

func TestSpawnFailureCleansUp(t *testing.T) {
	f := newFixture(t)
	f.client.OnCreate = func(runtime.CreateSessionRequest) (*runtime.Session, error) {
		return nil, &runtime.Error{Kind: runtime.KindAPI, Message: "session rejected"}
	}

	_, err := f.sp.Spawn(context.Background(), alpha())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `spawn worker "alpha": create session`)
	assert.Contains(t, err.Error(), "session rejected")

	w, ok := f.reg.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, types.WorkerStatusError, w.Status)
	assert.Contains(t, w.Error, "session rejected")

	assert.Equal(t, 1, f.backend.Closed("alpha"))
	_, err = f.devices.Get("alpha")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Empty(t, f.sp.Owned())
}

func TestSpawnRetriesAfterErrorStatus(t *testing.T) {
	f := newFixture(t)
	fail := true
	f.client.OnCreate = func(req runtime.CreateSessionRequest) (*runtime.Session, error) {
		if fail {
			return nil, errors.New("boom")
		}
		return &runtime.Session{ID: "ses_ok"}, nil
	}

	_, err := f.sp.Spawn(context.Background(), alpha())
	require.Error(t, err)

	fail = false
	w, err := f.sp.Spawn(context.Background(), alpha())
	require.NoError(t, err)
	assert.Equal(t, "ses_ok", w.SessionID)
	assert.EqualValues(t, 2, f.backend.Starts.Load())
}

func TestSpawnFallsBackWhenToolingUnavailable(t *testing.T) {
	f := newFixture(t)
	enabled := true
	f.policy.servers = map[string]profiles.MCPServer{
		"memory": {Type: "local", Command: []string{"memory-server"}, Enabled: &enabled},
	}
	calls := 0
	f.client.OnTools = func() ([]string, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("mcp server memory failed to start")
		}
		return []string{"read"}, nil
	}

	p := alpha()
	p.MCPServers = []string{"memory"}
	w, err := f.sp.Spawn(context.Background(), p)
	require.NoError(t, err)

	assert.NotEmpty(t, w.Warning)
	assert.EqualValues(t, 2, f.backend.Starts.Load())
	assert.Equal(t, 1, f.backend.Closed("alpha"))

	reqs := f.backend.Requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[0].Config["mcp"], 1)
	assert.Empty(t, reqs[1].Config["mcp"])
}

func TestSpawnInvalidModel(t *testing.T) {
	f := newFixture(t)
	p := alpha()
	p.Model = "gpt"

	_, err := f.sp.Spawn(context.Background(), p)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInvalidFormat)
	assert.Zero(t, f.backend.Starts.Load())

	w, ok := f.reg.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, types.WorkerStatusError, w.Status)
}

func TestSpawnCallerContextCancelled(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.backend.OnStart = func(ctx context.Context, _ runtime.StartRequest) error {
		<-release
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.sp.Spawn(ctx, alpha())
	require.ErrorIs(t, err, context.Canceled)

	// The attempt keeps going for other callers.
	close(release)
	w, err := f.sp.Spawn(context.Background(), alpha())
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusReady, w.Status)
	assert.EqualValues(t, 1, f.backend.Starts.Load())
}

func TestLinkedModeLinksSession(t *testing.T) {
	f := newFixture(t)
	p := alpha()
	p.SessionMode = types.SessionModeLinked

	w, err := f.sp.Spawn(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, f.linker.linked)

	got, _ := f.reg.Get(w.ID())
	assert.True(t, got.Forwarding)
}

func TestStopWorker(t *testing.T) {
	f := newFixture(t)
	_, err := f.sp.Spawn(context.Background(), alpha())
	require.NoError(t, err)

	assert.True(t, f.sp.Stop(context.Background(), "alpha", true))

	_, ok := f.reg.Get("alpha")
	assert.False(t, ok)
	assert.Equal(t, 1, f.backend.Closed("alpha"))
	assert.Equal(t, []string{"alpha"}, f.linker.unlinked)
	_, err = f.devices.Get("alpha")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	prompts := f.client.Prompts()
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[1].Parts[0].Text, "stopping this worker")

	assert.False(t, f.sp.Stop(context.Background(), "alpha", true))
}

func TestReapReleasesResources(t *testing.T) {
	f := newFixture(t)
	w, err := f.sp.Spawn(context.Background(), alpha())
	require.NoError(t, err)

	f.reg.MarkDead("alpha", "probe failed")
	f.sp.Reap(w)

	assert.Equal(t, 1, f.backend.Closed("alpha"))
	assert.Empty(t, f.sp.Owned())
	_, err = f.devices.Get("alpha")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

type hookStore struct {
	*storage.MemoryStore
	afterPut func()
}

func (s *hookStore) Put(d *storage.Device) error {
	err := s.MemoryStore.Put(d)
	if s.afterPut != nil {
		s.afterPut()
	}
	return err
}

func TestStopDuringStartupReleasesRuntime(t *testing.T) {
	f := newFixture(t)
	f.sp.Devices = &hookStore{
		MemoryStore: f.devices,
		afterPut:    func() { f.sp.Stop(context.Background(), "alpha", false) },
	}

	_, err := f.sp.Spawn(context.Background(), alpha())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stopped during startup")

	assert.Empty(t, f.sp.Owned())
	assert.Equal(t, 1, f.backend.Closed("alpha"))
	_, err = f.devices.Get("alpha")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, ok := f.reg.Get("alpha")
	assert.False(t, ok)
}
