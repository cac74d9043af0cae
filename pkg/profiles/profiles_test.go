package profiles

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/colony/pkg/types"
)

const sampleYAML = `
defaults:
  reuse_existing: true
  idle_timeout: 5m
policy:
  reviewer:
    warm_pool: true
    auto_spawn: true
  vision:
    on_demand: false
profiles:
  - id: reviewer
    name: Code Reviewer
    model: provider/model-a
    session_mode: linked
    mcp_servers: [search]
  - id: vision
    model: auto:vision
    supports_vision: true
models:
  current: provider/model-a
  models:
    - id: provider/model-v
      tags: [vision]
mcp_servers:
  search:
    type: remote
    url: http://localhost:9000
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	require.Len(t, cfg.Profiles, 2)
	assert.Equal(t, types.SessionModeLinked, cfg.Profiles[0].SessionMode)
	assert.Equal(t, []string{"search"}, cfg.Profiles[0].MCPServers)
	assert.True(t, cfg.Profiles[1].SupportsVision)
	assert.Equal(t, 5*time.Minute, cfg.Defaults.IdleTimeout)
	assert.Equal(t, "provider/model-a", cfg.Models.Current)
	assert.Equal(t, "remote", cfg.MCPServers["search"].Type)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("profiles:\n  - id: a\n    model: p/m\n    colour: red\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"missing id", Config{Profiles: []types.WorkerProfile{{Model: "p/m"}}}, "id is required"},
		{"missing model", Config{Profiles: []types.WorkerProfile{{ID: "a"}}}, "model is required"},
		{"duplicate", Config{Profiles: []types.WorkerProfile{{ID: "a", Model: "p/m"}, {ID: "a", Model: "p/m"}}}, "duplicate id"},
		{"bad mode", Config{Profiles: []types.WorkerProfile{{ID: "a", Model: "p/m", SessionMode: "shared"}}}, "unknown session mode"},
		{"orphan policy", Config{Policy: map[string]Policy{"ghost": {}}}, "unknown profile"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPolicyMerge(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	s, err := NewStore(cfg)
	require.NoError(t, err)

	assert.True(t, s.CanAutoSpawn("reviewer"))
	assert.True(t, s.CanWarmPool("reviewer"))
	assert.True(t, s.CanSpawnOnDemand("reviewer"))
	assert.True(t, s.CanSpawnManually("reviewer"))
	assert.True(t, s.CanReuseExisting("reviewer"))

	assert.False(t, s.CanAutoSpawn("vision"))
	assert.False(t, s.CanSpawnOnDemand("vision"))
	assert.True(t, s.CanSpawnManually("vision"))

	assert.False(t, s.CanSpawnManually("ghost"))

	p := s.Policy("reviewer")
	assert.Equal(t, 5*time.Minute, p.IdleTimeout)
	assert.Equal(t, 1, p.PoolSize)
}

func TestStoreReplaceNotifies(t *testing.T) {
	s, err := NewStore(Config{})
	require.NoError(t, err)

	var calls int32
	s.OnChange(func(Config) { atomic.AddInt32(&calls, 1) })

	require.NoError(t, s.Replace(Config{Profiles: []types.WorkerProfile{{ID: "a", Model: "p/m"}}}))
	assert.Error(t, s.Replace(Config{Profiles: []types.WorkerProfile{{ID: "a"}}}))

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	_, ok := s.Profile("a")
	assert.True(t, ok)
	assert.Len(t, s.Profiles(), 1)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte("profiles:\n  - id: a\n    model: p/m\n"), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	s, err := NewStore(cfg)
	require.NoError(t, err)

	w := NewWatcher(path, s).WithDebounce(10 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("profiles:\n  - id: a\n    model: p/m\n  - id: b\n    model: p/n\n"), 0o644))

	assert.Eventually(t, func() bool {
		_, ok := s.Profile("b")
		return ok
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatcherKeepsPreviousOnBadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte("profiles:\n  - id: a\n"), 0o644))

	s, err := NewStore(Config{Profiles: []types.WorkerProfile{{ID: "keep", Model: "p/m"}}})
	require.NoError(t, err)

	err = NewWatcher(path, s).Reload()
	require.Error(t, err)
	_, ok := s.Profile("keep")
	assert.True(t, ok)
}
