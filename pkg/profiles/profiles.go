package profiles

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/colony/pkg/models"
	"github.com/cuemby/colony/pkg/types"
)

// ErrUnknownProfile is returned for ids with no profile
var ErrUnknownProfile = errors.New("unknown worker profile")

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Policy is a partial set of spawn policy knobs. Nil fields inherit.
type Policy struct {
	AutoSpawn     *bool         `yaml:"auto_spawn,omitempty" json:"autoSpawn,omitempty"`
	OnDemand      *bool         `yaml:"on_demand,omitempty" json:"onDemand,omitempty"`
	Manual        *bool         `yaml:"manual,omitempty" json:"manual,omitempty"`
	WarmPool      *bool         `yaml:"warm_pool,omitempty" json:"warmPool,omitempty"`
	ReuseExisting *bool         `yaml:"reuse_existing,omitempty" json:"reuseExisting,omitempty"`
	PoolSize      *int          `yaml:"pool_size,omitempty" json:"poolSize,omitempty"`
	IdleTimeout   time.Duration `yaml:"idle_timeout,omitempty" json:"idleTimeout,omitempty"`
}

// Resolved is a policy with defaults applied
type Resolved struct {
	AutoSpawn     bool          `json:"autoSpawn"`
	OnDemand      bool          `json:"onDemand"`
	Manual        bool          `json:"manual"`
	WarmPool      bool          `json:"warmPool"`
	ReuseExisting bool          `json:"reuseExisting"`
	PoolSize      int           `json:"poolSize"`
	IdleTimeout   time.Duration `json:"idleTimeout"`
}

// DefaultPolicy is applied beneath file defaults and per-profile overrides
func DefaultPolicy() Resolved {
	return Resolved{
		OnDemand:      true,
		Manual:        true,
		ReuseExisting: true,
		PoolSize:      1,
		IdleTimeout:   10 * time.Minute,
	}
}

func (r Resolved) apply(p Policy) Resolved {
	if p.AutoSpawn != nil {
		r.AutoSpawn = *p.AutoSpawn
	}
	if p.OnDemand != nil {
		r.OnDemand = *p.OnDemand
	}
	if p.Manual != nil {
		r.Manual = *p.Manual
	}
	if p.WarmPool != nil {
		r.WarmPool = *p.WarmPool
	}
	if p.ReuseExisting != nil {
		r.ReuseExisting = *p.ReuseExisting
	}
	if p.PoolSize != nil {
		r.PoolSize = *p.PoolSize
	}
	if p.IdleTimeout > 0 {
		r.IdleTimeout = p.IdleTimeout
	}
	return r
}

// MCPServer is a tool server a worker runtime may connect to
type MCPServer struct {
	Type    string            `yaml:"type" json:"type"` // local or remote
	Command []string          `yaml:"command,omitempty" json:"command,omitempty"`
	URL     string            `yaml:"url,omitempty" json:"url,omitempty"`
	Env     map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
	Enabled *bool             `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Config is the full profile and policy document
type Config struct {
	Defaults   Policy                `yaml:"defaults" json:"defaults"`
	Policy     map[string]Policy     `yaml:"policy" json:"policy"`
	Profiles   []types.WorkerProfile `yaml:"profiles" json:"profiles"`
	Models     models.Catalog        `yaml:"models" json:"models"`
	MCPServers map[string]MCPServer  `yaml:"mcp_servers" json:"mcpServers"`
}

// Validate checks required profile fields and duplicate ids
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Profiles))
	var errs []error
	for i, p := range c.Profiles {
		switch {
		case p.ID == "":
			errs = append(errs, fmt.Errorf("profile #%d: id is required", i))
			continue
		case !idPattern.MatchString(p.ID):
			errs = append(errs, fmt.Errorf("profile %q: invalid id", p.ID))
		case seen[p.ID]:
			errs = append(errs, fmt.Errorf("profile %q: duplicate id", p.ID))
		}
		seen[p.ID] = true
		if p.Model == "" {
			errs = append(errs, fmt.Errorf("profile %q: model is required", p.ID))
		}
		switch p.SessionMode {
		case "", types.SessionModeChild, types.SessionModeIsolated, types.SessionModeLinked:
		default:
			errs = append(errs, fmt.Errorf("profile %q: unknown session mode %q", p.ID, p.SessionMode))
		}
	}
	for id := range c.Policy {
		if !seen[id] {
			errs = append(errs, fmt.Errorf("policy override for unknown profile %q", id))
		}
	}
	return errors.Join(errs...)
}

// Store is the in-memory profile and policy source consumed by the engine.
// It is safe for concurrent use; Replace swaps the whole document atomically.
type Store struct {
	mu       sync.RWMutex
	cfg      Config
	byID     map[string]types.WorkerProfile
	onChange []func(Config)
}

// NewStore creates a store from cfg
func NewStore(cfg Config) (*Store, error) {
	s := &Store{}
	if err := s.Replace(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Replace validates and installs a new document, then notifies OnChange
// callbacks.
func (s *Store) Replace(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	byID := make(map[string]types.WorkerProfile, len(cfg.Profiles))
	for _, p := range cfg.Profiles {
		byID[p.ID] = p
	}

	s.mu.Lock()
	s.cfg = cfg
	s.byID = byID
	callbacks := append([]func(Config){}, s.onChange...)
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(cfg)
	}
	return nil
}

// OnChange registers fn to run after every successful Replace
func (s *Store) OnChange(fn func(Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Profile returns the profile with the given id
func (s *Store) Profile(id string) (types.WorkerProfile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	return p, ok
}

// Profiles returns all profiles ordered by id
func (s *Store) Profiles() []types.WorkerProfile {
	s.mu.RLock()
	out := make([]types.WorkerProfile, 0, len(s.byID))
	for _, p := range s.byID {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Catalog returns the model catalog
func (s *Store) Catalog() models.Catalog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Models
}

// MCPServers returns the configured tool servers
func (s *Store) MCPServers() map[string]MCPServer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]MCPServer, len(s.cfg.MCPServers))
	for k, v := range s.cfg.MCPServers {
		out[k] = v
	}
	return out
}

// Policy returns the merged policy for id: built-in defaults, then the
// document defaults, then the per-profile override.
func (s *Store) Policy(id string) Resolved {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := DefaultPolicy().apply(s.cfg.Defaults)
	if o, ok := s.cfg.Policy[id]; ok {
		r = r.apply(o)
	}
	return r
}

func (s *Store) known(id string) bool {
	_, ok := s.Profile(id)
	return ok
}

// CanAutoSpawn reports whether id is spawned at startup
func (s *Store) CanAutoSpawn(id string) bool {
	return s.known(id) && s.Policy(id).AutoSpawn
}

// CanSpawnOnDemand reports whether a send to id may trigger a spawn
func (s *Store) CanSpawnOnDemand(id string) bool {
	return s.known(id) && s.Policy(id).OnDemand
}

// CanSpawnManually reports whether an explicit spawn request is allowed
func (s *Store) CanSpawnManually(id string) bool {
	return s.known(id) && s.Policy(id).Manual
}

// CanWarmPool reports whether id belongs in the warm pool
func (s *Store) CanWarmPool(id string) bool {
	return s.known(id) && s.Policy(id).WarmPool
}

// CanReuseExisting reports whether a runtime spawned by another process may
// be adopted for id
func (s *Store) CanReuseExisting(id string) bool {
	return s.Policy(id).ReuseExisting
}
