package storage

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when no device entry exists for a worker
var ErrNotFound = errors.New("device not found")

// Device is a live worker endpoint recorded for reuse by other processes
type Device struct {
	WorkerID  string    `json:"workerId"`
	URL       string    `json:"url"`
	Port      int       `json:"port"`
	PID       int       `json:"pid,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Directory string    `json:"directory,omitempty"`
	Model     string    `json:"model,omitempty"`
	OwnerPID  int       `json:"ownerPid"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DeviceStore is the cross-process record of worker endpoints
type DeviceStore interface {
	Put(d *Device) error
	Get(workerID string) (*Device, error)
	List() ([]*Device, error)
	Delete(workerID string) error
}

// MemoryStore is a process-local DeviceStore
type MemoryStore struct {
	mu      sync.Mutex
	devices map[string]Device
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{devices: make(map[string]Device)}
}

func (s *MemoryStore) Put(d *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *d
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	s.devices[d.WorkerID] = c
	return nil
}

func (s *MemoryStore) Get(workerID string) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[workerID]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (s *MemoryStore) List() ([]*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Device, 0, len(s.devices))
	for _, d := range s.devices {
		d := d
		out = append(out, &d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

func (s *MemoryStore) Delete(workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, workerID)
	return nil
}
