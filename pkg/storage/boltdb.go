package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketDevices = []byte("devices")

// BoltStore implements DeviceStore using BoltDB.
//
// bbolt holds an exclusive flock for as long as a database is open, so the
// file is opened per operation. Concurrent orchestrators on the same host
// wait up to Timeout for each other instead of failing outright.
type BoltStore struct {
	path    string
	timeout time.Duration
	ttl     time.Duration
}

// NewBoltStore creates a store backed by <dataDir>/devices.db
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	s := &BoltStore{
		path:    filepath.Join(dataDir, "devices.db"),
		timeout: 2 * time.Second,
		ttl:     24 * time.Hour,
	}

	err := s.update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketDevices); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketDevices, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// WithTTL sets how long an entry stays eligible for reuse without refresh
func (s *BoltStore) WithTTL(ttl time.Duration) *BoltStore {
	s.ttl = ttl
	return s
}

// Path returns the database file location
func (s *BoltStore) Path() string {
	return s.path
}

// Put upserts a device entry
func (s *BoltStore) Put(d *Device) error {
	rec := *d
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return err
	}
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).Put([]byte(d.WorkerID), data)
	})
}

// Get returns the entry for workerID. Expired entries are reported as missing.
func (s *BoltStore) Get(workerID string) (*Device, error) {
	var d Device
	err := s.view(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDevices).Get([]byte(workerID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &d)
	})
	if err != nil {
		return nil, err
	}
	if s.expired(&d) {
		return nil, ErrNotFound
	}
	return &d, nil
}

// List returns all unexpired entries
func (s *BoltStore) List() ([]*Device, error) {
	var devices []*Device
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).ForEach(func(k, v []byte) error {
			var d Device
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if !s.expired(&d) {
				devices = append(devices, &d)
			}
			return nil
		})
	})
	return devices, err
}

// Delete removes the entry for workerID
func (s *BoltStore) Delete(workerID string) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).Delete([]byte(workerID))
	})
}

// Prune deletes expired entries and returns how many were removed
func (s *BoltStore) Prune() (int, error) {
	removed := 0
	err := s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var d Device
			if err := json.Unmarshal(v, &d); err != nil || s.expired(&d) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

func (s *BoltStore) expired(d *Device) bool {
	return s.ttl > 0 && time.Since(d.UpdatedAt) > s.ttl
}

func (s *BoltStore) open(readOnly bool) (*bolt.DB, error) {
	db, err := bolt.Open(s.path, 0o600, &bolt.Options{Timeout: s.timeout, ReadOnly: readOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to open device registry: %w", err)
	}
	return db, nil
}

func (s *BoltStore) update(fn func(tx *bolt.Tx) error) error {
	db, err := s.open(false)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Update(fn)
}

func (s *BoltStore) view(fn func(tx *bolt.Tx) error) error {
	db, err := s.open(true)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.View(fn)
}
