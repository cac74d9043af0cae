package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/colony/pkg/log"
)

// ErrTimeout is returned when a lock could not be acquired in time
var ErrTimeout = errors.New("lock acquire timed out")

const defaultPoll = 100 * time.Millisecond

// Locker hands out cross-process advisory locks backed by lockfiles.
//
// A lease is an exclusive flock on an open lockfile descriptor. The kernel
// drops the flock when the owner exits, so a crashed holder never leaves a
// lock behind. The file carries the owner PID for inspection only.
type Locker struct {
	dir  string
	poll time.Duration

	logger zerolog.Logger
}

// Option configures a Locker
type Option func(*Locker)

// WithPollInterval sets how often a blocked Acquire retries
func WithPollInterval(d time.Duration) Option {
	return func(l *Locker) { l.poll = d }
}

// New creates a Locker storing lockfiles under dir (os.TempDir when empty)
func New(dir string, opts ...Option) *Locker {
	if dir == "" {
		dir = os.TempDir()
	}
	l := &Locker{
		dir:    dir,
		poll:   defaultPoll,
		logger: log.WithComponent("lock"),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Path returns the lockfile path for id
func (l *Locker) Path(id string) string {
	safe := strings.NewReplacer("/", "-", "\\", "-", ":", "-").Replace(id)
	return filepath.Join(l.dir, fmt.Sprintf("colony-worker-%s.lock", safe))
}

// Lease is a held lock. Release is idempotent.
type Lease struct {
	path string
	file *os.File
	once sync.Once
}

// Release removes the lockfile and drops the flock.
// The path is unlinked while the flock is still held; waiters that locked
// the old inode notice the mismatch and retry on a fresh file.
func (le *Lease) Release() {
	if le == nil {
		return
	}
	le.once.Do(func() {
		_ = os.Remove(le.path)
		_ = syscall.Flock(int(le.file.Fd()), syscall.LOCK_UN)
		_ = le.file.Close()
	})
}

// Acquire blocks until the lock for id is held, ctx ends or timeout elapses
func (l *Locker) Acquire(ctx context.Context, id string, timeout time.Duration) (*Lease, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	path := l.Path(id)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		le, err := l.tryAcquire(path)
		if err != nil {
			return nil, err
		}
		if le != nil {
			return le, nil
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			return nil, fmt.Errorf("worker %q: %w after %s", id, ErrTimeout, timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryAcquire attempts the lock once without waiting
func (l *Locker) TryAcquire(id string) (*Lease, bool, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, false, fmt.Errorf("create lock dir: %w", err)
	}
	le, err := l.tryAcquire(l.Path(id))
	if err != nil || le == nil {
		return nil, false, err
	}
	return le, true, nil
}

func (l *Locker) tryAcquire(path string) (*Lease, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lockfile: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, nil
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	// The holder we waited on may have unlinked the file between our open
	// and our flock. A lock on an unlinked inode guards nothing.
	if !samePath(f, path) {
		l.logger.Debug().Str("path", path).Msg("lockfile replaced while locking, retrying")
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return nil, nil
	}

	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(fmt.Sprintf("%d", os.Getpid())), 0)
	return &Lease{path: path, file: f}, nil
}

func samePath(f *os.File, path string) bool {
	held, err := f.Stat()
	if err != nil {
		return false
	}
	current, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(held, current)
}
