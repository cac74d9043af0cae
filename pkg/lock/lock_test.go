package lock

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	l := New(t.TempDir(), WithPollInterval(5*time.Millisecond))

	lease, err := l.Acquire(context.Background(), "alpha", time.Second)
	require.NoError(t, err)

	data, err := os.ReadFile(l.Path("alpha"))
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprint(os.Getpid()), string(data))

	lease.Release()
	lease.Release()
	_, err = os.Stat(l.Path("alpha"))
	assert.True(t, os.IsNotExist(err))
}

func TestAcquireTimesOut(t *testing.T) {
	l := New(t.TempDir(), WithPollInterval(5*time.Millisecond))

	held, err := l.Acquire(context.Background(), "alpha", time.Second)
	require.NoError(t, err)
	defer held.Release()

	start := time.Now()
	_, err = l.Acquire(context.Background(), "alpha", 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestAcquireWaitsForRelease(t *testing.T) {
	l := New(t.TempDir(), WithPollInterval(5*time.Millisecond))

	held, err := l.Acquire(context.Background(), "alpha", time.Second)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		held.Release()
	}()

	lease, err := l.Acquire(context.Background(), "alpha", time.Second)
	require.NoError(t, err)
	lease.Release()
}

func TestAcquireMutualExclusion(t *testing.T) {
	l := New(t.TempDir(), WithPollInterval(time.Millisecond))

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := l.Acquire(context.Background(), "alpha", 5*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			lease.Release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestLeftoverLockfileReclaimed(t *testing.T) {
	t.Run("dead owner", func(t *testing.T) {
		l := New(t.TempDir())
		// PID near the max is not expected to be running.
		require.NoError(t, os.WriteFile(l.Path("alpha"), []byte("4194000"), 0o644))

		lease, ok, err := l.TryAcquire("alpha")
		require.NoError(t, err)
		require.True(t, ok)
		lease.Release()
	})

	t.Run("crashed holder", func(t *testing.T) {
		l := New(t.TempDir())
		held, ok, err := l.TryAcquire("alpha")
		require.NoError(t, err)
		require.True(t, ok)
		// Closing the descriptor without Release is what the kernel does
		// when the owning process dies.
		require.NoError(t, held.file.Close())

		lease, ok, err := l.TryAcquire("alpha")
		require.NoError(t, err)
		require.True(t, ok)
		lease.Release()
	})

	t.Run("held by another locker", func(t *testing.T) {
		dir := t.TempDir()
		held, ok, err := New(dir).TryAcquire("alpha")
		require.NoError(t, err)
		require.True(t, ok)
		defer held.Release()

		_, ok, err = New(dir).TryAcquire("alpha")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestLeftoverLockfileSingleOwner(t *testing.T) {
	dir := t.TempDir()
	const lockers = 32

	for round := 0; round < 50; round++ {
		path := New(dir).Path("alpha")
		require.NoError(t, os.WriteFile(path, []byte("4194000"), 0o644))
		old := time.Now().Add(-time.Hour)
		require.NoError(t, os.Chtimes(path, old, old))

		var inside, maxInside int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < lockers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				l := New(dir, WithPollInterval(time.Millisecond))
				<-start
				lease, err := l.Acquire(context.Background(), "alpha", 10*time.Second)
				if !assert.NoError(t, err) {
					return
				}
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(100 * time.Microsecond)
				atomic.AddInt32(&inside, -1)
				lease.Release()
			}()
		}
		close(start)
		wg.Wait()
		require.Equal(t, int32(1), maxInside, "round %d", round)
	}
}

func TestAcquireContextCancelled(t *testing.T) {
	l := New(t.TempDir(), WithPollInterval(5*time.Millisecond))
	held, _, err := l.TryAcquire("alpha")
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Acquire(ctx, "alpha", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPathSanitisesID(t *testing.T) {
	l := New("/tmp/x")
	assert.Equal(t, "/tmp/x/colony-worker-team-alpha.lock", l.Path("team/alpha"))
}
