package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerDeliversToSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Emit(EventWorkerReady, "alpha", "worker ready", nil)

	select {
	case ev := <-sub:
		assert.Equal(t, EventWorkerReady, ev.Type)
		assert.Equal(t, "alpha", ev.WorkerID)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBrokerSinkPanicIsSwallowed(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	var mu sync.Mutex
	var got []EventType
	b.AddSink(func(*Event) { panic("boom") })
	b.AddSink(func(e *Event) {
		mu.Lock()
		got = append(got, e.Type)
		mu.Unlock()
	})

	b.Emit(EventJobCreated, "alpha", "", nil)
	b.Emit(EventJobSucceeded, "alpha", "", nil)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventJobCreated, EventJobSucceeded}, got)
}

func TestPublishNeverBlocks(t *testing.T) {
	// Not started: the queue fills and further events are dropped.
	b := NewBroker()
	defer b.Stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Emit(EventWorkerBusy, "alpha", "", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked")
	}
	assert.Greater(t, b.Dropped(), uint64(0))
}

func TestPublishAfterStop(t *testing.T) {
	b := NewBroker()
	b.Start()
	b.Stop()
	b.Stop()

	assert.False(t, b.Publish(&Event{Type: EventWorkerStopped}))
}

func TestUnsubscribeTwice(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())
}
