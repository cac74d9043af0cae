package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/metrics"
)

// EventType represents the type of event
type EventType string

const (
	EventWorkerSpawned EventType = "worker.spawned"
	EventWorkerReady   EventType = "worker.ready"
	EventWorkerBusy    EventType = "worker.busy"
	EventWorkerError   EventType = "worker.error"
	EventWorkerStopped EventType = "worker.stopped"
	EventWorkerDead    EventType = "worker.dead"
	EventWorkerReused  EventType = "worker.reused"
	EventWorkerWarning EventType = "worker.warning"
	EventWorkerRemoved EventType = "worker.removed"

	EventJobCreated   EventType = "job.created"
	EventJobSucceeded EventType = "job.succeeded"
	EventJobFailed    EventType = "job.failed"

	EventModelResolved EventType = "model.resolved"
	EventModelFallback EventType = "model.fallback"

	EventSessionActivity EventType = "session.activity"
)

// Event represents an engine lifecycle event
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	WorkerID  string            `json:"workerId,omitempty"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Sink receives every event in publish order. Sinks run on the broker
// goroutine; a panicking sink is recovered and logged.
type Sink func(*Event)

// Broker manages event subscriptions and distribution. Delivery is
// at-most-once: a full buffer drops the event instead of blocking.
type Broker struct {
	subscribers map[Subscriber]bool
	sinks       []Sink
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
	dropped     uint64
	status      *metrics.Components
	logger      zerolog.Logger
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
		logger:      log.WithComponent("events"),
	}
}

// ReportTo makes the broker report its state under metrics.ComponentEvents.
// Call before Start.
func (b *Broker) ReportTo(c *metrics.Components) {
	b.status = c
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	b.status.Set(metrics.ComponentEvents, metrics.StateRunning, "")
	go b.run()
}

// Stop stops the broker. Safe to call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		b.status.Set(metrics.ComponentEvents, metrics.StateStopped, "")
	})
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// AddSink registers a sink that observes every event
func (b *Broker) AddSink(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, sink)
}

// Publish enqueues an event without blocking. It reports whether the event
// was accepted.
func (b *Broker) Publish(event *Event) (sent bool) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case <-b.stopCh:
		return false
	default:
	}

	select {
	case b.eventCh <- event:
		return true
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		return false
	}
}

// Emit is a shorthand for publishing a worker-scoped event
func (b *Broker) Emit(typ EventType, workerID, message string, metadata map[string]string) {
	b.Publish(&Event{
		Type:     typ,
		WorkerID: workerID,
		Message:  message,
		Metadata: metadata,
	})
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sink := range b.sinks {
		b.runSink(sink, event)
	}

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

func (b *Broker) runSink(sink Sink, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Interface("panic", r).
				Str("event_type", string(event.Type)).
				Msg("event sink panicked")
		}
	}()
	sink(event)
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns the number of events discarded because the queue was full
func (b *Broker) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
