package metrics

import (
	"time"

	"github.com/cuemby/colony/pkg/types"
)

// Source is what the collector samples
type Source interface {
	ListWorkers() []*types.WorkerInstance
	PendingJobs() int
	DroppedEvents() uint64
}

var workerStatuses = []types.WorkerStatus{
	types.WorkerStatusStarting,
	types.WorkerStatusReady,
	types.WorkerStatusBusy,
	types.WorkerStatusError,
	types.WorkerStatusStopped,
	types.WorkerStatusDead,
}

// Collector periodically samples gauges from a Source
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source) *Collector {
	return &Collector{
		source:   source,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect samples once
func (c *Collector) Collect() {
	counts := make(map[types.WorkerStatus]int, len(workerStatuses))
	for _, w := range c.source.ListWorkers() {
		counts[w.Status]++
	}
	for _, s := range workerStatuses {
		WorkersTotal.WithLabelValues(string(s)).Set(float64(counts[s]))
	}

	JobsPending.Set(float64(c.source.PendingJobs()))
	EventsDropped.Set(float64(c.source.DroppedEvents()))
}
