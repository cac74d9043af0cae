package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Worker metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "colony_workers_total",
			Help: "Number of registered workers by status",
		},
		[]string{"status"},
	)

	SpawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "colony_spawns_total",
			Help: "Spawn attempts by result (spawned, reused, failed)",
		},
		[]string{"result"},
	)

	SpawnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "colony_spawn_duration_seconds",
			Help:    "Time from spawn request to ready in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	// Dispatch metrics
	SendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "colony_sends_total",
			Help: "Messages dispatched to workers by result",
		},
		[]string{"result"},
	)

	SendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "colony_send_duration_seconds",
			Help:    "Round trip time of worker sends in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	ExtractionStage = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "colony_response_extraction_total",
			Help: "Responses by the extraction stage that produced them",
		},
		[]string{"stage"},
	)

	// Health metrics
	HealthProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "colony_health_probes_total",
			Help: "Health probes by result",
		},
		[]string{"result"},
	)

	WorkersDeadTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "colony_workers_dead_total",
			Help: "Workers reaped by the health monitor",
		},
	)

	// Warm pool metrics
	WarmPoolActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "colony_warm_pool_actions_total",
			Help: "Warm pool actions (spawn, spawn_failed, evict)",
		},
		[]string{"action"},
	)

	// Job metrics
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "colony_jobs_total",
			Help: "Jobs by terminal status",
		},
		[]string{"status"},
	)

	JobsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "colony_jobs_pending",
			Help: "Jobs not yet completed",
		},
	)

	// Forwarder metrics
	ForwarderPollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "colony_forwarder_polls_total",
			Help: "Event forwarder polls by result",
		},
		[]string{"result"},
	)

	ForwardersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "colony_forwarders_active",
			Help: "Running event forwarders",
		},
	)

	EventsDropped = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "colony_events_dropped",
			Help: "Events discarded because the broker queue was full",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "colony_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "colony_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(SpawnsTotal)
	prometheus.MustRegister(SpawnDuration)
	prometheus.MustRegister(SendsTotal)
	prometheus.MustRegister(SendDuration)
	prometheus.MustRegister(ExtractionStage)
	prometheus.MustRegister(HealthProbesTotal)
	prometheus.MustRegister(WorkersDeadTotal)
	prometheus.MustRegister(WarmPoolActionsTotal)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobsPending)
	prometheus.MustRegister(ForwarderPollsTotal)
	prometheus.MustRegister(ForwardersActive)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
