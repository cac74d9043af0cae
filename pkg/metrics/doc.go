/*
Package metrics provides Prometheus metrics and component health for colony.

All metrics are package-level collectors registered with the default registry
at init and exposed through Handler on /metrics.

# Metric Catalog

	Workers
	  colony_workers_total{status}            gauge, sampled by Collector
	  colony_spawns_total{result}             spawned | reused | failed
	  colony_spawn_duration_seconds           request to ready

	Dispatch
	  colony_sends_total{result}              succeeded | failed | rejected
	  colony_send_duration_seconds
	  colony_response_extraction_total{stage} text | reasoning | stream | refetch | poll | empty

	Background loops
	  colony_health_probes_total{result}      ok | retry | dead
	  colony_workers_dead_total
	  colony_warm_pool_actions_total{action}  spawned | failed | evicted | cooldown
	  colony_forwarder_polls_total{result}    ok | error | terminal
	  colony_forwarders_active

	Jobs and events
	  colony_jobs_total{status}               pending | succeeded | failed
	  colony_jobs_pending
	  colony_events_dropped

	API
	  colony_api_requests_total{route,status}
	  colony_api_request_duration_seconds{route}

# Timing

	timer := metrics.NewTimer()
	resp, err := dispatcher.Send(ctx, id, msg, opts)
	timer.ObserveDuration(metrics.SendDuration)

# Component Health

A Components tracker is owned by the manager and handed to the subsystems,
which report their own lifecycle state: the event broker, the health
monitor and the warm pool on Start and Stop, the manager for the registry
(running once Start completes, stopping as soon as Shutdown begins) and the
API server. Health is unhealthy when a component failed and degraded while
one is stopping; readiness waits for DefaultCritical to be running. Both
responses carry per-status worker counts.
*/
package metrics
