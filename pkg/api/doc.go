/*
Package api serves a Manager over HTTP.

# Routes

	GET    /v1/workers               list workers (?status=)
	GET    /v1/workers/{id}          one worker
	POST   /v1/workers/{id}/spawn    spawn a configured profile
	DELETE /v1/workers/{id}          stop a worker
	POST   /v1/workers/{id}/send     send a message (?async=true returns a job)
	GET    /v1/summary               text summary of the worker table
	GET    /v1/sessions              tracked sessions
	GET    /v1/jobs                  list jobs (?worker= ?status= ?limit=)
	GET    /v1/jobs/{id}             one job
	GET    /v1/jobs/{id}/await       block until the job completes (?timeout=)
	GET    /v1/events                websocket stream of engine events
	GET    /health /live /ready      health probes
	GET    /metrics                  Prometheus metrics

Errors are returned as {"error": "..."} with a status derived from the
engine's sentinel errors: unknown workers, profiles and jobs are 404, a
policy refusal is 403, a worker that is not ready is 409 and a rejected
attachment is 400. A send that reached the worker but failed is answered
with 502 and the full send result.

Every request is counted in colony_api_requests_total and timed in
colony_api_request_duration_seconds, labelled by route pattern.
*/
package api
