package api

import (
	"net/http"

	"github.com/cuemby/colony/pkg/manager"
	"github.com/cuemby/colony/pkg/metrics"
)

// registerHealth mounts the probes. /ready answers 200 once the registry,
// health monitor and event broker report running, and 503 from the moment
// shutdown begins.
func registerHealth(mux *http.ServeMux, mgr *manager.Manager) {
	comps := mgr.Components()
	mux.Handle("GET /health", comps.HealthHandler())
	mux.Handle("GET /live", comps.LivenessHandler())
	mux.Handle("GET /ready", comps.ReadyHandler())
	mux.Handle("GET /metrics", metrics.Handler())
}
