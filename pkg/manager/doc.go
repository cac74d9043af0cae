/*
Package manager wires the colony subsystems into one orchestrator context.

A Manager owns a single instance of every moving part: the event broker,
the worker registry, the spawner with its device registry and spawn locks,
the message dispatcher, the health monitor, the warm pool, the job registry
and the session manager. Nothing in the process is global apart from the
Prometheus registry.

# Lifecycle

	m, err := manager.NewManager(cfg, store)
	if err != nil {
		return err
	}
	if err := m.Start(ctx); err != nil {
		return err
	}
	defer m.Shutdown(context.Background())

Start launches the health monitor, the warm pool loop and the metrics
collector, then spawns every auto-spawn profile. Profile reloads
reconfigure the warm pool.

Shutdown runs in two phases. Background loops stop and every active worker
receives a notice; the phase is bounded by Config.ShutdownGrace. Then all
workers are stopped in parallel and the job archive and broker are closed.

# Spawn policy

SpawnByID checks the profile policy for the caller's intent (auto,
on-demand, manual) and fails with ErrSpawnDenied when it is not allowed.
Spawn bypasses policy and is used by the warm pool and by callers holding
an explicit profile.
*/
package manager
