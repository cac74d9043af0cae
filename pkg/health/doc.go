/*
Package health watches running workers and declares the unresponsive ones
dead.

The Monitor ticks every Config.Interval (never faster than MinInterval
unless AllowFastInterval is set) and probes every ready or busy worker in
parallel. The default probe is a SessionChecker, which lists sessions on
the worker runtime; a TCPChecker only dials the port.

A failed probe is retried with exponential backoff starting at
Config.Backoff. After Config.MaxRetries consecutive failures the worker is
marked dead, its runtime is released through the OnDead callback and it is
removed from the registry. The monitor never restarts a worker; the next
spawn request for the profile does.

	Probe OK      → status reset, worker stays
	Probe fails   → retry with backoff
	N failures    → dead → OnDead → unregistered

WaitForTCP is also used by the local runtime backend as its readiness wait.
*/
package health
