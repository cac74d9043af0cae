/*
Package runtime is colony's boundary to the external worker runtime.

A worker runtime is a separate process that exposes a session/prompt control
API over HTTP. This package provides:

  - Client: session.create, session.prompt, session.list and session.messages,
    plus the optional ToolLister capability probe and Streamer for incremental
    output. HTTPClient is the production implementation.
  - Error: a tagged union (network, api, plain, timeout, unknown) that every
    runtime failure is normalised into via Normalize. Message renders any
    error shape as text, and IsTerminal detects "session gone" failures.
  - Backend: starts a runtime process and returns a Handle with its URL, PID
    and an idempotent Close. LocalBackend runs the configured command in its
    own process group and escalates SIGTERM to SIGKILL after a grace period.

Timeouts are expressed through context deadlines; an expired context aborts
the underlying HTTP request so the runtime can stop work.
*/
package runtime
