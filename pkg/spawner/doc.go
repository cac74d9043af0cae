/*
Package spawner brings worker runtimes up and down.

Spawn is deduplicated per profile id: concurrent callers share one attempt
and all receive the same instance. An attempt tries, in order:

 1. an instance already ready or busy in the registry
 2. a runtime recorded in the device registry by an earlier process,
    if policy allows reuse and the runtime still answers
 3. a new runtime, started under a cross-process lock so two processes
    never start the same profile at once

A new runtime gets a session, a one-shot bootstrap prompt describing the
worker's identity and permissions, and a device registry entry. If the
runtime fails because its tool servers are unavailable it is restarted once
without them and the instance carries a warning.

Any failure leaves the instance in the error state with a message naming
the stage that failed; nothing started by the attempt is left running.
*/
package spawner
