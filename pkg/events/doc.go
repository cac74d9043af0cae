/*
Package events provides the engine's best-effort event stream.

Every lifecycle transition (worker spawned, ready, busy, error, stopped, dead,
reused), job completion, model resolution and linked-session activity is
published to a Broker. Consumers either Subscribe for a buffered channel or
register a Sink callback.

Publish never blocks: when the internal queue is full the event is counted as
dropped and discarded, and a full subscriber buffer skips that subscriber. A
panicking sink is recovered and logged.
*/
package events
