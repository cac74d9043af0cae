/*
Package storage holds the device registry: a record of live worker runtime
endpoints shared by every colony process on a host.

When a process spawns a worker it records the runtime URL, port and session in
the registry. A second process asked for the same worker can then adopt the
running runtime instead of starting another one. Entries expire after a TTL
(24h by default) and are purged by the spawner when a liveness probe fails.

BoltStore keeps the registry in a bbolt file. Because bbolt takes an exclusive
file lock while a database is open, each operation opens and closes the file
with a bounded lock wait. MemoryStore is a process-local implementation for
tests and single-process setups.
*/
package storage
