// Package registry is the in-memory table of worker instances keyed by
// profile id. It is the single source of truth for worker status; every
// mutation returns or publishes a copy, and subscribers are notified in
// order by one drainer goroutine outside the table lock.
package registry
