// Package jobs tracks asynchronous sends. A job completes exactly once;
// completed jobs beyond the retention limit are evicted oldest first and,
// when an archive is configured, remain readable from SQLite.
package jobs
