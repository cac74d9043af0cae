/*
Package log provides structured logging for colony using zerolog.

A single package-level Logger is configured once with Init. Components derive
child loggers that carry a fixed field:

	logger := log.WithComponent("spawner")
	logger.Info().Str("worker_id", id).Msg("worker ready")

	wlog := log.WithWorkerID("alpha")
	wlog.Warn().Err(err).Msg("probe failed")

Output is JSON lines unless Format is console, or Format is left empty and the
output is a terminal. Background loops log their failures and keep running;
nothing in colony returns an error out of a ticker loop.
*/
package log
