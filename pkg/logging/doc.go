// Package logging provides structured logging for the salt-runtests tool,
// built on Go's standard slog package.
//
// Log entries carry a subsystem identifier so runner, discovery, daemon
// orchestration and CI glue output can be told apart:
//
//	logging.Info("Discovery", "searching for tests under %s", root)
//	logging.Error("Daemons", err, "failed to stop %s", name)
//
// The CLI maps repeated -v flags onto levels through LevelForVerbosity and
// calls InitForCLI once during startup. Until then a warn-level stderr
// logger is in place so early failures are not silently dropped.
package logging
