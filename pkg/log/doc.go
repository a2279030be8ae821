/*
Package log provides structured logging for Burrow using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Usage

Initialize once at startup, then derive child loggers per component:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("group")
	logger.Info().Str("member_id", id).Msg("Member joined")

State machines log per-commit activity at debug level and lifecycle
transitions (joins, elections, session expiry) at info level, so a
production node can run at info without per-operation noise.
*/
package log
