package server

import "time"

// PathRedactor is a function type for custom path redaction in logs, used
// when a session logs a path-bearing command (RETR/STOR/DELE/RNFR, ...)
// through the internal/telemetry logger so deployments with sensitive
// directory layouts don't leak them into log aggregation.
type PathRedactor func(path string) string

// MetricsCollector is an optional interface for collecting server metrics.
// internal/telemetry.Metrics is the bundled implementation, backing these
// calls with github.com/prometheus/client_golang counters/histograms
// registered under the "ftpd_" namespace.
//
// All methods are called from various points in the server lifecycle and
// should be non-blocking. If a method takes significant time, it should
// dispatch the work asynchronously.
//
// The server will check if the collector is nil before calling methods,
// so implementations don't need to handle nil receivers.
type MetricsCollector interface {
	// RecordCommand records metrics for an FTP command execution.
	// cmd is the command name (e.g., "RETR", "STOR", "LIST").
	// success indicates whether the command completed successfully.
	// duration is how long the command took to execute.
	RecordCommand(cmd string, success bool, duration time.Duration)

	// RecordTransfer records metrics for a file transfer operation.
	// operation is either "RETR" (download) or "STOR" (upload).
	// bytes is the number of bytes transferred.
	// duration is how long the transfer took.
	RecordTransfer(operation string, bytes int64, duration time.Duration)

	// RecordConnection records metrics for connection attempts.
	// accepted indicates whether the connection was accepted.
	// reason provides context (e.g., "global_limit_reached", "per_ip_limit_reached", "accepted").
	RecordConnection(accepted bool, reason string)

	// RecordAuthentication records metrics for authentication attempts.
	// success indicates whether authentication succeeded.
	// user is the username that attempted to authenticate.
	RecordAuthentication(success bool, user string)
}
