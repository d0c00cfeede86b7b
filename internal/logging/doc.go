// Package logging provides structured logging with per-module log level configuration.
//
// # Overview
//
// The logging system uses Go's slog package with automatic output routing:
//   - Logs to systemd journal when available (Linux systems with journald)
//   - Logs to stdout when a terminal, pipe, or file is connected
//   - Logs to both when both are available
//
// # Usage
//
// Initialize the logging system once at startup:
//
//	logging.Initialize(logging.Config{
//		Level:  "info",      // Global log level: debug, info, warn, error
//		Format: "text",      // Output format: text or json
//		Modules: map[string]string{
//			"channel": "debug",  // Per-module overrides
//			"api":     "warn",
//		},
//	})
//
// Get a logger for your module:
//
//	logger := logging.GetLogger("mymodule")
//	logger.Info("Starting up", "port", 8080)
//	logger.Debug("Details", "config", cfg)
//	logger.Warn("Something unusual", "error", err)
//	logger.Error("Failed", "error", err)
//
// Add contextual attributes:
//
//	logger := logging.GetLogger("sfu").With("router_id", id)
//	logger.Info("Router created")  // Includes router_id in all logs
//
// # Log Levels
//
//	debug - Verbose debugging information
//	info  - General operational messages
//	warn  - Warning conditions
//	error - Error conditions
//
// # Output Destinations
//
// The system automatically detects available outputs:
//
//	Journal available + stdout available → MultiHandler (both)
//	Journal available only              → JournalHandler
//	Stdout available only               → TextHandler or JSONHandler
//
// Journal availability is checked via [github.com/coreos/go-systemd/v22/journal.Enabled].
// Every chain also feeds a [RingBuffer] of the last 1000 entries, read by
// GET /api/logs, and the callback installed with [SetLogCallback].
//
// # Worker output
//
// The worker subprocess logs through two paths, both under the "worker"
// module: its stdout and stderr lines (debug and error), and the D/W/E
// diagnostic frames it writes on the control channel (debug, warn, error).
//
// # Viewing Logs
//
// When running as a systemd service or on a system with journald:
//
//	journalctl -t workerctl              # All workerctl logs
//	journalctl -t workerctl -f           # Follow live
//	journalctl -t workerctl -p err       # Errors only
//
// Filter by structured fields:
//
//	journalctl -t workerctl WORKERCTL_MODULE=channel
//	journalctl -t workerctl WORKER_PID=4242
//
// # Configuration
//
// Log levels can be set globally or per-module. Module-specific levels
// override the global level for that module only. [SetModuleLevel] and a
// repeated [Initialize] change levels of loggers already handed out.
//
// Example TOML configuration; keys other than level and format name modules:
//
//	[logging]
//	level = "info"
//	format = "text"
//	channel = "debug"
//	api = "warn"
//	process = "error"
package logging
