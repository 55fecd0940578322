/*
Package log provides structured logging for Verge using zerolog.

The package wraps zerolog with a global logger, component-scoped child
loggers (WithComponent, WithPart, WithSession), and configurable console
or JSON output. Every daemon initializes it once at startup; the level is
the only knob that moves afterwards.

# Disk monitor

The package also carries the log disk monitor: it samples the free bytes
of the log directory on an interval and raises the global level as
watermarks are crossed (warn, error, fatal), restoring the configured
level once space recovers. Watermarks must be ordered fatal < error <
warn or the monitor refuses to start.

	monitor, err := log.NewMonitor(log.DefaultMonitorConfig(dir))
	monitor.Start()
	defer monitor.Stop()
*/
package log
