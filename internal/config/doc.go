// Package config loads the TOML description of a daemon context used by the
// daemonize command.
//
// A minimal file:
//
//	working_directory = "/var/lib/app"
//	umask = 0o027
//	user = "app"
//	stdout = "/var/log/app/out.log"
//	stderr = "/var/log/app/err.log"
//
//	[pidfile]
//	path = "/run/app.pid"
//	break_stale = true
//
//	[signals]
//	ignore = ["SIGHUP"]
//
//	[shutdown]
//	grace = "10s"
//	max_signal_count = 3
//
// Load applies the file over Default, expands a leading "~" in paths and
// validates the result. Options turns it into daemonize options.
package config
