//go:build unix && !linux

package daemonize

const fdDir = "/dev/fd"
