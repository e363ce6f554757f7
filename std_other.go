//go:build unix && !linux

package daemonize

func (std) RuntimeOwned(fd int) (bool, error) { return runtimeKind(fd) }
