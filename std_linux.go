package daemonize

import (
	"os"
	"path"
	"strconv"
	"strings"
)

// RuntimeOwned matches the link target of fd against the descriptors the
// runtime opens: the epoll instance, its wakeup eventfd, process pidfds and
// the cgroup CPU limit files behind GOMAXPROCS.
func (std) RuntimeOwned(fd int) (bool, error) {
	target, err := os.Readlink(fdDir + "/" + strconv.Itoa(fd))
	if err != nil {
		return runtimeKind(fd)
	}
	return runtimeTarget(target), nil
}

func runtimeTarget(target string) bool {
	switch target {
	case "anon_inode:[eventpoll]", "anon_inode:[eventfd]", "anon_inode:[pidfd]":
		return true
	}
	if strings.HasPrefix(target, "pidfd:") {
		return true
	}
	if strings.Contains(target, "cgroup") {
		switch path.Base(target) {
		case "cpu.max", "cpu.cfs_quota_us", "cpu.cfs_period_us":
			return true
		}
	}
	return false
}
