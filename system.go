package daemonize

import "os"

// descriptorTable is the part of the OS the descriptor components touch.
type descriptorTable interface {
	NofileLimit() (uint64, error)
	ListDescriptors() ([]int, error)
	CloseOnExec(fd int) (bool, error)
	RuntimeOwned(fd int) (bool, error)
	Close(fd int) error
	Dup2(oldfd, newfd int) error
	OpenFD(path string, flag int, perm uint32) (int, error)
}

// process holds the process-level primitives used while detaching and
// entering the daemon environment.
type process interface {
	Getenv(key string) string
	Unsetenv(key string) error
	Environ() []string
	Spawn(env []string, files []uintptr) (int, error)
	Setsid() error
	OSExit(code int)

	Getpid() int
	Getppid() int
	Geteuid() int
	Getegid() int
	IsSocket(fd int) bool

	Chroot(dir string) error
	Chdir(dir string) error
	Umask(mask int) int
	DisableCoreDumps() error
	Setgroups(gids []int) error
	Setgid(gid int) error
	Setuid(uid int) error
}

type signaler interface {
	SignalNotify(c chan<- os.Signal, sig ...os.Signal)
	SignalIgnore(sig ...os.Signal)
	SignalStop(c chan<- os.Signal)
}

// system is everything a Context needs from the OS.
type system interface {
	descriptorTable
	process
	signaler
}
