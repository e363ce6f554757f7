//go:build unix

package daemonize

import (
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// NewInspector returns an Inspector over the current process.
func NewInspector() *Inspector {
	return &Inspector{table: std{}}
}

// NewCloser returns a Closer over the current process. The descriptors of the
// Go runtime are left open unless keepRuntime is false; closing those breaks
// its poller.
func NewCloser(logger *slog.Logger, keepRuntime bool) *Closer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Closer{inspector: NewInspector(), logger: logger, keepRuntime: keepRuntime}
}

// CloseAll closes every descriptor of the current process that is not in
// exclude and not held by the Go runtime.
func CloseAll(exclude *FDSet) CloseReport {
	return NewCloser(nil, true).CloseAll(exclude)
}

type std struct{}

var _ system = std{}

func (std) SignalStop(c chan<- os.Signal) {
	signal.Stop(c)
}

func (std) SignalNotify(c chan<- os.Signal, sig ...os.Signal) {
	signal.Notify(c, sig...)
}

func (std) SignalIgnore(sig ...os.Signal) {
	signal.Ignore(sig...)
}

func (std) OSExit(code int) {
	os.Exit(code)
}

func (std) NofileLimit() (uint64, error) {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return 0, err
	}
	return uint64(rlim.Cur), nil //nolint:unconvert // int64 on some BSDs
}

func (std) ListDescriptors() ([]int, error) {
	entries, err := os.ReadDir(fdDir)
	if err != nil {
		return nil, err
	}
	fds := make([]int, 0, len(entries))
	for _, e := range entries {
		fd, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		fds = append(fds, fd)
	}
	return fds, nil
}

func (std) CloseOnExec(fd int) (bool, error) {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return false, err
	}
	return flags&unix.FD_CLOEXEC != 0, nil
}

// runtimeKind classifies fd by file type when no link target is available.
// The poller and its wakeup descriptors are anonymous inodes, kqueues or pipes.
func runtimeKind(fd int) (bool, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return false, err
	}
	switch uint32(st.Mode) & unix.S_IFMT {
	case 0, unix.S_IFIFO:
		return true, nil
	}
	return false, nil
}

func (std) Close(fd int) error { return unix.Close(fd) }

func (std) Dup2(oldfd, newfd int) error { return unix.Dup2(oldfd, newfd) }

// OpenFD leaves the descriptor inheritable; it only ever lands on, or is
// duplicated onto, a standard stream.
func (std) OpenFD(path string, flag int, perm uint32) (int, error) {
	return unix.Open(path, flag, perm)
}

func (std) Getenv(key string) string { return os.Getenv(key) }

func (std) Unsetenv(key string) error { return os.Unsetenv(key) }

func (std) Environ() []string { return os.Environ() }

// Spawn re-executes the running binary with the original arguments. files is
// indexed by descriptor number in the child; ^uintptr(0) leaves a slot closed.
func (std) Spawn(env []string, files []uintptr) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, err
	}
	pid, _, err := syscall.StartProcess(exe, os.Args, &syscall.ProcAttr{
		Env:   env,
		Files: files,
	})
	return pid, err
}

func (std) Setsid() error {
	_, err := unix.Setsid()
	return err
}

func (std) Getpid() int { return unix.Getpid() }

func (std) Getppid() int { return unix.Getppid() }

func (std) Geteuid() int { return unix.Geteuid() }

func (std) Getegid() int { return unix.Getegid() }

func (std) IsSocket(fd int) bool {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return false
	}
	return uint32(st.Mode)&unix.S_IFMT == unix.S_IFSOCK
}

func (std) Chroot(dir string) error { return unix.Chroot(dir) }

func (std) Chdir(dir string) error { return unix.Chdir(dir) }

func (std) Umask(mask int) int { return unix.Umask(mask) }

func (std) DisableCoreDumps() error {
	return unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{})
}

// The credential calls go through package syscall, which applies them to
// every runtime thread.

func (std) Setgroups(gids []int) error { return syscall.Setgroups(gids) }

func (std) Setgid(gid int) error { return syscall.Setgid(gid) }

func (std) Setuid(uid int) error { return syscall.Setuid(uid) }
