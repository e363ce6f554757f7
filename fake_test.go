//go:build unix

package daemonize

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/mock"
)

// fakeSystem is an in-memory process: a descriptor table, an environment and
// a log of every state changing call.
type fakeSystem struct {
	mu sync.Mutex

	nofile    uint64
	nofileErr error
	listErr   error

	// fds maps open descriptors to their close-on-exec flag.
	fds      map[int]bool
	runtime  map[int]bool
	closeErr map[int]error
	openErr  map[string]error
	dup2Err  error

	env       map[string]string
	spawnErr  error
	spawned   [][]uintptr
	spawnEnv  [][]string
	setsidErr error
	exit      func(int)

	pid, ppid, euid, egid int
	socketStdin           bool
	chrootErr             error

	calls []string

	notified []os.Signal
	ignored  []os.Signal
	stopped  int
}

var _ system = (*fakeSystem)(nil)

func newFakeSystem(t *testing.T) *fakeSystem {
	t.Helper()
	return &fakeSystem{
		nofile:  64,
		fds:     map[int]bool{0: false, 1: false, 2: false},
		runtime: map[int]bool{},
		env:     map[string]string{"HOME": "/root"},
		exit:    exitCalls(t),
		pid:     4242,
		ppid:    4000,
		euid:    1000,
		egid:    1000,
	}
}

// withOpen marks the descriptors as open and inheritable.
func (f *fakeSystem) withOpen(fds ...int) *fakeSystem {
	for _, fd := range fds {
		f.fds[fd] = false
	}
	return f
}

func (f *fakeSystem) withCloseOnExec(fds ...int) *fakeSystem {
	for _, fd := range fds {
		f.fds[fd] = true
	}
	return f
}

// withRuntime marks the descriptors as close-on-exec descriptors of the runtime.
func (f *fakeSystem) withRuntime(fds ...int) *fakeSystem {
	for _, fd := range fds {
		f.fds[fd] = true
		f.runtime[fd] = true
	}
	return f
}

func (f *fakeSystem) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeSystem) openFDs() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, 0, len(f.fds))
	for fd := range f.fds {
		out = append(out, fd)
	}
	sort.Ints(out)
	return out
}

func (f *fakeSystem) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakeSystem) NofileLimit() (uint64, error) { return f.nofile, f.nofileErr }

func (f *fakeSystem) ListDescriptors() ([]int, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.openFDs(), nil
}

func (f *fakeSystem) CloseOnExec(fd int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cloexec, ok := f.fds[fd]
	if !ok {
		return false, syscall.EBADF
	}
	return cloexec, nil
}

func (f *fakeSystem) RuntimeOwned(fd int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.fds[fd]; !ok {
		return false, syscall.EBADF
	}
	return f.runtime[fd], nil
}

func (f *fakeSystem) Close(fd int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.closeErr[fd]; err != nil {
		return err
	}
	if _, ok := f.fds[fd]; !ok {
		return syscall.EBADF
	}
	delete(f.fds, fd)
	f.record("close %d", fd)
	return nil
}

func (f *fakeSystem) Dup2(oldfd, newfd int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dup2Err != nil {
		return f.dup2Err
	}
	f.fds[newfd] = false
	f.record("dup2 %d %d", oldfd, newfd)
	return nil
}

// OpenFD allocates the lowest free descriptor, as open(2) does.
func (f *fakeSystem) OpenFD(path string, _ int, _ uint32) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.openErr[path]; err != nil {
		return -1, err
	}
	fd := 0
	for {
		if _, used := f.fds[fd]; !used {
			break
		}
		fd++
	}
	f.fds[fd] = false
	f.record("open %s %d", path, fd)
	return fd, nil
}

func (f *fakeSystem) Getenv(key string) string { return f.env[key] }

func (f *fakeSystem) Unsetenv(key string) error {
	delete(f.env, key)
	return nil
}

func (f *fakeSystem) Environ() []string {
	out := make([]string, 0, len(f.env))
	for k, v := range f.env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (f *fakeSystem) Spawn(env []string, files []uintptr) (int, error) {
	if f.spawnErr != nil {
		return 0, f.spawnErr
	}
	f.spawnEnv = append(f.spawnEnv, env)
	f.spawned = append(f.spawned, files)
	f.record("spawn")
	return f.pid + len(f.spawned), nil
}

func (f *fakeSystem) Setsid() error {
	if f.setsidErr != nil {
		return f.setsidErr
	}
	f.record("setsid")
	return nil
}

func (f *fakeSystem) OSExit(code int) { f.exit(code) }

func (f *fakeSystem) Getpid() int  { return f.pid }
func (f *fakeSystem) Getppid() int { return f.ppid }
func (f *fakeSystem) Geteuid() int { return f.euid }
func (f *fakeSystem) Getegid() int { return f.egid }

func (f *fakeSystem) IsSocket(fd int) bool { return fd == 0 && f.socketStdin }

func (f *fakeSystem) Chroot(dir string) error {
	if f.chrootErr != nil {
		return f.chrootErr
	}
	f.record("chroot %s", dir)
	return nil
}

func (f *fakeSystem) Chdir(dir string) error {
	f.record("chdir %s", dir)
	return nil
}

func (f *fakeSystem) Umask(mask int) int {
	f.record("umask %#o", mask)
	return 0o022
}

func (f *fakeSystem) DisableCoreDumps() error {
	f.record("prevent core")
	return nil
}

func (f *fakeSystem) Setgroups(gids []int) error {
	f.record("setgroups %v", gids)
	return nil
}

func (f *fakeSystem) Setgid(gid int) error {
	f.record("setgid %d", gid)
	return nil
}

func (f *fakeSystem) Setuid(uid int) error {
	f.record("setuid %d", uid)
	return nil
}

func (f *fakeSystem) SignalNotify(_ chan<- os.Signal, sig ...os.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, sig...)
}

func (f *fakeSystem) SignalIgnore(sig ...os.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ignored = append(f.ignored, sig...)
}

func (f *fakeSystem) SignalStop(_ chan<- os.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

var errFake = errors.New("fake failure")

func exitCalls(t *testing.T, expectedCodes ...int) func(code int) {
	t.Helper()

	m := mock.Mock{}
	m.Test(t)
	for _, c := range expectedCodes {
		m.On("exit", c).Once()
	}
	t.Cleanup(func() { m.AssertExpectations(t) })

	return func(code int) { m.MethodCalled("exit", code) }
}
