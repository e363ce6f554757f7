//go:build unix

package daemonize

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

const pidFilePerm = 0o644

// PIDLockFile is an exclusive advisory lock on a filesystem path whose
// content is the process id of the holder. The OS enforces a single holder
// per path; a stale file is reported by Stale and only removed by BreakLock.
type PIDLockFile struct {
	path string
	lock *flock.Flock
}

// NewPIDLockFile returns an unlocked handle on path.
func NewPIDLockFile(path string) *PIDLockFile {
	return &PIDLockFile{path: path, lock: flock.New(path)}
}

// Path returns the lock file path.
func (p *PIDLockFile) Path() string { return p.path }

// Locked reports whether this handle holds the lock.
func (p *PIDLockFile) Locked() bool { return p.lock.Locked() }

// Acquire takes the lock without blocking and records pid as the file
// content. A lock held by another process fails with a *LockHeldError.
func (p *PIDLockFile) Acquire(pid int) error {
	if p.lock.Locked() {
		return nil
	}

	ok, err := p.lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock pid file %s: %w", p.path, err)
	}
	if !ok {
		holder, _ := p.ReadPID()
		return &LockHeldError{Path: p.path, PID: holder}
	}

	if err := p.writePID(pid); err != nil {
		err = fmt.Errorf("write pid file %s: %w", p.path, err)
		return multierr.Append(err, p.release())
	}
	return nil
}

// Release removes the file and drops the lock. It never touches a file this
// handle does not hold.
func (p *PIDLockFile) Release() error {
	if !p.lock.Locked() {
		return fmt.Errorf("release %s: %w", p.path, ErrNotLocked)
	}
	return p.release()
}

func (p *PIDLockFile) release() error {
	var err error
	if rmErr := os.Remove(p.path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
		err = fmt.Errorf("remove pid file %s: %w", p.path, rmErr)
	}
	if unlockErr := p.lock.Unlock(); unlockErr != nil {
		err = multierr.Append(err, fmt.Errorf("unlock pid file %s: %w", p.path, unlockErr))
	}
	return err
}

// ReadPID returns the process id recorded in the file, or 0 when the file
// does not exist.
func (p *PIDLockFile) ReadPID() (int, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read pid file %s: %w", p.path, err)
	}

	line, _, _ := strings.Cut(string(data), "\n")
	line = strings.TrimSpace(line)
	pid, err := strconv.Atoi(line)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%w: %s: %q", ErrPIDFileParse, p.path, line)
	}
	return pid, nil
}

// Stale reports whether the file exists while no process holds the lock and
// the recorded process is gone.
func (p *PIDLockFile) Stale() (bool, error) {
	if p.lock.Locked() {
		return false, nil
	}
	held, err := p.heldElsewhere()
	if err != nil || held {
		return false, err
	}
	if _, err := os.Stat(p.path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	pid, err := p.ReadPID()
	if errors.Is(err, ErrPIDFileParse) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return pid == 0 || !processAlive(pid), nil
}

// BreakLock removes a lock file nobody holds. A live holder is never
// overridden.
func (p *PIDLockFile) BreakLock() error {
	if p.lock.Locked() {
		return p.release()
	}
	held, err := p.heldElsewhere()
	if err != nil {
		return err
	}
	if held {
		holder, _ := p.ReadPID()
		return &LockHeldError{Path: p.path, PID: holder}
	}
	if err := os.Remove(p.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("break pid file lock %s: %w", p.path, err)
	}
	return nil
}

// probe fails with a *LockHeldError when another process holds the lock.
func (p *PIDLockFile) probe() error {
	if p.lock.Locked() {
		return nil
	}
	held, err := p.heldElsewhere()
	if err != nil {
		return err
	}
	if held {
		holder, _ := p.ReadPID()
		return &LockHeldError{Path: p.path, PID: holder}
	}
	return nil
}

// heldElsewhere tries the lock through a second handle. A missing file is
// never held and is not created.
func (p *PIDLockFile) heldElsewhere() (bool, error) {
	if _, err := os.Stat(p.path); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	probe := flock.New(p.path)
	ok, err := probe.TryLock()
	if err != nil {
		return false, fmt.Errorf("probe pid file %s: %w", p.path, err)
	}
	if !ok {
		_ = probe.Close()
		return true, nil
	}
	return false, probe.Unlock()
}

// relocate points an unlocked handle at path.
func (p *PIDLockFile) relocate(path string) {
	if p.lock.Locked() || path == p.path {
		return
	}
	p.path = path
	p.lock = flock.New(path)
}

func (p *PIDLockFile) writePID(pid int) error {
	if err := os.WriteFile(p.path, []byte(strconv.Itoa(pid)+"\n"), pidFilePerm); err != nil {
		return err
	}
	return os.Chmod(p.path, pidFilePerm)
}

func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
