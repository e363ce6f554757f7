package daemonize

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks an invalid combination of settings. It is always
	// reported before any OS state changes.
	ErrConfiguration = errors.New("invalid daemon configuration")

	// ErrDetachment marks a failed fork or session change.
	ErrDetachment = errors.New("daemon detachment failed")

	// ErrLockHeld is returned when another live process holds the PID lock.
	ErrLockHeld = errors.New("pid file is locked by another process")

	// ErrRedirection marks a standard stream target that could not be opened.
	ErrRedirection = errors.New("standard stream redirection failed")

	// ErrNotLocked is returned by Release when this instance does not hold the lock.
	ErrNotLocked = errors.New("pid file is not locked by this process")

	// ErrPIDFileParse is returned when the pid file content is not a process id.
	ErrPIDFileParse = errors.New("pid file content is not a valid process id")
)

// ConfigurationError describes the setting that failed validation.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrConfiguration, e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

func configErr(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// LockHeldError reports the path of a held PID lock and the process id
// recorded in it, when readable.
type LockHeldError struct {
	Path string
	PID  int
}

func (e *LockHeldError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("%s: %s (pid %d)", ErrLockHeld, e.Path, e.PID)
	}
	return fmt.Sprintf("%s: %s", ErrLockHeld, e.Path)
}

func (e *LockHeldError) Unwrap() error { return ErrLockHeld }

func detachErr(step string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrDetachment, step, err)
}

func redirectErr(stream string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrRedirection, stream, err)
}
