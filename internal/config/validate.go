package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateProcess(); err != nil {
		return err
	}
	if err := c.validateSignals(); err != nil {
		return err
	}
	if err := c.validateShutdown(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateProcess() error {
	switch c.Detach {
	case DetachAuto, DetachAlways, DetachNever:
	default:
		return fmt.Errorf("detach must be one of %s, %s or %s, got %q", DetachAuto, DetachAlways, DetachNever, c.Detach)
	}
	if c.Umask < 0 || c.Umask > 0o777 {
		return fmt.Errorf("umask %#o is not a permission mask", c.Umask)
	}
	if c.UID != nil && *c.UID < 0 {
		return errors.New("uid must not be negative")
	}
	if c.GID != nil && *c.GID < 0 {
		return errors.New("gid must not be negative")
	}
	if c.UID != nil && c.User != "" {
		return errors.New("uid and user are mutually exclusive")
	}
	if c.GID != nil && c.Group != "" {
		return errors.New("gid and group are mutually exclusive")
	}
	for _, fd := range c.FilesPreserve {
		if fd < 0 {
			return fmt.Errorf("files_preserve: %d is not a file descriptor", fd)
		}
	}
	if c.PIDFile.BreakStale && c.PIDFile.Path == "" {
		return errors.New("pidfile.break_stale requires pidfile.path")
	}
	return nil
}

func (c *Config) validateSignals() error {
	seen := make(map[syscall.Signal]string)
	for _, list := range [][]string{c.Signals.Ignore, c.Signals.Terminate} {
		for _, name := range list {
			sig, err := parseSignal(name)
			if err != nil {
				return err
			}
			if prev, dup := seen[sig]; dup {
				return fmt.Errorf("signals: %s is listed twice (as %s)", name, prev)
			}
			seen[sig] = name
		}
	}
	return nil
}

func (c *Config) validateShutdown() error {
	if _, err := c.Shutdown.GraceDuration(); err != nil {
		return err
	}
	if c.Shutdown.MaxSignalCount < 0 {
		return errors.New("shutdown.max_signal_count must not be negative")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case FormatAuto, FormatText, FormatJSON:
	default:
		return fmt.Errorf("logging.format must be one of %s, %s or %s, got %q", FormatAuto, FormatText, FormatJSON, c.Logging.Format)
	}
	if _, err := c.Logging.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// GraceDuration parses Grace. An empty value is no timeout.
func (s Shutdown) GraceDuration() (time.Duration, error) {
	if s.Grace == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.Grace)
	if err != nil {
		return 0, fmt.Errorf("shutdown.grace: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("shutdown.grace must not be negative, got %s", s.Grace)
	}
	return d, nil
}

// SlogLevel parses Level.
func (l Logging) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return level, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}

// parseSignal accepts "SIGHUP", "sighup" and "HUP".
func parseSignal(name string) (syscall.Signal, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	if !strings.HasPrefix(n, "SIG") {
		n = "SIG" + n
	}
	sig := unix.SignalNum(n)
	if sig == 0 {
		return 0, fmt.Errorf("signals: unknown signal %q", name)
	}
	if sig == unix.SIGKILL || sig == unix.SIGSTOP {
		return 0, fmt.Errorf("signals: %s cannot be caught or ignored", n)
	}
	return sig, nil
}
