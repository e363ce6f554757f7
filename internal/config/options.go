package config

import (
	"github.com/ifnotnil/daemonize"
)

// Options translates a validated Config into daemon context options.
func (c *Config) Options() ([]daemonize.Option, error) {
	opts := []daemonize.Option{
		daemonize.WithChrootDirectory(c.ChrootDirectory),
		daemonize.WithWorkingDirectory(c.WorkingDirectory),
		daemonize.WithUmask(c.Umask),
		daemonize.WithPreventCore(c.PreventCore),
		daemonize.WithMaxSignalCount(c.Shutdown.MaxSignalCount),
	}

	switch c.Detach {
	case DetachAlways:
		opts = append(opts, daemonize.WithDetachProcess(true))
	case DetachNever:
		opts = append(opts, daemonize.WithDetachProcess(false))
	}

	if c.User != "" {
		opts = append(opts, daemonize.WithUser(c.User))
	}
	if c.Group != "" {
		opts = append(opts, daemonize.WithGroup(c.Group))
	}
	if c.UID != nil {
		opts = append(opts, daemonize.WithUID(*c.UID))
	}
	if c.GID != nil {
		opts = append(opts, daemonize.WithGID(*c.GID))
	}

	if len(c.FilesPreserve) > 0 {
		opts = append(opts, daemonize.WithFilesPreserve(daemonize.NewFDSet(c.FilesPreserve...)))
	}

	if c.Stdin != "" {
		opts = append(opts, daemonize.WithStdin(daemonize.StreamPath(c.Stdin)))
	}
	if c.Stdout != "" {
		opts = append(opts, daemonize.WithStdout(daemonize.StreamPath(c.Stdout)))
	}
	if c.Stderr != "" {
		opts = append(opts, daemonize.WithStderr(daemonize.StreamPath(c.Stderr)))
	}

	if c.PIDFile.Path != "" {
		opts = append(opts, daemonize.WithPIDFile(daemonize.NewPIDLockFile(c.PIDFile.Path)))
	}

	signals, err := c.SignalMap()
	if err != nil {
		return nil, err
	}
	opts = append(opts, daemonize.WithSignalMap(signals))

	grace, err := c.Shutdown.GraceDuration()
	if err != nil {
		return nil, err
	}
	opts = append(opts, daemonize.WithShutdownGraceDuration(grace))

	return opts, nil
}

// SignalMap is the default signal map with the configured overrides applied.
func (c *Config) SignalMap() (daemonize.SignalMap, error) {
	m := daemonize.DefaultSignalMap()
	for _, name := range c.Signals.Ignore {
		sig, err := parseSignal(name)
		if err != nil {
			return nil, err
		}
		m[sig] = daemonize.SignalIgnore
	}
	for _, name := range c.Signals.Terminate {
		sig, err := parseSignal(name)
		if err != nil {
			return nil, err
		}
		m[sig] = daemonize.SignalTerminate
	}
	return m, nil
}
