//go:build unix

package daemonize

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"
)

const unsetID = -1

type config struct {
	chrootDirectory  string
	workingDirectory string
	umask            int
	uid              int
	gid              int
	userName         string
	groupName        string
	detachProcess    *bool
	preventCore      bool
	filesPreserve    []any
	stdin            Stream
	stdout           Stream
	stderr           Stream
	pidfile          *PIDLockFile
	signalMap        SignalMap
	maxSignalCount   int
	shutdownTimeout  time.Duration
	logger           *slog.Logger
	logSignal        func(ctx context.Context, logger *slog.Logger, sig os.Signal)
}

// Option configures a daemon context.
type Option func(*config)

// WithChrootDirectory makes the daemon change its root directory to dir.
// Paths given to other options must then lie inside dir.
func WithChrootDirectory(dir string) Option {
	return func(c *config) {
		c.chrootDirectory = dir
	}
}

// WithWorkingDirectory sets the directory the daemon changes into. The
// default is "/". With a chroot directory it is interpreted inside the new root.
func WithWorkingDirectory(dir string) Option {
	return func(c *config) {
		c.workingDirectory = dir
	}
}

// WithUmask sets the file creation mask of the daemon. The default is 0.
func WithUmask(mask int) Option {
	return func(c *config) {
		c.umask = mask
	}
}

// WithUID sets the user id the daemon drops to.
func WithUID(uid int) Option {
	return func(c *config) {
		c.uid = uid
	}
}

// WithGID sets the group id the daemon drops to.
func WithGID(gid int) Option {
	return func(c *config) {
		c.gid = gid
	}
}

// WithUser drops privileges to the named user. Its primary group is used
// unless a group is set explicitly.
func WithUser(name string) Option {
	return func(c *config) {
		c.userName = name
	}
}

// WithGroup drops privileges to the named group.
func WithGroup(name string) Option {
	return func(c *config) {
		c.groupName = name
	}
}

// WithDetachProcess forces detaching on or off. Without it the context
// detaches unless the process was started by init or by a super-server.
func WithDetachProcess(detach bool) Option {
	return func(c *config) {
		c.detachProcess = &detach
	}
}

// WithPreventCore controls whether core dumps are disabled. The default is true.
func WithPreventCore(prevent bool) Option {
	return func(c *config) {
		c.preventCore = prevent
	}
}

// WithFilesPreserve adds descriptors that must survive the descriptor sweep.
// Each handle is an int, a uintptr, an *FDSet or a value with an Fd() uintptr
// method such as *os.File.
func WithFilesPreserve(handles ...any) Option {
	return func(c *config) {
		c.filesPreserve = append(c.filesPreserve, handles...)
	}
}

// WithStdin sets the standard input target.
func WithStdin(s Stream) Option {
	return func(c *config) {
		c.stdin = s
	}
}

// WithStdout sets the standard output target.
func WithStdout(s Stream) Option {
	return func(c *config) {
		c.stdout = s
	}
}

// WithStderr sets the standard error target.
func WithStderr(s Stream) Option {
	return func(c *config) {
		c.stderr = s
	}
}

// WithPIDFile makes the context hold p for the lifetime of the daemon.
func WithPIDFile(p *PIDLockFile) Option {
	return func(c *config) {
		c.pidfile = p
	}
}

// WithSignalMap replaces the default signal map.
func WithSignalMap(m SignalMap) Option {
	return func(c *config) {
		c.signalMap = m
	}
}

// WithMaxSignalCount sets the maximum number of termination signals to receive while waiting for graceful shutdown.
// If the max number of signals is reached, immediate termination follows.
func WithMaxSignalCount(size int) Option {
	return func(c *config) {
		c.maxSignalCount = size
	}
}

// WithShutdownGraceDuration sets a timeout to the graceful shutdown process.
// Zero duration means infinite shutdown grace period.
func WithShutdownGraceDuration(d time.Duration) Option {
	return func(c *config) {
		c.shutdownTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// resolved is the validated form of a config.
type resolved struct {
	chrootDirectory  string
	workingDirectory string
	uid              int
	gid              int
	preserve         *FDSet
	pidPath          string
	stdin            Stream
	stdout           Stream
	stderr           Stream
}

// validate checks the configuration and resolves every path and id before
// any OS state changes. Relative paths resolve against the current working
// directory; paths used after chroot are re-expressed inside the new root.
func (c *config) validate() (resolved, error) {
	r := resolved{uid: c.uid, gid: c.gid}

	if c.chrootDirectory != "" {
		dir, err := filepath.Abs(c.chrootDirectory)
		if err != nil {
			return r, configErr("chroot_directory", "%v", err)
		}
		r.chrootDirectory = dir
	}

	switch wd := c.workingDirectory; {
	case wd == "":
		r.workingDirectory = defaultWorkingDirectory
	case r.chrootDirectory != "" && !filepath.IsAbs(wd):
		return r, configErr("working_directory", "%q is relative and ambiguous with a chroot directory", wd)
	case r.chrootDirectory != "":
		r.workingDirectory = filepath.Clean(wd)
	default:
		dir, err := filepath.Abs(wd)
		if err != nil {
			return r, configErr("working_directory", "%v", err)
		}
		r.workingDirectory = dir
	}

	if c.umask < 0 || c.umask > 0o777 {
		return r, configErr("umask", "%#o is not a permission mask", c.umask)
	}

	if err := c.resolveIDs(&r); err != nil {
		return r, err
	}

	preserve, err := preserveSet(c.filesPreserve)
	if err != nil {
		return r, err
	}
	r.preserve = preserve

	if c.pidfile != nil {
		p, err := filepath.Abs(c.pidfile.Path())
		if err != nil {
			return r, configErr("pidfile", "%v", err)
		}
		if r.pidPath, err = rebasePath(r.chrootDirectory, p); err != nil {
			return r, configErr("pidfile", "%s is outside the chroot directory %s", p, r.chrootDirectory)
		}
	}

	streams := [3]*Stream{&r.stdin, &r.stdout, &r.stderr}
	for i, s := range [3]Stream{c.stdin, c.stdout, c.stderr} {
		if s.path != "" {
			p, err := filepath.Abs(s.path)
			if err != nil {
				return r, configErr(standardStreams[i].name, "%v", err)
			}
			s = StreamPath(p)
		}
		rebased, err := s.rebase(r.chrootDirectory)
		if err != nil {
			return r, configErr(standardStreams[i].name, "%s is outside the chroot directory %s", s.path, r.chrootDirectory)
		}
		*streams[i] = rebased
	}

	for sig, action := range c.signalMap {
		if !action.valid() {
			return r, configErr("signal_map", "%v has no action", sig)
		}
	}

	return r, nil
}

func (c *config) resolveIDs(r *resolved) error {
	if c.userName != "" {
		u, err := user.Lookup(c.userName)
		if err != nil {
			return configErr("uid", "%v", err)
		}
		if r.uid, err = strconv.Atoi(u.Uid); err != nil {
			return configErr("uid", "user %s has non-numeric uid %q", c.userName, u.Uid)
		}
		if r.gid == unsetID && c.groupName == "" {
			if r.gid, err = strconv.Atoi(u.Gid); err != nil {
				return configErr("gid", "user %s has non-numeric gid %q", c.userName, u.Gid)
			}
		}
	}
	if c.groupName != "" {
		g, err := user.LookupGroup(c.groupName)
		if err != nil {
			return configErr("gid", "%v", err)
		}
		if r.gid, err = strconv.Atoi(g.Gid); err != nil {
			return configErr("gid", "group %s has non-numeric gid %q", c.groupName, g.Gid)
		}
	}
	if r.uid < unsetID {
		return configErr("uid", "%d is not a user id", r.uid)
	}
	if r.gid < unsetID {
		return configErr("gid", "%d is not a group id", r.gid)
	}
	return nil
}

type fder interface {
	Fd() uintptr
}

func preserveSet(handles []any) (*FDSet, error) {
	set := NewFDSet()
	for _, h := range handles {
		var fd int
		switch v := h.(type) {
		case int:
			fd = v
		case uintptr:
			fd = int(v)
		case *FDSet:
			set.Union(v)
			continue
		case fder:
			fd = int(v.Fd())
		default:
			return nil, configErr("files_preserve", "%T does not carry a file descriptor", h)
		}
		if fd < 0 {
			return nil, configErr("files_preserve", "%d is not a file descriptor", fd)
		}
		set.Add(fd)
	}
	return set, nil
}

func (r resolved) String() string {
	return fmt.Sprintf("chroot=%q cwd=%q uid=%d gid=%d preserve=%v pidfile=%q",
		r.chrootDirectory, r.workingDirectory, r.uid, r.gid, r.preserve.Slice(), r.pidPath)
}
