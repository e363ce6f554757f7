//go:build unix

package daemonize

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
)

type daemonCTXKeyType string

const daemonCTXKey = daemonCTXKeyType("daemonCTXKey")

type OnShutDownCallBack func(context.Context)

// CancelCTX cancels the Context's CTX when registered as a shutdown callback,
// ahead of the callbacks registered after it.
var CancelCTX OnShutDownCallBack = func(ctx context.Context) {
	a := ctx.Value(daemonCTXKey)
	if d, is := a.(*Context); is {
		d.ctxCancel()
	}
}

type lifecycleState int

const (
	unopened lifecycleState = iota
	opened
	closed
)

// Context turns the calling process into a daemon and owns the guarantees
// that come with it: a detached session, a clean descriptor table,
// redirected standard streams, installed signal actions and the PID lock.
//
// Open performs, in this order:
//
//  1. validation, including a probe of the PID lock
//  2. detachment (double fork)
//  3. chroot, working directory, umask, core dump prevention, privilege drop
//  4. closing of every descriptor outside the preserved set, except the runtime's own
//  5. redirection of the standard streams
//  6. installation of the signal map
//  7. acquisition of the PID lock
//
// Once open, a terminate signal (or ShutDown, or the end of the parent context
// given to Open) runs the registered shutdown callbacks, cancels CTX and
// releases the PID lock.
type Context struct {
	config   config
	resolved resolved
	sys      system

	inspector  *Inspector
	closer     *Closer
	redirector *Redirector
	detacher   *Detacher

	stateMu  sync.Mutex
	state    lifecycleState
	detached bool

	parentCTX context.Context
	ctx       context.Context
	ctxCancel func()
	live      atomic.Bool

	signals *signalInstaller

	onShutDownMutex sync.Mutex
	onShutDown      []func(context.Context)

	shutDownOnce sync.Once
	releaseErr   error

	done chan struct{}
}

// New validates the options and returns an unopened Context. Validation
// failures are *ConfigurationError values and happen before any OS change.
func New(opts ...Option) (*Context, error) {
	return newContext(std{}, opts...)
}

func newContext(sys system, opts ...Option) (*Context, error) {
	cnf := config{
		uid:             unsetID,
		gid:             unsetID,
		preventCore:     true,
		signalMap:       DefaultSignalMap(),
		maxSignalCount:  defaultMaxSignalCount,
		shutdownTimeout: defaultShutdownTimeout,
		logger:          slog.New(slog.DiscardHandler),
		logSignal:       logSignal,
	}

	for _, o := range opts {
		o(&cnf)
	}

	r, err := cnf.validate()
	if err != nil {
		return nil, err
	}

	inspector := &Inspector{table: sys}
	return &Context{
		config:     cnf,
		resolved:   r,
		sys:        sys,
		inspector:  inspector,
		closer:     &Closer{inspector: inspector, logger: cnf.logger, keepRuntime: false},
		redirector: &Redirector{table: sys, logger: cnf.logger},
		detacher:   &Detacher{proc: sys, logger: cnf.logger, preserve: r.preserve},
		done:       make(chan struct{}),
	}, nil
}

// IsOpen reports whether Open has completed and Close has not been called.
func (o *Context) IsOpen() bool {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	if o.state != opened {
		return false
	}
	select {
	case <-o.done:
		return false
	default:
		return true
	}
}

// Open daemonizes the process. Generations that hand off to a detached child
// exit with status 0 inside Open; only the final daemon process returns.
//
// Errors in the launching process are returned to the caller. Once the
// process is detached there is no foreground to fall back to, so a failure
// is logged and the process exits with a non-zero status.
//
// parentCTX bounds the life of the open context, it does not cancel the
// detach sequence. Calling Open on a context that is open or closed is a no-op.
func (o *Context) Open(parentCTX context.Context) error {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	if o.state != unopened {
		return nil
	}

	o.config.logger.Debug("opening daemon context", slog.String("config", o.resolved.String()))

	// (1) validate
	if err := o.preflight(); err != nil {
		return o.fail(err)
	}

	// (2) detach
	if o.detachRequired() {
		daemon, err := o.detacher.Run()
		if err != nil {
			return o.fail(err)
		}
		if !daemon {
			return nil
		}
		o.detached = true
	}

	// the runtime's descriptors are identified while /proc is still reachable
	runtimeFDs := o.inspector.RuntimeDescriptors()

	// (3) process environment
	if err := o.enterEnvironment(); err != nil {
		return o.fail(err)
	}

	// (4) descriptors
	o.closer.CloseAll(o.excluded(runtimeFDs))

	// (5) standard streams
	if err := o.redirector.Redirect(o.resolved.stdin, o.resolved.stdout, o.resolved.stderr); err != nil {
		return o.fail(err)
	}

	// (6) signals
	o.signals = installSignals(o.sys, o.config.signalMap, max(o.config.maxSignalCount, defaultSignalBufferSize))

	// (7) pid lock
	if p := o.config.pidfile; p != nil {
		if err := p.Acquire(o.sys.Getpid()); err != nil {
			o.signals.stop()
			return o.fail(err)
		}
	}

	ctx, ctxCancel := context.WithCancel(parentCTX)
	o.parentCTX = parentCTX
	o.ctx = ctx
	o.ctxCancel = ctxCancel
	o.state = opened
	o.live.Store(true)

	o.start()

	o.config.logger.InfoContext(ctx, "daemon context open",
		slog.Int("pid", o.sys.Getpid()),
		slog.Bool("detached", o.detached),
		slog.String("working_directory", o.resolved.workingDirectory),
	)
	return nil
}

// Close shuts the context down if it is open and returns the PID lock
// release error, if any. It is a no-op when never opened or already closed.
// It must not be called from a shutdown callback.
func (o *Context) Close() error {
	o.stateMu.Lock()
	if o.state == unopened {
		o.stateMu.Unlock()
		return nil
	}
	o.state = closed
	o.stateMu.Unlock()

	o.ShutDown()
	o.Wait()
	return o.releaseErr
}

// CTX returns the cancelable ctx that will get cancel when the daemon initiates it's shutdown process.
// It is nil until Open returns.
func (o *Context) CTX() context.Context {
	if !o.live.Load() {
		return nil
	}
	return o.ctx
}

// Done is closed once the shutdown process has completed.
func (o *Context) Done() <-chan struct{} { return o.done }

// OnShutDown appends the functions to be called on shutdown after the context gets cancelled.
// The provided functions will be called using a non done context with a timeout configured using `WithShutdownGraceDuration`.
func (o *Context) OnShutDown(f ...func(context.Context)) {
	o.onShutDownMutex.Lock()
	defer o.onShutDownMutex.Unlock()
	o.onShutDown = append(o.onShutDown, f...)
}

// ShutDown will initiate the shutdown process (once) in a separate go routine in order to return immediately.
func (o *Context) ShutDown() {
	if !o.live.Load() {
		return
	}
	o.shutDownOnce.Do(func() {
		go o.shutDown()
	})
}

// Wait blocks until the shutdown process has completed.
func (o *Context) Wait() {
	<-o.done
}

func (o *Context) preflight() error {
	r := o.resolved
	euid := o.sys.Geteuid()
	if euid != 0 {
		if r.uid != unsetID && r.uid != euid {
			return configErr("uid", "switching to uid %d requires root, running as %d", r.uid, euid)
		}
		if r.gid != unsetID && r.gid != o.sys.Getegid() {
			return configErr("gid", "switching to gid %d requires root, running as uid %d", r.gid, euid)
		}
		if r.chrootDirectory != "" {
			return configErr("chroot_directory", "chroot requires root, running as uid %d", euid)
		}
	}
	if p := o.config.pidfile; p != nil {
		return p.probe()
	}
	return nil
}

// detachRequired decides step 2. A generation started by the detacher always
// continues the sequence.
func (o *Context) detachRequired() bool {
	if o.detacher.Detached() {
		return true
	}
	if d := o.config.detachProcess; d != nil {
		return *d
	}
	return !o.startedByInit() && !o.startedBySuperServer()
}

func (o *Context) startedByInit() bool { return o.sys.Getppid() == 1 }

func (o *Context) startedBySuperServer() bool { return o.sys.IsSocket(0) }

// enterEnvironment changes root, working directory, umask and core limit,
// and drops privileges last since the earlier steps may need them.
func (o *Context) enterEnvironment() error {
	r := o.resolved
	if r.chrootDirectory != "" {
		if err := o.sys.Chdir(r.chrootDirectory); err != nil {
			return detachErr("chdir "+r.chrootDirectory, err)
		}
		if err := o.sys.Chroot(r.chrootDirectory); err != nil {
			return detachErr("chroot "+r.chrootDirectory, err)
		}
	}
	if p := o.config.pidfile; p != nil {
		p.relocate(r.pidPath)
	}
	if err := o.sys.Chdir(r.workingDirectory); err != nil {
		return detachErr("chdir "+r.workingDirectory, err)
	}
	o.sys.Umask(o.config.umask)
	if o.config.preventCore {
		if err := o.sys.DisableCoreDumps(); err != nil {
			return detachErr("prevent core dumps", err)
		}
	}
	return o.dropPrivileges()
}

func (o *Context) dropPrivileges() error {
	r := o.resolved
	if r.uid == unsetID && r.gid == unsetID {
		return nil
	}
	if r.gid != unsetID {
		if o.sys.Geteuid() == 0 {
			if err := o.sys.Setgroups([]int{r.gid}); err != nil {
				return detachErr("setgroups", err)
			}
		}
		if err := o.sys.Setgid(r.gid); err != nil {
			return detachErr("setgid", err)
		}
	}
	if r.uid != unsetID {
		if err := o.sys.Setuid(r.uid); err != nil {
			return detachErr("setuid", err)
		}
	}
	o.config.logger.Debug("privileges dropped", slog.Int("uid", r.uid), slog.Int("gid", r.gid))
	return nil
}

// excluded is the set CloseAll leaves alone: preserved descriptors, stream
// files and the runtime's own descriptors.
func (o *Context) excluded(runtimeFDs *FDSet) *FDSet {
	ex := NewFDSet()
	ex.Union(o.resolved.preserve)
	ex.Union(runtimeFDs)
	for _, s := range [3]Stream{o.resolved.stdin, o.resolved.stdout, o.resolved.stderr} {
		if fd, ok := s.fd(); ok {
			ex.Add(fd)
		}
	}
	return ex
}

// fail unwinds what Open committed. In a detached generation it ends the process.
func (o *Context) fail(err error) error {
	if p := o.config.pidfile; p != nil && p.Locked() {
		err = multierr.Append(err, p.Release())
	}
	o.config.logger.Error("daemon context open failed", slog.String("error", err.Error()))
	if o.detached || o.detacher.Detached() {
		o.sys.OSExit(defaultOpenFailureExitCode)
	}
	return err
}

func (o *Context) shutDown() {
	o.config.logger.InfoContext(o.ctx, "starting graceful shutdown")

	pCTX := context.WithValue(o.parentCTX, daemonCTXKey, o)

	// on shutdown, run every shutdown callback with parent ctx and a separate timeout if configured.
	if o.config.shutdownTimeout > 0 {
		dlCTX, dlCancel := context.WithTimeout(context.WithoutCancel(pCTX), o.config.shutdownTimeout)
		runWithMutex(dlCTX, &o.onShutDownMutex, o.onShutDown)
		dlCancel()
	} else {
		runWithMutex(context.WithoutCancel(pCTX), &o.onShutDownMutex, o.onShutDown)
	}

	// cancel ctx
	o.ctxCancel()

	if p := o.config.pidfile; p != nil && p.Locked() {
		o.releaseErr = p.Release()
		if o.releaseErr != nil {
			o.config.logger.ErrorContext(o.parentCTX, "release pid file", slog.String("error", o.releaseErr.Error()))
		}
	}

	close(o.done)

	o.config.logger.InfoContext(o.parentCTX, "shutdown completed")
}

// start will spawn a go routine that will run until one of the stop conditions is met.
// After a stop conditions is met the `Context` will attempt shutdown "gracefully" by running every function that is registered in `onShutDown` slice, sequentially.
func (o *Context) start() {
	go func() {
		defer o.signals.stop()
		sigReceived := 0
		// this loop keeps receiving to ensure that any possible send to the signal channel will never block.
		for {
			select {
			case sig := <-o.signals.ch:
				action := o.signals.action(sig)
				if action.kind == actionHandle {
					action.handler(sig)
					continue
				}
				sigReceived++
				o.config.logSignal(o.ctx, o.config.logger, sig)
				if o.config.maxSignalCount > 0 && sigReceived >= o.config.maxSignalCount {
					o.config.logger.Error("max number of signal received, terminating immediately")
					o.sys.OSExit(defaultImmediateTerminationExitCode)
				}
				o.ShutDown()

			// stop the loop
			case <-o.done:
				return
			}
		}
	}()

	// parent context is done.
	go func() {
		select {
		case <-o.parentCTX.Done():
			err := o.parentCTX.Err()
			s := ""
			if err != nil {
				s = err.Error()
			}
			o.config.logger.Error("parent context got canceled", slog.String("error", s))
			o.ShutDown()
			return

		// stop the loop
		case <-o.done:
			return
		}
	}()
}

func runWithMutex(ctx context.Context, m *sync.Mutex, fns []func(context.Context)) {
	m.Lock()
	defer m.Unlock()
	for _, f := range fns {
		f(ctx)
		if ctx.Err() != nil {
			return
		}
	}
}
