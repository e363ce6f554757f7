//go:build unix

package daemonize

import (
	"context"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestContext(t *testing.T, sys *fakeSystem, opts ...Option) *Context {
	t.Helper()
	d, err := newContext(sys, append([]Option{WithLogger(logger(t)), WithDetachProcess(false)}, opts...)...)
	require.NoError(t, err)
	return d
}

func openTestContext(t *testing.T, sys *fakeSystem, opts ...Option) *Context {
	t.Helper()
	d := newTestContext(t, sys, opts...)
	// we specifically want a context that will not get cancelled at the end of the test
	require.NoError(t, d.Open(context.Background()))
	return d
}

func TestOpenSequence(t *testing.T) {
	sys := newFakeSystem(t).withOpen(3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19)
	sys.nofile = 20
	pidfile := pidPath(t)

	d := openTestContext(t, sys,
		WithFilesPreserve(7),
		WithPIDFile(NewPIDLockFile(pidfile)),
	)
	assert.True(t, d.IsOpen())
	require.NotNil(t, d.CTX())
	require.NoError(t, d.CTX().Err())

	// only the preserved descriptor and the redirected streams remain
	assert.Equal(t, []int{0, 1, 2, 7}, sys.openFDs())

	calls := sys.recorded()
	assert.Equal(t, []string{"chdir /", "umask 0", "prevent core"}, calls[:3])
	closeAt := slices.Index(calls, "close 3")
	openAt := slices.Index(calls, "open /dev/null 0")
	require.Positive(t, closeAt)
	assert.Greater(t, openAt, closeAt, "streams are redirected after the descriptor sweep")
	assert.NotContains(t, calls, "close 7")

	assert.Len(t, sys.ignored, 3)
	assert.Len(t, sys.notified, 3)

	data, err := os.ReadFile(pidfile)
	require.NoError(t, err)
	assert.Equal(t, "4242\n", string(data))

	require.NoError(t, d.Close())
	assert.False(t, d.IsOpen())
	require.Error(t, d.CTX().Err())
	_, err = os.Stat(pidfile)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestOpenClosesApplicationFiles(t *testing.T) {
	// 8 and 9 were opened by the application with os.Open, 5 and 6 by the runtime.
	sys := newFakeSystem(t).withOpen(3, 7).withCloseOnExec(8, 9).withRuntime(5, 6)

	d := openTestContext(t, sys, WithFilesPreserve(7, 9))

	assert.Equal(t, []int{0, 1, 2, 5, 6, 7, 9}, sys.openFDs())
	calls := sys.recorded()
	assert.Contains(t, calls, "close 8")
	assert.NotContains(t, calls, "close 5")
	require.NoError(t, d.Close())
}

func TestOpenCloseIdempotent(t *testing.T) {
	sys := newFakeSystem(t)
	d := newTestContext(t, sys)
	require.NoError(t, d.Close(), "closing an unopened context is a no-op")

	require.NoError(t, d.Open(context.Background()))
	calls := len(sys.recorded())
	require.NoError(t, d.Open(context.Background()))
	assert.Len(t, sys.recorded(), calls, "a second open changes nothing")

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	require.NoError(t, d.Open(context.Background()))
	assert.False(t, d.IsOpen())
	<-d.Done()
}

func TestOpenLockHeld(t *testing.T) {
	path := pidPath(t)
	holder := NewPIDLockFile(path)
	require.NoError(t, holder.Acquire(99))
	t.Cleanup(func() { _ = holder.Release() })

	sys := newFakeSystem(t)
	d := newTestContext(t, sys, WithPIDFile(NewPIDLockFile(path)))

	err := d.Open(context.Background())
	require.ErrorIs(t, err, ErrLockHeld)
	var held *LockHeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, 99, held.PID)

	assert.Empty(t, sys.recorded(), "no OS state changes before the lock probe")
	assert.False(t, d.IsOpen())
}

func TestOpenRequiresPrivileges(t *testing.T) {
	tests := map[string][]Option{
		"uid":    {WithUID(0)},
		"gid":    {WithGID(0)},
		"chroot": {WithChrootDirectory("/srv/jail")},
	}

	for name, opts := range tests {
		t.Run(name, func(t *testing.T) {
			sys := newFakeSystem(t)
			d := newTestContext(t, sys, opts...)

			err := d.Open(context.Background())
			require.ErrorIs(t, err, ErrConfiguration)
			assert.Empty(t, sys.recorded())
		})
	}

	t.Run("same ids", func(t *testing.T) {
		sys := newFakeSystem(t)
		d := newTestContext(t, sys, WithUID(1000), WithGID(1000))
		require.NoError(t, d.Open(context.Background()))
		assert.Contains(t, sys.recorded(), "setuid 1000")
		require.NoError(t, d.Close())
	})
}

func TestOpenEnvironment(t *testing.T) {
	sys := newFakeSystem(t)
	sys.euid = 0
	d := openTestContext(t, sys,
		WithChrootDirectory("/srv/jail"),
		WithWorkingDirectory("/var/lib/app"),
		WithUmask(0o027),
		WithPreventCore(false),
		WithUID(1000),
		WithGID(1001),
	)

	assert.Equal(t, []string{
		"chdir /srv/jail",
		"chroot /srv/jail",
		"chdir /var/lib/app",
		"umask 027",
		"setgroups [1001]",
		"setgid 1001",
		"setuid 1000",
	}, sys.recorded()[:7])
	assert.NotContains(t, sys.recorded(), "prevent core")

	require.NoError(t, d.Close())
}

func TestOpenRelocatesPIDFile(t *testing.T) {
	sys := newFakeSystem(t)
	sys.euid = 0
	d := newTestContext(t, sys,
		WithChrootDirectory("/srv/jail"),
		WithPIDFile(NewPIDLockFile("/srv/jail/run/app.pid")),
	)

	require.NoError(t, d.enterEnvironment())
	assert.Equal(t, "/run/app.pid", d.config.pidfile.Path())
}

func TestOpenDetaches(t *testing.T) {
	sys := newFakeSystem(t)
	sys.exit = exitCalls(t, 0)
	d, err := newContext(sys, WithLogger(logger(t)))
	require.NoError(t, err)

	require.NoError(t, d.Open(context.Background()))
	assert.False(t, d.IsOpen(), "the launching generation hands off and exits")
	assert.Equal(t, []string{"spawn"}, sys.recorded())
}

func TestOpenFailureInDetachedGeneration(t *testing.T) {
	sys := newFakeSystem(t)
	sys.env[stageEnv] = stage(stateForked2)
	sys.openErr = map[string]error{"/var/log/out.log": os.ErrPermission}
	sys.exit = exitCalls(t, defaultOpenFailureExitCode)

	d := newTestContext(t, sys, WithStdout(StreamPath("/var/log/out.log")))

	err := d.Open(context.Background())
	require.ErrorIs(t, err, ErrRedirection)
	assert.False(t, d.IsOpen())
}

func TestDetachRequired(t *testing.T) {
	tests := map[string]struct {
		prepare func(*fakeSystem)
		opts    []Option
		want    bool
	}{
		"interactive":     {want: true},
		"started by init": {prepare: func(f *fakeSystem) { f.ppid = 1 }, want: false},
		"super-server":    {prepare: func(f *fakeSystem) { f.socketStdin = true }, want: false},
		"forced on":       {prepare: func(f *fakeSystem) { f.ppid = 1 }, opts: []Option{WithDetachProcess(true)}, want: true},
		"forced off":      {opts: []Option{WithDetachProcess(false)}, want: false},
		"mid sequence": {
			prepare: func(f *fakeSystem) {
				f.ppid = 1
				f.env[stageEnv] = stage(stateForked1)
			},
			opts: []Option{WithDetachProcess(false)},
			want: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			sys := newFakeSystem(t)
			if tc.prepare != nil {
				tc.prepare(sys)
			}
			d, err := newContext(sys, tc.opts...)
			require.NoError(t, err)
			assert.Equal(t, tc.want, d.detachRequired())
		})
	}
}

func TestSignalReceived(t *testing.T) {
	sys := newFakeSystem(t)
	pidfile := pidPath(t)
	d := openTestContext(t, sys, WithPIDFile(NewPIDLockFile(pidfile)))

	called := false
	d.OnShutDown(func(_ context.Context) { called = true })

	d.signals.ch <- os.Interrupt

	d.Wait()
	assert.True(t, called)
	_, err := os.Stat(pidfile)
	assert.ErrorIs(t, err, os.ErrNotExist)
	require.NoError(t, d.Close())
}

func TestSignalReceivedExitFN(t *testing.T) {
	sys := newFakeSystem(t)
	d := openTestContext(t, sys,
		WithMaxSignalCount(2),
		WithShutdownGraceDuration(0),
	)

	// slow shutdown
	ctx, cnl := context.WithCancel(t.Context())
	defer cnl()
	d.OnShutDown(func(_ context.Context) { sleep(ctx, 1*time.Minute) })

	e := exitCalls(t, defaultImmediateTerminationExitCode)
	sys.exit = func(code int) { cnl(); e(code) }

	// receive 2 signals, should force immediate shutdown.
	d.signals.ch <- os.Interrupt
	d.signals.ch <- syscall.SIGTERM

	d.Wait()
}

func TestSignalHandled(t *testing.T) {
	sys := newFakeSystem(t)
	handled := make(chan os.Signal, 1)
	d := openTestContext(t, sys, WithSignalMap(SignalMap{
		syscall.SIGHUP:  SignalHandle(func(s os.Signal) { handled <- s }),
		syscall.SIGTERM: SignalTerminate,
	}))

	d.signals.ch <- syscall.SIGHUP
	assert.Equal(t, syscall.SIGHUP, <-handled)
	assert.True(t, d.IsOpen(), "a handled signal does not shut down")

	d.signals.ch <- syscall.SIGTERM
	d.Wait()
	assert.False(t, d.IsOpen())
}

func TestParentContextCancelled(t *testing.T) {
	ctx, cnl := context.WithCancel(t.Context())
	d := newTestContext(t, newFakeSystem(t))
	require.NoError(t, d.Open(ctx))

	go cnl()

	d.Wait()
}

func TestShutdownTimeout(t *testing.T) {
	d := openTestContext(t, newFakeSystem(t), WithShutdownGraceDuration(10*time.Millisecond))

	// slow shutdown
	ctx, cnl := context.WithCancel(t.Context())
	defer cnl()
	m := mock.Mock{}
	defer m.AssertExpectations(t)
	m.Test(t)
	m.On("shutdown_1").Run(func(args mock.Arguments) { sleep(ctx, 60*time.Millisecond) }).Once()
	d.OnShutDown(func(_ context.Context) { m.MethodCalled("shutdown_1") })
	d.OnShutDown(func(_ context.Context) { m.MethodCalled("shutdown_2") })
	d.OnShutDown(func(_ context.Context) { m.MethodCalled("shutdown_3") })

	d.ShutDown()

	d.Wait()
}

func TestContextCancel(t *testing.T) {
	d := openTestContext(t, newFakeSystem(t))

	ctx := d.CTX()

	m := mock.Mock{}
	defer m.AssertExpectations(t)
	m.Test(t)

	m.On("shutdown_before").Run(func(_ mock.Arguments) { require.NoError(t, ctx.Err()) }).Once()
	d.OnShutDown(func(_ context.Context) { m.MethodCalled("shutdown_before") })

	d.OnShutDown(CancelCTX)

	m.On("shutdown_after").Run(func(_ mock.Arguments) { require.Error(t, ctx.Err()) }).Once()
	d.OnShutDown(func(_ context.Context) { m.MethodCalled("shutdown_after") })

	d.ShutDown()

	d.Wait()
}

func TestCloseWithCallbackQueryingState(t *testing.T) {
	d := openTestContext(t, newFakeSystem(t))

	var openInCallback atomic.Bool
	openInCallback.Store(true)
	d.OnShutDown(func(_ context.Context) { openInCallback.Store(d.IsOpen()) })

	closed := make(chan error, 1)
	go func() { closed <- d.Close() }()

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return while a shutdown callback queried the state")
	}
	assert.False(t, openInCallback.Load())
}

func TestShutDownDuringOpen(t *testing.T) {
	d := newTestContext(t, newFakeSystem(t))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				d.ShutDown()
				_ = d.CTX()
			}
		}
	}()

	require.NoError(t, d.Open(context.Background()))
	d.Wait()
	close(stop)
	wg.Wait()
}

func TestShutDownBeforeOpen(t *testing.T) {
	d := newTestContext(t, newFakeSystem(t))
	d.ShutDown()
	require.NoError(t, d.Close())
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)

	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func logger(t *testing.T) *slog.Logger {
	t.Helper()
	if testing.Verbose() {
		h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{AddSource: false, Level: slog.LevelDebug})
		return slog.New(h).With(slog.String("testcase", t.Name()))
	}

	return slog.New(slog.DiscardHandler)
}
