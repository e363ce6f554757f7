package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"go.uber.org/multierr"

	"github.com/ifnotnil/daemonize"
	"github.com/ifnotnil/daemonize/internal/config"
)

// run opens the daemon context and supervises the program. Every generation
// of the detach sequence passes through here; only the daemon returns from
// Open.
func run(ctx context.Context, cfg *config.Config, args []string) error {
	logger, err := newLogger(cfg.Logging, os.Stderr)
	if err != nil {
		return err
	}

	opts, err := cfg.Options()
	if err != nil {
		return err
	}
	opts = append(opts, daemonize.WithLogger(logger))

	// without a root change the program can be resolved while errors still
	// reach the terminal.
	program := args[0]
	if cfg.ChrootDirectory == "" {
		if program, err = exec.LookPath(program); err != nil {
			return err
		}
	}

	if cfg.PIDFile.BreakStale {
		if err := breakStale(logger, cfg.PIDFile.Path); err != nil {
			return err
		}
	}

	dctx, err := daemonize.New(opts...)
	if err != nil {
		return err
	}
	if err := dctx.Open(ctx); err != nil {
		return err
	}

	return supervise(dctx, logger, program, args[1:])
}

func breakStale(logger *slog.Logger, path string) error {
	p := daemonize.NewPIDLockFile(path)
	stale, err := p.Stale()
	if err != nil || !stale {
		return err
	}
	pid, _ := p.ReadPID()
	logger.Warn("removing stale pid file", slog.String("path", path), slog.Int("recorded_pid", pid))
	return p.BreakLock()
}

// supervise runs the program as a child of the daemon. The child exiting
// shuts the context down; a context shutdown stops the child.
func supervise(dctx *daemonize.Context, logger *slog.Logger, name string, args []string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr

	if err := cmd.Start(); err != nil {
		logger.Error("start program", slog.String("program", name), slog.String("error", err.Error()))
		return multierr.Append(fmt.Errorf("start %s: %w", name, err), dctx.Close())
	}
	logger.Info("program started", slog.String("program", name), slog.Int("pid", cmd.Process.Pid))

	exited := make(chan struct{})
	dctx.OnShutDown(func(ctx context.Context) {
		stopProgram(ctx, logger, cmd.Process, exited)
	})

	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(exited)
		dctx.ShutDown()
	}()

	dctx.Wait()
	<-exited

	code := exitCode(waitErr)
	logger.Info("program exited", slog.Int("status", code))

	if err := dctx.Close(); err != nil {
		return err
	}
	if code != 0 {
		return &exitError{code: code}
	}
	return nil
}

// stopProgram forwards SIGTERM and kills the program once ctx expires.
func stopProgram(ctx context.Context, logger *slog.Logger, p *os.Process, exited <-chan struct{}) {
	select {
	case <-exited:
		return
	default:
	}

	logger.InfoContext(ctx, "stopping program", slog.Int("pid", p.Pid))
	if err := p.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logger.WarnContext(ctx, "signal program", slog.String("error", err.Error()))
	}

	select {
	case <-exited:
	case <-ctx.Done():
		logger.Warn("shutdown grace period expired, killing program", slog.Int("pid", p.Pid))
		_ = p.Kill()
		<-exited
	}
}

// exitCode maps a Wait error to a shell style exit status.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 1
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return exitErr.ExitCode()
}
