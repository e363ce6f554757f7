//go:build unix

package daemonize

import (
	"context"
	"log/slog"
	"os"
	"syscall"
)

const (
	defaultWorkingDirectory             = "/"
	defaultMaxSignalCount               = 0
	defaultSignalBufferSize             = 4
	defaultShutdownTimeout              = 0
	defaultImmediateTerminationExitCode = 2
	defaultOpenFailureExitCode          = 1
)

// DefaultSignalMap ignores the job-control signals a terminal can send and
// terminates on the standard termination requests.
func DefaultSignalMap() SignalMap {
	return SignalMap{
		syscall.SIGTSTP: SignalIgnore,
		syscall.SIGTTIN: SignalIgnore,
		syscall.SIGTTOU: SignalIgnore,
		os.Interrupt:    SignalTerminate,
		syscall.SIGQUIT: SignalTerminate,
		syscall.SIGTERM: SignalTerminate,
	}
}

func logSignal(ctx context.Context, logger *slog.Logger, sig os.Signal) {
	signal := slog.String("signal", sig.String())
	signalCode := slog.Attr{}
	if sigInt, ok := sig.(syscall.Signal); ok {
		signalCode = slog.Int("signalCode", int(sigInt))
	}

	logger.WarnContext(ctx, "signal received", signal, signalCode)
}
