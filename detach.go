package daemonize

import (
	"log/slog"
	"strconv"
	"strings"
)

// stageEnv carries the detach state across re-executions of the binary.
const stageEnv = "_DAEMONIZE_STAGE"

// detachState is one generation's position in the double-fork sequence.
//
//	stateAttached      -> spawn generation 1, exit 0
//	stateForked1       -> setsid, becomes stateSessionLeader
//	stateSessionLeader -> spawn generation 2, exit 0
//	stateForked2       -> the daemon, continue
type detachState int

const (
	stateAttached detachState = iota
	stateForked1
	stateSessionLeader
	stateForked2
)

func (s detachState) String() string {
	switch s {
	case stateAttached:
		return "attached"
	case stateForked1:
		return "forked1"
	case stateSessionLeader:
		return "session-leader"
	case stateForked2:
		return "forked2"
	default:
		return "detach-state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Detacher runs the double-fork state machine for the current generation.
type Detacher struct {
	proc   process
	logger *slog.Logger

	// preserve is the descriptor set the next generation inherits besides
	// the standard streams, at the same numbers.
	preserve *FDSet
}

// current reads the generation marker left by the previous generation.
func (d *Detacher) current() detachState {
	switch d.proc.Getenv(stageEnv) {
	case strconv.Itoa(int(stateForked1)):
		return stateForked1
	case strconv.Itoa(int(stateForked2)):
		return stateForked2
	default:
		return stateAttached
	}
}

// Detached reports whether this process is a generation started by a Detacher.
func (d *Detacher) Detached() bool {
	return d.current() != stateAttached
}

// Run advances the state machine as far as this generation goes. Generations
// that hand off to a child exit with status 0 inside Run; daemon is true only
// in the final generation. With an injected exit that returns, a handed-off
// generation returns daemon false.
func (d *Detacher) Run() (daemon bool, err error) {
	state := d.current()
	for {
		d.logger.Debug("detach step", slog.String("state", state.String()))
		switch state {
		case stateAttached:
			if err := d.spawn(stateForked1); err != nil {
				return false, detachErr("first fork", err)
			}
			d.proc.OSExit(0)
			return false, nil

		case stateForked1:
			if err := d.proc.Setsid(); err != nil {
				return false, detachErr("setsid", err)
			}
			state = stateSessionLeader

		case stateSessionLeader:
			if err := d.spawn(stateForked2); err != nil {
				return false, detachErr("second fork", err)
			}
			d.proc.OSExit(0)
			return false, nil

		case stateForked2:
			if err := d.proc.Unsetenv(stageEnv); err != nil {
				return false, detachErr("clear stage marker", err)
			}
			return true, nil

		default:
			return false, detachErr("state", errUnknownState(state))
		}
	}
}

func (d *Detacher) spawn(next detachState) error {
	env := withEnv(d.proc.Environ(), stageEnv, strconv.Itoa(int(next)))
	pid, err := d.proc.Spawn(env, childFiles(d.preserve))
	if err != nil {
		return err
	}
	d.logger.Debug("spawned next generation", slog.String("state", next.String()), slog.Int("pid", pid))
	return nil
}

// childFiles builds the file table of the next generation: the standard
// streams and every preserved descriptor at its own number.
func childFiles(preserve *FDSet) []uintptr {
	top := max(preserve.Max(), 2)
	files := make([]uintptr, top+1)
	for i := range files {
		files[i] = ^uintptr(0)
	}
	for fd := range 3 {
		files[fd] = uintptr(fd)
	}
	for _, fd := range preserve.Slice() {
		files[fd] = uintptr(fd)
	}
	return files
}

func withEnv(env []string, key, value string) []string {
	prefix := key + "="
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			continue
		}
		out = append(out, kv)
	}
	return append(out, prefix+value)
}

type errUnknownState detachState

func (e errUnknownState) Error() string {
	return "unknown detach state " + detachState(e).String()
}
