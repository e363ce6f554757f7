package daemonize

import (
	"os"
)

type actionKind int

const (
	actionIgnore actionKind = iota + 1
	actionTerminate
	actionHandle
)

// SignalAction is what happens when a mapped signal arrives.
type SignalAction struct {
	kind    actionKind
	handler func(os.Signal)
}

var (
	// SignalIgnore discards the signal.
	SignalIgnore = SignalAction{kind: actionIgnore}

	// SignalTerminate starts the graceful shutdown of the daemon context.
	SignalTerminate = SignalAction{kind: actionTerminate}
)

// SignalHandle runs fn on the signal loop goroutine for every delivery.
func SignalHandle(fn func(os.Signal)) SignalAction {
	return SignalAction{kind: actionHandle, handler: fn}
}

func (a SignalAction) valid() bool {
	switch a.kind {
	case actionIgnore, actionTerminate:
		return true
	case actionHandle:
		return a.handler != nil
	default:
		return false
	}
}

func (a SignalAction) String() string {
	switch a.kind {
	case actionIgnore:
		return "ignore"
	case actionTerminate:
		return "terminate"
	case actionHandle:
		return "handle"
	default:
		return "invalid"
	}
}

// SignalMap maps signals to the action installed for them.
type SignalMap map[os.Signal]SignalAction

// signalInstaller owns the notification channel of an open context.
type signalInstaller struct {
	sig signaler
	ch  chan os.Signal
	m   SignalMap
}

// installSignals applies m: ignored signals are dropped by the runtime, every other
// mapped signal is delivered to the returned channel.
func installSignals(sig signaler, m SignalMap, bufferSize int) *signalInstaller {
	inst := &signalInstaller{
		sig: sig,
		ch:  make(chan os.Signal, bufferSize),
		m:   m,
	}

	var ignored, notified []os.Signal
	for s, a := range m {
		if a.kind == actionIgnore {
			ignored = append(ignored, s)
			continue
		}
		notified = append(notified, s)
	}
	if len(ignored) > 0 {
		sig.SignalIgnore(ignored...)
	}
	if len(notified) > 0 {
		sig.SignalNotify(inst.ch, notified...)
	}
	return inst
}

func (i *signalInstaller) action(s os.Signal) SignalAction {
	return i.m[s]
}

func (i *signalInstaller) stop() {
	i.sig.SignalStop(i.ch)
}
