package app

import "sync/atomic"

// State is the daemon lifecycle state.
//
// Transitions: Starting -> Running <-> Reloading, any -> Stopping -> Stopped.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateReloading
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateReloading:
		return "reloading"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type stateHolder struct {
	v atomic.Int32
}

func (h *stateHolder) Get() State { return State(h.v.Load()) }

func (h *stateHolder) Set(s State) { h.v.Store(int32(s)) }

// CompareAndSwap moves from old to new atomically; false if the daemon
// is no longer in old.
func (h *stateHolder) CompareAndSwap(old, new State) bool {
	return h.v.CompareAndSwap(int32(old), int32(new))
}

// StopReason explains why the daemon is shutting down.
type StopReason string

const (
	StopReasonSignal   StopReason = "signal"
	StopReasonCommand  StopReason = "command"
	StopReasonFatal    StopReason = "fatal"
	StopReasonShutdown StopReason = "shutdown"
)
