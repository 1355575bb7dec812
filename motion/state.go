package motion

import "sync/atomic"

// State is the cycle-control state machine (§4.3): Idle, Queued, Cycle,
// Hold, Alarm. Represented as an explicit small variant per §9's redesign
// note, rather than the teacher's flag-bitmask style (core/endstop.go's
// ESF_* flags) — this state machine has mutually exclusive members, which a
// bitmask would let a caller represent invalidly.
type State int

const (
	// StateIdle: no motion; the manual-jog path (core/stepper.go) may accept
	// commands.
	StateIdle State = iota
	// StateQueued: blocks are queued but the cycle has not been started; the
	// Preparer must not run (its loop guard checks this).
	StateQueued
	// StateCycle: normal synchronized execution.
	StateCycle
	// StateHold: feed hold in progress or completed; motion is decelerating
	// or stopped pending CycleStart/CycleReinitialize.
	StateHold
	// StateAlarm: a fault was latched; only Reset clears it.
	StateAlarm
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateQueued:
		return "Queued"
	case StateCycle:
		return "Cycle"
	case StateHold:
		return "Hold"
	case StateAlarm:
		return "Alarm"
	default:
		return "Unknown"
	}
}

// StateMachine holds the current cycle-control state. Reads happen from
// both the cooperative main loop (Preparer's loop guard) and, via Get, from
// anything gating on it (core.Stepper's jog path) — stored atomically so no
// lock is needed on the hot path.
type StateMachine struct {
	v atomic.Int32
}

// Get returns the current state.
func (m *StateMachine) Get() State {
	return State(m.v.Load())
}

// Set forces the state unconditionally. Prefer the Executor's named
// transitions (CycleStart, FeedHold, ...) over calling this directly.
func (m *StateMachine) Set(s State) {
	m.v.Store(int32(s))
}

// Is reports whether the machine is currently in state s.
func (m *StateMachine) Is(s State) bool {
	return m.Get() == s
}
