package motion

import (
	"testing"

	"gridstep/core"
)

// runToIdle pumps the preparer and step generator until the cycle returns
// to Idle (normal end-of-program) or the tick budget is exhausted.
func runToIdle(t *testing.T, exec *Executor, maxTicks int) {
	t.Helper()
	for i := 0; i < maxTicks; i++ {
		exec.RunPreparer()
		exec.Tick()
		if exec.State.Get() == StateIdle {
			return
		}
	}
	t.Fatalf("cycle did not return to Idle within %d ticks", maxTicks)
}

// TestExecutorSingleAxisPureCruise drives a single-axis, constant-speed
// block end to end and checks the generator lands on the exact commanded
// step count with no net Bresenham drift.
func TestExecutorSingleAxisPureCruise(t *testing.T) {
	block := &Block{
		Steps: [NumAxes]int32{100, 0, 0}, StepEventCount: 100,
		Millimeters: 10, EntrySpeedSqr: 100, NominalSpeedSqr: 100, ExitSpeedSqr: 100,
		Acceleration: 100,
	}
	pi := NewBlockRing(4)
	pi.Push(block)

	hal := &fakeHAL{}
	cfg := DefaultConfig()
	exec := NewExecutor(pi, hal, cfg, 5)
	exec.Init()

	exec.WakeUp()
	exec.CycleStart()
	if exec.State.Get() != StateCycle {
		t.Fatalf("state after CycleStart = %v, want Cycle", exec.State.Get())
	}

	runToIdle(t, exec, 2_000_000)

	pos := exec.Gen.Position()
	if pos[AxisX] != int64(block.Steps[AxisX]) {
		t.Errorf("final position X = %d, want %d", pos[AxisX], block.Steps[AxisX])
	}
	if pos[AxisY] != 0 || pos[AxisZ] != 0 {
		t.Errorf("idle axes moved: Y=%d Z=%d, want 0,0", pos[AxisY], pos[AxisZ])
	}
	if hal.enableCalls[len(hal.enableCalls)-1] {
		t.Error("steppers should be disabled once the cycle returns to Idle")
	}
}

// TestExecutorRingStarvationReturnsIdle covers §8 scenario 6: once the
// planner queue is exhausted, the Step Generator must stop cleanly and the
// Executor must fall back to Idle rather than spin or alarm.
func TestExecutorRingStarvationReturnsIdle(t *testing.T) {
	block := &Block{
		Steps: [NumAxes]int32{1, 0, 0}, StepEventCount: 1,
		Millimeters: 1, EntrySpeedSqr: 1e6, NominalSpeedSqr: 1e6, ExitSpeedSqr: 1e6,
		Acceleration: 1e5,
	}
	pi := NewBlockRing(4)
	pi.Push(block)

	hal := &fakeHAL{}
	cfg := DefaultConfig()
	exec := NewExecutor(pi, hal, cfg, 5)
	exec.Init()
	exec.WakeUp()
	exec.CycleStart()

	runToIdle(t, exec, 10_000)

	if pi.Len() != 0 {
		t.Errorf("planner ring should be drained, has %d blocks left", pi.Len())
	}
}

// TestExecutorFeedHoldThenResume covers §8 scenario 5: engaging a feed hold
// mid-cruise must land the block at zero velocity (decelerate_after equal
// to whatever remained at the moment of the hold) rather than snapping to a
// stop, and CycleStart must resume normal operation afterward.
func TestExecutorFeedHoldThenResume(t *testing.T) {
	block := &Block{
		Steps: [NumAxes]int32{1000, 0, 0}, StepEventCount: 1000,
		Millimeters: 100, EntrySpeedSqr: 2500, NominalSpeedSqr: 2500, ExitSpeedSqr: 2500,
		Acceleration: 500,
	}
	pi := NewBlockRing(4)
	pi.Push(block)

	hal := &fakeHAL{}
	cfg := DefaultConfig()
	exec := NewExecutor(pi, hal, cfg, 5)
	exec.Init()
	exec.WakeUp()
	exec.CycleStart()

	exec.RunPreparer()
	exec.FeedHold()

	if exec.State.Get() != StateHold {
		t.Fatalf("state after FeedHold = %v, want Hold", exec.State.Get())
	}
	if !exec.Prep.feedHoldActive {
		t.Error("Preparer should record the feed hold as active")
	}

	exec.CycleStart()
	if exec.State.Get() != StateCycle {
		t.Fatalf("state after resuming from Hold = %v, want Cycle", exec.State.Get())
	}
	if exec.Prep.feedHoldActive {
		t.Error("CycleStart should clear the feed hold override on resume")
	}
}

// TestExecutorAlarmLatchesUntilReset covers the Alarm leg of §9's cycle-
// control state machine: Alarm must disarm the pulse timer and disable the
// steppers immediately, and must stay latched through everything except an
// explicit Reset (CycleStart/WakeUp must not clear it).
func TestExecutorAlarmLatchesUntilReset(t *testing.T) {
	block := &Block{
		Steps: [NumAxes]int32{100, 0, 0}, StepEventCount: 100,
		Millimeters: 10, EntrySpeedSqr: 100, NominalSpeedSqr: 100, ExitSpeedSqr: 100,
		Acceleration: 100,
	}
	pi := NewBlockRing(4)
	pi.Push(block)

	hal := &fakeHAL{}
	cfg := DefaultConfig()
	exec := NewExecutor(pi, hal, cfg, 5)
	exec.Init()
	exec.WakeUp()
	exec.CycleStart()
	exec.RunPreparer()
	exec.Tick()

	exec.Alarm()

	if exec.State.Get() != StateAlarm {
		t.Fatalf("state after Alarm = %v, want Alarm", exec.State.Get())
	}
	if hal.armed[len(hal.armed)-1] != 0 {
		t.Errorf("Alarm must disarm the pulse timer, last ArmPulseTimer call = %d, want 0", hal.armed[len(hal.armed)-1])
	}
	if hal.enableCalls[len(hal.enableCalls)-1] {
		t.Error("Alarm must disable the steppers")
	}

	exec.WakeUp()
	if exec.State.Get() != StateAlarm {
		t.Errorf("WakeUp must not clear Alarm, state = %v", exec.State.Get())
	}
	exec.CycleStart()
	if exec.State.Get() != StateAlarm {
		t.Errorf("CycleStart must not clear Alarm, state = %v", exec.State.Get())
	}

	exec.Reset()
	if exec.State.Get() != StateIdle {
		t.Fatalf("state after Reset = %v, want Idle", exec.State.Get())
	}
}

// TestExecutorJogGateRejectsDuringCycle grounds core/stepper.go's JogGate
// wiring: manual jog moves must be rejected whenever the motion core is not
// Idle, so they can never race the synchronized Bresenham path.
func TestExecutorJogGateRejectsDuringCycle(t *testing.T) {
	pi := NewBlockRing(4)
	hal := &fakeHAL{}
	cfg := DefaultConfig()
	exec := NewExecutor(pi, hal, cfg, 5)
	exec.Init()

	if core.JogGate == nil {
		t.Fatal("Executor.Init must install core.JogGate")
	}
	if !core.JogGate() {
		t.Error("jog should be permitted while the motion core is Idle")
	}

	exec.State.Set(StateCycle)
	if core.JogGate() {
		t.Error("jog must be rejected while the motion core is Cycle")
	}

	exec.State.Set(StateIdle)
	if !core.JogGate() {
		t.Error("jog should be permitted again once the motion core returns to Idle")
	}
}

// fakeTimedHAL is a minimal HAL that, like targets/pio's PIOPortBackend,
// arms its own pulse timer and needs the falling-edge callback wired in —
// unlike fakeHAL, which a bare interface value would still satisfy but never
// calls back into the Step Generator.
type fakeTimedHAL struct {
	onFall func()
}

func (h *fakeTimedHAL) SetStepPort(bits uint8)         {}
func (h *fakeTimedHAL) EnableSteppers(enable bool)     {}
func (h *fakeTimedHAL) ArmPulseTimer(widthTicks uint32) {}
func (h *fakeTimedHAL) SetFallingEdgeHandler(fn func()) { h.onFall = fn }

// TestNewExecutorWiresFallingEdgeOnAnyCapableHAL covers §9's HAL backend
// swap point: NewExecutor must wire the Step Generator's falling-edge
// callback into any backend that implements SetFallingEdgeHandler, not just
// the concrete *GPIOPort — this is what lets targets/pio's PIOPortBackend
// stand in for GPIOPort as an alternative motion.HAL without motion needing
// to import the PIO package.
func TestNewExecutorWiresFallingEdgeOnAnyCapableHAL(t *testing.T) {
	hal := &fakeTimedHAL{}
	pi := NewBlockRing(4)
	NewExecutor(pi, hal, DefaultConfig(), 5)

	if hal.onFall == nil {
		t.Fatal("NewExecutor did not wire SetFallingEdgeHandler on a HAL that implements it")
	}

	hal.onFall()
}
