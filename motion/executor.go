package motion

import "gridstep/core"

// Executor is the motion core's root context (§9: "a small root context...
// addressed by the interrupt handler through a statically-bound pointer"):
// it owns the rings, the Preparer, the Step Generator, and the
// cycle-control state machine, and exposes the control surface described in
// §6.
type Executor struct {
	PI      PlannerInterface
	SDRing  *SharedDataRing
	SegRing *SegmentRing
	State   *StateMachine
	Prep    *Preparer
	Gen     *StepGenerator
	HAL     HAL
	cfg     Config

	driverBus TMCBus
	driverCfg DriverCurrentConfig
}

// fallingEdgeSetter is satisfied by any HAL backend that arms its own pulse
// timer and needs the Step Generator's falling-edge callback wired in —
// GPIOPort and targets/pio's PIOPortBackend both do; a HAL with no timer of
// its own (a fake in tests, say) simply doesn't implement it.
type fallingEdgeSetter interface {
	SetFallingEdgeHandler(fn func())
}

// NewExecutor wires a complete pipeline against the given planner interface
// and HAL, ready to have Init called on it. pulseWidthTicks is passed
// through to the Step Generator.
func NewExecutor(pi PlannerInterface, hal HAL, cfg Config, pulseWidthTicks uint32) *Executor {
	e := &Executor{
		PI:      pi,
		SDRing:  NewSharedDataRing(cfg.SharedDataRingCapacity),
		SegRing: NewSegmentRing(cfg.SegmentRingCapacity),
		State:   &StateMachine{},
		HAL:     hal,
		cfg:     cfg,
	}
	e.State.Set(StateIdle)
	e.Prep = NewPreparer(pi, e.SDRing, e.SegRing, e.State, cfg)
	e.Gen = NewStepGenerator(pi, e.SDRing, e.SegRing, hal, e.State, pulseWidthTicks, e.onCycleStop)

	if port, ok := hal.(fallingEdgeSetter); ok {
		port.SetFallingEdgeHandler(e.Gen.PulseFallingEdge)
	}

	return e
}

// SetDriverBus arms Init to push cfg to a TMC5240 over bus. Call before
// Init; has no effect on a machine with plain step/dir drivers and no SPI
// link, which is why it isn't a NewExecutor argument — most callers never
// set it.
func (e *Executor) SetDriverBus(bus TMCBus, cfg DriverCurrentConfig) {
	e.driverBus = bus
	e.driverCfg = cfg
}

// Init brings the motion core up from a cold start: Idle, empty rings,
// prep index 0. Call once at firmware startup, after the HAL's pins are
// configured.
func (e *Executor) Init() {
	e.State.Set(StateIdle)
	e.Prep.Reset(0)
	e.Gen.Reset()
	e.HAL.EnableSteppers(false)

	if e.driverBus != nil {
		if err := ConfigureDriver(e.driverBus, e.driverCfg); err != nil {
			// Can't trust current-scaling/chopper state on the driver IC;
			// refuse to run rather than risk an unconfigured TMC5240.
			e.Alarm()
		}
	}

	// Gate the manual-jog path (core/stepper.go) to Idle only, so it can
	// never race the synchronized dual-Bresenham path.
	core.JogGate = func() bool { return e.State.Is(StateIdle) }
}

// Reset is an unconditional return to Idle from any state, discarding
// whatever was in flight. Used for emergency stop.
func (e *Executor) Reset() {
	e.State.Set(StateIdle)
	e.Prep.Reset(e.Prep.GetPrepBlockIndex())
	e.Gen.Reset()
	e.HAL.EnableSteppers(false)
}

// CycleStart transitions Queued -> Cycle (or Hold -> Cycle, resuming after a
// feed hold), letting the Preparer and Step Generator begin consuming the
// planner queue.
func (e *Executor) CycleStart() {
	switch e.State.Get() {
	case StateQueued, StateHold:
		e.Prep.ClearFeedHold()
		e.HAL.EnableSteppers(true)
		e.State.Set(StateCycle)
	}
}

// FeedHold transitions Cycle -> Hold, overriding the in-flight and
// subsequently prepared blocks' deceleration so the machine ramps to a
// controlled stop rather than snapping to zero velocity (§9).
func (e *Executor) FeedHold() {
	if e.State.Get() != StateCycle {
		return
	}
	e.Prep.ApplyFeedHold()
	e.State.Set(StateHold)
	core.RecordTiming(core.EvtFeedHold, 0, core.GetTime(), 0, 0)
}

// CycleReinitialize discards all queued and in-flight motion and returns to
// Idle, re-priming the pipeline so a subsequent WakeUp starts clean. Used
// after a Hold to abandon the remainder of the held program rather than
// resume it.
func (e *Executor) CycleReinitialize() {
	e.Prep.Reset(e.Prep.GetPrepBlockIndex())
	e.Gen.Reset()
	e.State.Set(StateIdle)
}

// WakeUp transitions Idle -> Queued once the upstream planner has queued at
// least one block, arming the pipeline to start on the next CycleStart.
func (e *Executor) WakeUp() {
	if e.State.Get() == StateIdle {
		e.State.Set(StateQueued)
	}
}

// GoIdle forces a return to Idle once the Step Generator has drained the
// ring on its own (normal end-of-program), re-enabling the manual jog path.
func (e *Executor) GoIdle() {
	e.State.Set(StateIdle)
	e.HAL.EnableSteppers(false)
}

// Alarm latches a fault state; only Reset clears it.
func (e *Executor) Alarm() {
	e.State.Set(StateAlarm)
	e.HAL.ArmPulseTimer(0)
	e.HAL.EnableSteppers(false)
	core.RecordTiming(core.EvtAlarm, 0, core.GetTime(), 0, 0)
}

// FetchPartialBlock delegates to the Preparer; see Preparer.FetchPartialBlock.
func (e *Executor) FetchPartialBlock(index int) (mmRemaining float64, isDecelerating bool, ok bool) {
	return e.Prep.FetchPartialBlock(index)
}

// GetPrepBlockIndex delegates to the Preparer; see Preparer.GetPrepBlockIndex.
func (e *Executor) GetPrepBlockIndex() int {
	return e.Prep.GetPrepBlockIndex()
}

// RunPreparer should be called from the cooperative main loop on every
// pass, ahead of any g-code/command processing.
func (e *Executor) RunPreparer() {
	e.Prep.Run()
}

// Tick should be called from the ISR_RATE timer handler.
func (e *Executor) Tick() {
	e.Gen.Tick()
}

// onCycleStop is the Step Generator's callback for ring starvation mid-cycle
// (§7): fall back to Idle so the manual jog path and a fresh WakeUp can take
// over.
func (e *Executor) onCycleStop() {
	e.State.Set(StateIdle)
	e.HAL.EnableSteppers(false)
}
