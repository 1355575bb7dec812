package motion

import "gridstep/core"

// loadState is the Step Generator's segment-loading sub-state machine
// (§4.1): NoOp (a segment is already loaded and running), LoadSegment (load
// the next segment of the same block, carrying Bresenham state forward),
// LoadBlock (bind a new planner block and reset Bresenham state).
type loadState int

const (
	loadNoOp loadState = iota
	loadSegment
	loadBlock
)

// StepGenerator is the hard-real-time Step Generator (§4.1): it reads one
// Segment at a time from the SegmentRing, walks its inverse-time counter,
// and distributes step events across the three axes with a per-axis
// Bresenham distributor, emitting a combined step+direction port word via
// HAL each time a step is due.
//
// Tick must run in bounded time and never block; all state it touches
// outside itself is either the lock-free SegmentRing or read-only
// SharedDataRing entries.
type StepGenerator struct {
	pi      PlannerInterface
	sdRing  *SharedDataRing
	segRing *SegmentRing
	hal     HAL
	state   *StateMachine

	busy     bool
	loadFlag loadState

	currentBlock *Block
	currentData  *SharedBlockData

	stepCount   uint8
	phaseCount  uint8
	segFlag     uint8
	distCounter int64
	bresenham   [NumAxes]int32

	directionBits uint8
	outBits       uint8
	executeStep   bool

	pulseWidthTicks uint32

	position [NumAxes]int64

	onCycleStop func()
}

// NewStepGenerator wires a StepGenerator to its rings, HAL and cycle-control
// state machine. pulseWidthTicks is the one-shot pulse width armed on every
// step edge; onCycleStop, if non-nil, is invoked when the generator
// encounters an empty ring mid-cycle (§7's orderly-stop case).
func NewStepGenerator(pi PlannerInterface, sdRing *SharedDataRing, segRing *SegmentRing, hal HAL, state *StateMachine, pulseWidthTicks uint32, onCycleStop func()) *StepGenerator {
	g := &StepGenerator{
		pi: pi, sdRing: sdRing, segRing: segRing, hal: hal, state: state,
		loadFlag:        loadBlock,
		pulseWidthTicks: pulseWidthTicks,
		onCycleStop:     onCycleStop,
	}
	return g
}

// Position returns the generator's current per-axis step position. Safe to
// call from the cooperative main loop; the values may lag by up to one
// pending step event relative to the physical motor.
func (g *StepGenerator) Position() [NumAxes]int64 {
	return g.position
}

// Tick runs one ISR_RATE invocation of the Step Generator: the pulse rising
// edge (if armed by the previous tick), the segment-loading sub-state
// machine, and the dual-Bresenham timing/emission kernel.
func (g *StepGenerator) Tick() {
	if g.busy {
		// A tick overran the previous one's budget; should never happen on
		// a correctly sized ISR rate (§7). Record and drop this tick rather
		// than reenter.
		core.RecordTiming(core.EvtTimerPast, 0, core.GetTime(), 0, 0)
		return
	}
	g.busy = true
	defer func() { g.busy = false }()

	if g.executeStep {
		g.hal.SetStepPort(g.outBits)
		g.hal.ArmPulseTimer(g.pulseWidthTicks)
		g.executeStep = false
	}

	g.work()
}

// PulseFallingEdge is the pulse-width timer's overflow handler (§4.1),
// wired via HAL.ArmPulseTimer. It clears the step bits back to their
// invert-mask idle level, leaving direction bits untouched.
func (g *StepGenerator) PulseFallingEdge() {
	bits := g.outBits &^ stepBitsMask
	g.hal.SetStepPort(bits)
	g.hal.ArmPulseTimer(0)
}

func (g *StepGenerator) work() {
	switch g.loadFlag {
	case loadBlock:
		g.loadBlockStage()
		return // direction-settle tick: timing begins the following tick
	case loadSegment:
		if !g.loadSegmentStage() {
			return
		}
	case loadNoOp:
	}
	g.timingStep()
}

// loadBlockStage binds the next planner block: resets the per-axis
// Bresenham counters to their half-count initial phase, primes the
// inverse-time counter, and pre-arms a direction-only pulse so direction
// lines settle one tick before the first step edge.
func (g *StepGenerator) loadBlockStage() {
	seg := g.segRing.Peek()
	if seg == nil {
		g.stop()
		return
	}

	blk, ok := g.pi.CurrentBlock()
	if !ok {
		g.stop()
		return
	}
	g.currentBlock = blk
	g.currentData = g.sdRing.At(seg.DataIndex)

	g.directionBits = blk.DirectionBits
	for a := 0; a < NumAxes; a++ {
		g.bresenham[a] = int32(blk.StepEventCount) / 2
	}
	g.distCounter = int64(g.currentData.DistPerStep)

	g.outBits = (g.directionBits << dirBitShift)
	g.executeStep = true

	g.stepCount = seg.NStep
	g.phaseCount = seg.NPhaseTick
	g.segFlag = seg.Flag

	g.loadFlag = loadNoOp
	core.RecordTiming(core.EvtSegmentLoad, 0, core.GetTime(), uint32(blk.StepEventCount), 0)
}

// loadSegmentStage binds the next segment of the same block, carrying the
// Bresenham counters and inverse-time state forward unchanged (phase
// continuity across the segment boundary).
func (g *StepGenerator) loadSegmentStage() bool {
	seg := g.segRing.Peek()
	if seg == nil {
		g.stop()
		return false
	}
	g.currentData = g.sdRing.At(seg.DataIndex)
	g.stepCount = seg.NStep
	g.phaseCount = seg.NPhaseTick
	g.segFlag = seg.Flag
	g.loadFlag = loadNoOp
	return true
}

// timingStep runs one tick of the dual-Bresenham kernel: the inverse-time
// counter (timing Bresenham) gates when a step event is due; when one is,
// the per-axis Bresenham distributes it across whichever axes are due
// their share of this block's step ratio.
func (g *StepGenerator) timingStep() {
	seg := g.segRing.Peek()
	if seg == nil {
		return
	}

	if g.stepCount > 0 {
		g.distCounter -= int64(seg.DistPerTick)
		if g.distCounter < 0 {
			g.distCounter += int64(g.currentData.DistPerStep)

			bits := g.directionBits << dirBitShift
			for a := 0; a < NumAxes; a++ {
				g.bresenham[a] -= g.currentBlock.Steps[a]
				if g.bresenham[a] < 0 {
					bits |= stepBit(a)
					g.bresenham[a] += int32(g.currentBlock.StepEventCount)
					if g.directionBits&(1<<uint(a)) != 0 {
						g.position[a]--
					} else {
						g.position[a]++
					}
				}
			}
			g.outBits = bits
			g.executeStep = true
			g.stepCount--
		}
	} else if g.phaseCount > 0 {
		g.phaseCount--
	}

	if g.stepCount == 0 && g.phaseCount == 0 {
		g.completeSegment(seg)
	}
}

// completeSegment retires the just-finished segment and arms the
// appropriate load stage for the next tick.
func (g *StepGenerator) completeSegment(seg *Segment) {
	endOfBlock := seg.Flag&FlagEndOfBlock != 0
	g.segRing.Advance()

	if endOfBlock {
		g.pi.DiscardCurrentBlock()
		g.loadFlag = loadBlock
	} else {
		g.loadFlag = loadSegment
	}
}

// stop puts the generator back into its idle load state and disarms the
// pulse timer; called when the segment ring starves mid-cycle (§7).
func (g *StepGenerator) stop() {
	g.hal.ArmPulseTimer(0)
	core.RecordTiming(core.EvtRingEmpty, 0, core.GetTime(), 0, 0)
	g.state.Set(StateIdle)
	g.loadFlag = loadBlock
	if g.onCycleStop != nil {
		g.onCycleStop()
	}
}

// Reset clears all in-flight Bresenham and loading state so the next Tick
// starts a fresh block from scratch, for Executor.Reset/CycleReinitialize.
func (g *StepGenerator) Reset() {
	g.loadFlag = loadBlock
	g.currentBlock = nil
	g.currentData = nil
	g.stepCount = 0
	g.phaseCount = 0
	g.executeStep = false
	g.hal.ArmPulseTimer(0)
}
