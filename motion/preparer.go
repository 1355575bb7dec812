package motion

import "math"

// prepBinding tracks how the Preparer's current block-in-progress got
// bound, per §9's redesign note preferring an explicit state variant over a
// nullable-pointer-plus-flag pair.
type prepBinding int

const (
	bindingNone    prepBinding = iota // no block bound; Phase A must query the planner
	bindingFresh                      // bound via a normal Phase A intake
	bindingPartial                    // bound via a partial-block continuation
)

// carryover holds the four SharedBlockData fields that survive a
// partial-block handoff (§4.2 Partial-block handling), snapshotted by
// FetchPartialBlock and consumed by the next Phase A intake of the same
// planner index.
type carryover struct {
	StepEventsRemaining float64
	DistPerStep         uint32
	StepPerMM           float64
	Acceleration        float64
}

// Preparer is the non-real-time Segment Preparer (§4.2): it classifies each
// block's velocity profile into one of the seven cases, then advances it in
// fixed DT_SEGMENT slices, publishing one Segment per main-loop pass.
type Preparer struct {
	pi      PlannerInterface
	sdRing  *SharedDataRing
	segRing *SegmentRing
	state   *StateMachine
	cfg     Config

	binding   prepBinding
	prepIndex int
	dataIndex int
	data      *SharedBlockData
	block     *Block

	carry *carryover

	feedHoldActive bool
}

// NewPreparer wires a Preparer to its rings and the cycle-control state
// machine. Called once by Executor.Init.
func NewPreparer(pi PlannerInterface, sdRing *SharedDataRing, segRing *SegmentRing, state *StateMachine, cfg Config) *Preparer {
	return &Preparer{pi: pi, sdRing: sdRing, segRing: segRing, state: state, cfg: cfg}
}

// Run performs as many Phase A/B/C iterations as the segment ring has room
// for, or until the pipeline drains (§4.2 loop guard). It is safe to call
// from the cooperative main loop on every pass; it does no work while the
// cycle is Queued (waiting for CycleStart) and is a no-op once the ring is
// full.
func (p *Preparer) Run() {
	if p.state.Get() == StateQueued {
		return
	}
	for !p.segRing.Full() {
		if !p.step() {
			return
		}
	}
}

// step runs one Phase A/B/C iteration, publishing exactly one segment.
// Returns false if Phase A found no block to prepare (pipeline drained).
func (p *Preparer) step() bool {
	if !p.phaseA() {
		return false
	}
	consumed, remaining, dt := p.phaseB()
	p.phaseC(consumed, remaining, dt)
	return true
}

// phaseA performs block intake: binding a new planner block (fresh or
// continued from a partial-block handoff) and (re)classifying its velocity
// profile. Returns false if no block is available at prepIndex.
func (p *Preparer) phaseA() bool {
	// classify() resets CurrentRate to the block's entry rate; a block that
	// was already bound keeps the rate Phase B has integrated so far.
	wasBound := p.binding != bindingNone
	var runningRate float64
	if wasBound {
		runningRate = p.data.CurrentRate
	}
	if p.binding == bindingNone {
		blk, ok := p.pi.GetBlockByIndex(p.prepIndex)
		if !ok {
			return false
		}
		p.block = blk

		idx, data := p.sdRing.Allocate()
		p.dataIndex = idx
		p.data = data

		if p.carry != nil {
			data.StepEventsRemaining = p.carry.StepEventsRemaining
			data.DistPerStep = p.carry.DistPerStep
			data.StepPerMM = p.carry.StepPerMM
			data.Acceleration = p.carry.Acceleration
			p.carry = nil
			p.binding = bindingPartial
		} else {
			data.StepEventsRemaining = float64(blk.StepEventCount)
			data.StepPerMM = float64(blk.StepEventCount) / blk.Millimeters
			data.DistPerStep = uint32(math.Ceil(float64(p.cfg.InvTimeMultiplier) / data.StepPerMM))
			data.Acceleration = data.StepPerMM * blk.Acceleration
			p.binding = bindingFresh
		}
	}

	p.classify()
	if wasBound {
		p.data.CurrentRate = runningRate
	}
	return true
}

// classify computes the velocity-profile case for the currently bound
// block (§4.2's seven-case table) and converts the resulting distances into
// step units. Run on every Phase A pass for the bound block — both fresh
// intake and partial-block continuation — since the planner may have
// recomputed entry/exit speeds since the last time this block was seen.
func (p *Preparer) classify() {
	b := p.block
	d := p.data

	L := b.Millimeters
	vi2 := b.EntrySpeedSqr
	vn2 := b.NominalSpeedSqr
	vx2 := b.ExitSpeedSqr
	a := b.Acceleration

	var accelUntilMM, decelAfterMM, maxRateMM float64

	switch {
	case vi2 == vn2 && vn2 == vx2:
		// Cruise: already at nominal, stays there to the end.
		accelUntilMM, decelAfterMM, maxRateMM = L, 0, math.Sqrt(vn2)

	case vi2 == vn2 && vx2 < vn2:
		// Cruise-decel: already at nominal, decelerates to a slower exit.
		decelAfterMM = (vn2 - vx2) / (2 * a)
		accelUntilMM, maxRateMM = L, math.Sqrt(vn2)

	case vx2 == vn2 && vi2 < vn2:
		// Accel-cruise: accelerates up to nominal, then cruises to the end.
		d1 := (vn2 - vi2) / (2 * a)
		accelUntilMM, decelAfterMM, maxRateMM = L-d1, 0, math.Sqrt(vn2)

	default:
		D := 0.5 * (L + (vi2-vx2)/(2*a))
		switch {
		case D <= 0:
			// Accel-only: not even a full-block acceleration reaches the
			// requested exit speed; spend the whole block accelerating.
			peak := vi2 + 2*a*L
			if peak < 0 {
				peak = 0
			}
			maxRateMM = math.Min(math.Sqrt(vn2), math.Sqrt(peak))
			accelUntilMM, decelAfterMM = 0, 0

		case D >= L:
			// Decel-only: entry speed is already high enough that the whole
			// block must decelerate toward the exit speed.
			maxRateMM = math.Sqrt(vi2)
			accelUntilMM, decelAfterMM = L, L

		default:
			d1 := (vn2 - vi2) / (2 * a)
			d2 := (vn2 - vx2) / (2 * a)
			if d2 <= D {
				// Trapezoid: room to reach nominal and cruise before
				// decelerating.
				accelUntilMM, decelAfterMM, maxRateMM = L-d1, d2, math.Sqrt(vn2)
			} else {
				// Triangle: peak speed never reaches nominal; accel and
				// decel phases meet at distance D from the end.
				accelUntilMM, decelAfterMM = D, D
				maxRateMM = math.Sqrt(2*a*D + vx2)
			}
		}
	}

	d.AccelerateUntil = accelUntilMM * d.StepPerMM
	d.DecelerateAfter = decelAfterMM * d.StepPerMM
	d.MaximumRate = maxRateMM * d.StepPerMM
	d.CurrentRate = d.StepPerMM * math.Sqrt(vi2)
	d.ExitRate = d.StepPerMM * math.Sqrt(vx2)

	if p.feedHoldActive {
		d.DecelerateAfter = d.StepEventsRemaining
		d.ExitRate = 0
	}
}

// phaseB advances the bound block by one DT_SEGMENT (plus, if a phase
// boundary is crossed partway through, a residual fill pass over the
// remaining time budget). Returns the step events consumed, the resulting
// steps_remaining, and the total time actually spent.
func (p *Preparer) phaseB() (stepsConsumed, stepsRemaining, dtTotal float64) {
	d := p.data
	startRemaining := d.StepEventsRemaining
	dt := p.cfg.DTSegment()

	remaining, dtUsed, rate := p.advancePass(d, startRemaining, dt)
	d.CurrentRate = rate
	dtTotal = dtUsed

	if dtUsed < dt && remaining > 0 {
		residual := dt - dtUsed
		remaining2, dtUsed2, rate2 := p.advancePass(d, remaining, residual)
		remaining = remaining2
		dtTotal += dtUsed2
		d.CurrentRate = rate2
	}

	stepsRemaining = remaining
	stepsConsumed = startRemaining - stepsRemaining
	return stepsConsumed, stepsRemaining, dtTotal
}

// advancePass runs one branch (accelerate/cruise/decelerate) of §4.2 Phase
// B over at most dt seconds, clamping at whichever phase boundary it would
// otherwise cross and shortening dt to match.
func (p *Preparer) advancePass(d *SharedBlockData, stepsRemaining, dt float64) (newRemaining, dtUsed, newRate float64) {
	rate := d.CurrentRate
	accel := d.Acceleration

	switch {
	case stepsRemaining > d.AccelerateUntil:
		next := stepsRemaining - (rate*dt + 0.5*accel*dt*dt)
		if next < d.AccelerateUntil {
			consumed := stepsRemaining - d.AccelerateUntil
			denom := rate + d.MaximumRate
			if denom <= 0 {
				return d.AccelerateUntil, 0, d.MaximumRate
			}
			return d.AccelerateUntil, 2 * consumed / denom, d.MaximumRate
		}
		return next, dt, rate + accel*dt

	case stepsRemaining <= d.DecelerateAfter:
		next := stepsRemaining - (rate*dt - 0.5*accel*dt*dt)
		// Also finish the block once the rate would reach zero within this
		// slice, so the rate never goes negative short of the last step.
		if next < 0 || rate <= accel*dt {
			denom := rate + d.ExitRate
			if denom <= 0 {
				return 0, 0, d.ExitRate
			}
			return 0, 2 * stepsRemaining / denom, d.ExitRate
		}
		return next, dt, rate - accel*dt

	default:
		next := stepsRemaining - d.MaximumRate*dt
		if next < d.DecelerateAfter {
			consumed := stepsRemaining - d.DecelerateAfter
			if d.MaximumRate <= 0 {
				return d.DecelerateAfter, 0, d.MaximumRate
			}
			return d.DecelerateAfter, consumed / d.MaximumRate, d.MaximumRate
		}
		return next, dt, d.MaximumRate
	}
}

// phaseC emits exactly one Segment from the result of phaseB and advances
// book-keeping: the shared data's step_events_remaining, and — if the block
// just finished — the prep index and binding.
func (p *Preparer) phaseC(stepsConsumed, stepsRemaining, dt float64) {
	d := p.data

	seg := p.segRing.Reserve()
	if seg == nil {
		// Run's loop guard already checked Full(); this should not happen.
		return
	}

	var nStep, nPhaseTick uint8
	var flag uint8

	if stepsRemaining > 0 && math.Ceil(d.StepEventsRemaining) == math.Ceil(stepsRemaining) {
		// Floor: a segment must never carry zero step events. When the slice
		// did not cross a whole step (slow starts and the tail of a
		// deceleration), advance the block to the next step boundary so the
		// segment carries exactly one step and the block's total stays exact.
		stepsRemaining = math.Ceil(d.StepEventsRemaining) - 1
	}

	if stepsRemaining > 0 {
		nStep = uint8(math.Ceil(d.StepEventsRemaining) - math.Ceil(stepsRemaining))
		nPhaseTick = uint8(math.Ceil((math.Ceil(stepsRemaining) - stepsRemaining) * float64(d.DistPerStep)))
	} else {
		nStep = uint8(math.Ceil(d.StepEventsRemaining))
		nPhaseTick = 0
		flag |= FlagEndOfBlock
	}

	var distPerTick uint32
	if dt > 0 {
		distPerTick = uint32(math.Ceil((stepsConsumed / dt) * (float64(p.cfg.InvTimeMultiplier) / p.cfg.ISRRateHz)))
	}

	seg.NStep = nStep
	seg.NPhaseTick = nPhaseTick
	seg.DistPerTick = distPerTick
	seg.DataIndex = p.dataIndex
	seg.Flag = flag

	d.StepEventsRemaining = stepsRemaining
	p.segRing.Publish()

	if stepsRemaining <= 0 {
		p.prepIndex = p.pi.NextBlockIndex(p.prepIndex)
		p.binding = bindingNone
		p.block = nil
		p.data = nil
	}
}

// FetchPartialBlock lets the upstream planner reclaim the block the
// Preparer is currently (and only partially) working on, for replanning
// (§4.2 Partial-block handoff, §6). It reports how much of the block's
// length remains and whether the Preparer had already begun decelerating,
// both of which the planner needs to recompute junction speeds correctly.
//
// Returns ok=false if prepIndex does not match index, or no block is
// currently bound — the planner must not call this speculatively against
// blocks the Preparer hasn't started.
func (p *Preparer) FetchPartialBlock(index int) (mmRemaining float64, isDecelerating bool, ok bool) {
	if p.binding == bindingNone || p.prepIndex != index || p.data == nil {
		return 0, false, false
	}

	mmRemaining = p.data.StepEventsRemaining / p.data.StepPerMM
	isDecelerating = p.data.StepEventsRemaining <= p.data.DecelerateAfter

	p.carry = &carryover{
		StepEventsRemaining: p.data.StepEventsRemaining,
		DistPerStep:         p.data.DistPerStep,
		StepPerMM:           p.data.StepPerMM,
		Acceleration:        p.data.Acceleration,
	}
	p.binding = bindingNone
	p.block = nil
	p.data = nil
	return mmRemaining, isDecelerating, true
}

// GetPrepBlockIndex returns the planner index the Preparer is currently
// bound to (or about to fetch), for Executor.GetPrepBlockIndex.
func (p *Preparer) GetPrepBlockIndex() int {
	return p.prepIndex
}

// ApplyFeedHold overrides the currently-prepped block's decelerate_after
// and exit_rate so it decelerates to a stop instead of its planned exit
// speed, and arranges for every subsequently prepared block to receive the
// same override until the ring drains (§9's recommended feed-hold design —
// see DESIGN.md for why this was chosen over the alternatives the spec left
// open).
func (p *Preparer) ApplyFeedHold() {
	p.feedHoldActive = true
	if p.data != nil {
		p.data.DecelerateAfter = p.data.StepEventsRemaining
		p.data.ExitRate = 0
	}
}

// ClearFeedHold stops applying the feed-hold override to newly prepared
// blocks; called once the cycle resumes and the planner has had a chance
// to recompute real exit speeds for anything still queued.
func (p *Preparer) ClearFeedHold() {
	p.feedHoldActive = false
}

// Reset clears all in-progress binding state, for Executor.Reset /
// Executor.CycleReinitialize. It does not touch the rings themselves —
// callers are expected to also reset the SegmentRing and SharedDataRing.
func (p *Preparer) Reset(prepIndex int) {
	p.binding = bindingNone
	p.block = nil
	p.data = nil
	p.carry = nil
	p.prepIndex = prepIndex
	p.feedHoldActive = false
}
