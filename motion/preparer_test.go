package motion

import (
	"math"
	"testing"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// newTestPreparer wires a Preparer around a single block for direct
// phaseA/phaseB/phaseC exercise.
func newTestPreparer(block *Block) (*Preparer, *fakePI) {
	pi := &fakePI{block: block}
	cfg := DefaultConfig()
	sdRing := NewSharedDataRing(cfg.SharedDataRingCapacity)
	segRing := NewSegmentRing(cfg.SegmentRingCapacity)
	state := &StateMachine{}
	state.Set(StateCycle)
	p := NewPreparer(pi, sdRing, segRing, state, cfg)
	return p, pi
}

func TestClassifyCruise(t *testing.T) {
	block := &Block{
		Steps: [NumAxes]int32{1000, 0, 0}, StepEventCount: 1000,
		Millimeters: 100, EntrySpeedSqr: 2500, NominalSpeedSqr: 2500, ExitSpeedSqr: 2500,
		Acceleration: 500,
	}
	p, _ := newTestPreparer(block)
	if !p.phaseA() {
		t.Fatal("phaseA found no block")
	}
	d := p.data
	stepPerMM := 10.0 // 1000 steps / 100mm
	if !almostEqual(d.AccelerateUntil, 100*stepPerMM, 1e-6) {
		t.Errorf("cruise accelerate_until = %v, want %v", d.AccelerateUntil, 100*stepPerMM)
	}
	if !almostEqual(d.DecelerateAfter, 0, 1e-6) {
		t.Errorf("cruise decelerate_after = %v, want 0", d.DecelerateAfter)
	}
	if !almostEqual(d.MaximumRate, 50*stepPerMM, 1e-6) {
		t.Errorf("cruise maximum_rate = %v, want %v", d.MaximumRate, 50*stepPerMM)
	}
}

func TestClassifyCruiseDecel(t *testing.T) {
	block := &Block{
		Steps: [NumAxes]int32{1000, 0, 0}, StepEventCount: 1000,
		Millimeters: 100, EntrySpeedSqr: 2500, NominalSpeedSqr: 2500, ExitSpeedSqr: 900,
		Acceleration: 500,
	}
	p, _ := newTestPreparer(block)
	p.phaseA()
	d := p.data
	stepPerMM := 10.0
	wantDecelAfter := (2500.0 - 900.0) / (2 * 500) * stepPerMM
	if !almostEqual(d.DecelerateAfter, wantDecelAfter, 1e-6) {
		t.Errorf("cruise-decel decelerate_after = %v, want %v", d.DecelerateAfter, wantDecelAfter)
	}
	if !almostEqual(d.AccelerateUntil, 100*stepPerMM, 1e-6) {
		t.Errorf("cruise-decel accelerate_until = %v, want %v", d.AccelerateUntil, 100*stepPerMM)
	}
}

func TestClassifyAccelCruise(t *testing.T) {
	block := &Block{
		Steps: [NumAxes]int32{1000, 0, 0}, StepEventCount: 1000,
		Millimeters: 100, EntrySpeedSqr: 400, NominalSpeedSqr: 2500, ExitSpeedSqr: 2500,
		Acceleration: 500,
	}
	p, _ := newTestPreparer(block)
	p.phaseA()
	d := p.data
	stepPerMM := 10.0
	d1 := (2500.0 - 400.0) / (2 * 500)
	wantAccelUntil := (100 - d1) * stepPerMM
	if !almostEqual(d.AccelerateUntil, wantAccelUntil, 1e-6) {
		t.Errorf("accel-cruise accelerate_until = %v, want %v", d.AccelerateUntil, wantAccelUntil)
	}
	if !almostEqual(d.DecelerateAfter, 0, 1e-6) {
		t.Errorf("accel-cruise decelerate_after = %v, want 0", d.DecelerateAfter)
	}
}

// TestClassifyTrapezoid reproduces the symmetric-trapezoid worked example:
// a 100mm block from/to rest at 50mm/s nominal and 500mm/s^2, which must
// land on accelerate_until=97.5mm and decelerate_after=2.5mm exactly.
func TestClassifyTrapezoid(t *testing.T) {
	block := &Block{
		Steps: [NumAxes]int32{1000, 1000, 0}, StepEventCount: 1000,
		Millimeters: 100, EntrySpeedSqr: 0, NominalSpeedSqr: 2500, ExitSpeedSqr: 0,
		Acceleration: 500,
	}
	p, _ := newTestPreparer(block)
	p.phaseA()
	d := p.data
	stepPerMM := 10.0 // 1000 steps / 100mm

	wantAccelUntil := 97.5 * stepPerMM
	wantDecelAfter := 2.5 * stepPerMM
	if !almostEqual(d.AccelerateUntil, wantAccelUntil, 1e-6) {
		t.Errorf("trapezoid accelerate_until = %v, want %v", d.AccelerateUntil, wantAccelUntil)
	}
	if !almostEqual(d.DecelerateAfter, wantDecelAfter, 1e-6) {
		t.Errorf("trapezoid decelerate_after = %v, want %v", d.DecelerateAfter, wantDecelAfter)
	}
	if !almostEqual(d.MaximumRate, 50*stepPerMM, 1e-6) {
		t.Errorf("trapezoid maximum_rate = %v, want %v", d.MaximumRate, 50*stepPerMM)
	}
}

// TestClassifyTriangle reproduces the triangle worked example: a 1mm block
// from/to rest at 100mm/s nominal and 500mm/s^2 never reaches nominal; the
// peak must land at D=0.5mm with maximum_rate = sqrt(500) ~= 22.36mm/s.
func TestClassifyTriangle(t *testing.T) {
	block := &Block{
		Steps: [NumAxes]int32{100, 0, 0}, StepEventCount: 100,
		Millimeters: 1, EntrySpeedSqr: 0, NominalSpeedSqr: 10000, ExitSpeedSqr: 0,
		Acceleration: 500,
	}
	p, _ := newTestPreparer(block)
	p.phaseA()
	d := p.data
	stepPerMM := 100.0 // 100 steps / 1mm

	wantD := 0.5 * stepPerMM
	wantRate := math.Sqrt(500) * stepPerMM
	if !almostEqual(d.AccelerateUntil, wantD, 1e-6) {
		t.Errorf("triangle accelerate_until = %v, want %v", d.AccelerateUntil, wantD)
	}
	if !almostEqual(d.DecelerateAfter, wantD, 1e-6) {
		t.Errorf("triangle decelerate_after = %v, want %v", d.DecelerateAfter, wantD)
	}
	if !almostEqual(d.MaximumRate, wantRate, 1e-3) {
		t.Errorf("triangle maximum_rate = %v, want %v", d.MaximumRate, wantRate)
	}
}

func TestClassifyAccelOnly(t *testing.T) {
	// A short, fast-entry-exit-delta block where even full-block
	// acceleration can't reach the requested exit speed: D <= 0.
	block := &Block{
		Steps: [NumAxes]int32{10, 0, 0}, StepEventCount: 10,
		Millimeters: 1, EntrySpeedSqr: 0, NominalSpeedSqr: 1e6, ExitSpeedSqr: 4000,
		Acceleration: 500,
	}
	p, _ := newTestPreparer(block)
	p.phaseA()
	d := p.data
	if d.AccelerateUntil != 0 || d.DecelerateAfter != 0 {
		t.Errorf("accel-only should spend the whole block accelerating: accelerate_until=%v decelerate_after=%v, want 0,0", d.AccelerateUntil, d.DecelerateAfter)
	}
}

func TestClassifyDecelOnly(t *testing.T) {
	// Entry speed so high that the whole block must decelerate: D >= L.
	block := &Block{
		Steps: [NumAxes]int32{10, 0, 0}, StepEventCount: 10,
		Millimeters: 1, EntrySpeedSqr: 1e6, NominalSpeedSqr: 4e6, ExitSpeedSqr: 0,
		Acceleration: 500,
	}
	p, _ := newTestPreparer(block)
	p.phaseA()
	d := p.data
	stepPerMM := 10.0
	if !almostEqual(d.AccelerateUntil, 1*stepPerMM, 1e-6) || !almostEqual(d.DecelerateAfter, 1*stepPerMM, 1e-6) {
		t.Errorf("decel-only should decelerate across the whole block: accelerate_until=%v decelerate_after=%v, want %v,%v", d.AccelerateUntil, d.DecelerateAfter, stepPerMM, stepPerMM)
	}
	if !almostEqual(d.MaximumRate, 1000*stepPerMM, 1e-3) {
		t.Errorf("decel-only maximum_rate = %v, want entry rate %v", d.MaximumRate, 1000*stepPerMM)
	}
}

// TestSingleStepBlockEndsInOneSegment covers §8's boundary behavior: a
// step_event_count=1 block must produce exactly one segment, flagged
// end-of-block, with NStep=1.
func TestSingleStepBlockEndsInOneSegment(t *testing.T) {
	block := &Block{
		Steps: [NumAxes]int32{1, 0, 0}, StepEventCount: 1,
		Millimeters: 1, EntrySpeedSqr: 1e6, NominalSpeedSqr: 1e6, ExitSpeedSqr: 1e6,
		Acceleration: 1e5,
	}
	p, _ := newTestPreparer(block)
	if !p.step() {
		t.Fatal("step() found no block to prepare")
	}
	seg := p.segRing.Peek()
	if seg == nil {
		t.Fatal("expected a published segment")
	}
	if seg.Flag&FlagEndOfBlock == 0 {
		t.Error("single-step block's only segment must carry FlagEndOfBlock")
	}
	if seg.NStep != 1 {
		t.Errorf("single-step block's segment NStep = %d, want 1", seg.NStep)
	}
}

// TestPhaseCNeverEmitsZeroStepSegment exercises the defensive floor: a slow
// cruise whose first DT_SEGMENT slice rounds to zero whole steps must still
// publish a segment with NStep=1, never 0.
func TestPhaseCNeverEmitsZeroStepSegment(t *testing.T) {
	block := &Block{
		Steps: [NumAxes]int32{1, 0, 0}, StepEventCount: 1,
		Millimeters: 1, EntrySpeedSqr: 100, NominalSpeedSqr: 100, ExitSpeedSqr: 100,
		Acceleration: 1,
	}
	p, _ := newTestPreparer(block)
	if !p.step() {
		t.Fatal("step() found no block to prepare")
	}
	seg := p.segRing.Peek()
	if seg == nil {
		t.Fatal("expected a published segment")
	}
	if seg.NStep == 0 {
		t.Error("a published segment must never carry NStep=0")
	}
}

// TestFetchPartialBlockRoundTrip checks the partial-block handoff property:
// fetching a block mid-preparation and re-binding it at the same index
// preserves its remaining distance (modulo the classification recompute
// every phaseA performs).
func TestFetchPartialBlockRoundTrip(t *testing.T) {
	block := &Block{
		Steps: [NumAxes]int32{1000, 0, 0}, StepEventCount: 1000,
		Millimeters: 100, EntrySpeedSqr: 2500, NominalSpeedSqr: 2500, ExitSpeedSqr: 2500,
		Acceleration: 500,
	}
	p, _ := newTestPreparer(block)
	if !p.step() {
		t.Fatal("step() found no block to prepare")
	}

	mmRemaining, isDecelerating, ok := p.FetchPartialBlock(0)
	if !ok {
		t.Fatal("FetchPartialBlock should succeed against the block the Preparer just started")
	}
	if isDecelerating {
		t.Error("a fresh cruise block should not yet be decelerating after one segment")
	}
	if mmRemaining <= 0 || mmRemaining >= block.Millimeters {
		t.Errorf("mmRemaining = %v, want strictly between 0 and %v", mmRemaining, block.Millimeters)
	}

	if p.binding != bindingNone {
		t.Error("FetchPartialBlock must release the Preparer's binding")
	}

	before := p.carry.StepEventsRemaining
	if !p.phaseA() {
		t.Fatal("re-binding the same index after FetchPartialBlock should succeed")
	}
	if p.binding != bindingPartial {
		t.Error("re-binding after FetchPartialBlock should mark the binding as partial")
	}
	if p.data.StepEventsRemaining != before {
		t.Errorf("partial re-bind changed StepEventsRemaining: got %v, want %v", p.data.StepEventsRemaining, before)
	}
}

// TestFeedHoldOverridesDecelerateAfter checks §9's feed-hold design: once
// applied, the currently-bound block's decelerate_after collapses to its
// remaining step count, and every subsequently classified block inherits
// the override until cleared.
func TestFeedHoldOverridesDecelerateAfter(t *testing.T) {
	block := &Block{
		Steps: [NumAxes]int32{1000, 0, 0}, StepEventCount: 1000,
		Millimeters: 100, EntrySpeedSqr: 2500, NominalSpeedSqr: 2500, ExitSpeedSqr: 2500,
		Acceleration: 500,
	}
	p, _ := newTestPreparer(block)
	p.phaseA()

	p.ApplyFeedHold()
	if p.data.DecelerateAfter != p.data.StepEventsRemaining {
		t.Errorf("feed hold should collapse decelerate_after to the remaining step count: got %v, want %v", p.data.DecelerateAfter, p.data.StepEventsRemaining)
	}
	if p.data.ExitRate != 0 {
		t.Errorf("feed hold should zero exit_rate, got %v", p.data.ExitRate)
	}

	p.classify() // a subsequent reclassify pass must keep applying the override
	if p.data.DecelerateAfter != p.data.StepEventsRemaining {
		t.Error("feed hold override should stick across reclassification until ClearFeedHold")
	}

	p.ClearFeedHold()
	p.classify()
	if p.data.DecelerateAfter == p.data.StepEventsRemaining {
		t.Error("ClearFeedHold should let classify recompute the block's real decelerate_after")
	}
}
