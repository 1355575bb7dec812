package motion

import "testing"

// fakeHAL records every port write and pulse arm/disarm so tests can assert
// on exactly what the Step Generator drove, without a real GPIO backend.
type fakeHAL struct {
	writes      []uint8
	armed       []uint32
	enableCalls []bool
}

func (f *fakeHAL) SetStepPort(bits uint8)      { f.writes = append(f.writes, bits) }
func (f *fakeHAL) EnableSteppers(enable bool)  { f.enableCalls = append(f.enableCalls, enable) }
func (f *fakeHAL) ArmPulseTimer(widthTicks uint32) { f.armed = append(f.armed, widthTicks) }

// fakePI is a minimal single-block PlannerInterface for StepGenerator tests
// that drive the Bresenham kernel directly against a hand-built Segment
// rather than through the Preparer.
type fakePI struct {
	block     *Block
	discarded bool
}

func (p *fakePI) GetBlockByIndex(i int) (*Block, bool) {
	if i == 0 && !p.discarded {
		return p.block, true
	}
	return nil, false
}
func (p *fakePI) NextBlockIndex(i int) int { return i + 1 }
func (p *fakePI) CurrentBlock() (*Block, bool) {
	if p.discarded {
		return nil, false
	}
	return p.block, true
}
func (p *fakePI) DiscardCurrentBlock() { p.discarded = true }

// TestStepGeneratorBresenhamFairness drives a single hand-built segment
// through the Step Generator and checks that each axis receives exactly the
// step count its block specifies, with no net drift from fairness rounding.
func TestStepGeneratorBresenhamFairness(t *testing.T) {
	block := &Block{
		Steps:          [NumAxes]int32{4, 3, 0},
		StepEventCount: 4,
		DirectionBits:  0,
	}
	pi := &fakePI{block: block}
	sdRing := NewSharedDataRing(2)
	idx, data := sdRing.Allocate()
	data.DistPerStep = 1

	segRing := NewSegmentRing(4)
	seg := segRing.Reserve()
	seg.NStep = 4
	seg.NPhaseTick = 0
	seg.DistPerTick = 2 // > DistPerStep: guarantees a step fires every tick
	seg.DataIndex = idx
	seg.Flag = FlagEndOfBlock
	segRing.Publish()

	hal := &fakeHAL{}
	state := &StateMachine{}
	state.Set(StateCycle)
	gen := NewStepGenerator(pi, sdRing, segRing, hal, state, 5, nil)

	for i := 0; i < 5; i++ {
		gen.Tick()
	}

	pos := gen.Position()
	if pos[AxisX] != int64(block.Steps[AxisX]) {
		t.Errorf("axis X: got %d steps, want %d", pos[AxisX], block.Steps[AxisX])
	}
	if pos[AxisY] != int64(block.Steps[AxisY]) {
		t.Errorf("axis Y: got %d steps, want %d", pos[AxisY], block.Steps[AxisY])
	}
	if pos[AxisZ] != int64(block.Steps[AxisZ]) {
		t.Errorf("axis Z: got %d steps, want %d", pos[AxisZ], block.Steps[AxisZ])
	}
	if !pi.discarded {
		t.Error("end-of-block segment should discard the current block once drained")
	}
	if segRing.Peek() != nil {
		t.Error("segment ring should be drained after the block completes")
	}
}

// TestStepGeneratorDirectionBits verifies a negative-direction axis both
// sets its direction bit on every port write and decrements position
// instead of incrementing it.
func TestStepGeneratorDirectionBits(t *testing.T) {
	block := &Block{
		Steps:          [NumAxes]int32{2, 0, 0},
		StepEventCount: 2,
		DirectionBits:  1 << AxisX,
	}
	pi := &fakePI{block: block}
	sdRing := NewSharedDataRing(2)
	idx, data := sdRing.Allocate()
	data.DistPerStep = 1

	segRing := NewSegmentRing(4)
	seg := segRing.Reserve()
	seg.NStep = 2
	seg.DistPerTick = 2
	seg.DataIndex = idx
	seg.Flag = FlagEndOfBlock
	segRing.Publish()

	hal := &fakeHAL{}
	state := &StateMachine{}
	gen := NewStepGenerator(pi, sdRing, segRing, hal, state, 3, nil)

	for i := 0; i < 3; i++ {
		gen.Tick()
	}

	pos := gen.Position()
	if pos[AxisX] != -2 {
		t.Errorf("negative-direction axis: got position %d, want -2", pos[AxisX])
	}

	sawDirBit := false
	for _, w := range hal.writes {
		if w&dirBit(AxisX) != 0 {
			sawDirBit = true
		}
	}
	if !sawDirBit {
		t.Error("direction bit for axis X was never set on a port write")
	}
}

// TestStepGeneratorRingStarvationStopsCleanly covers §7's orderly-stop case:
// an empty segment ring mid-cycle must disarm the pulse timer, return to
// Idle, and invoke the onCycleStop callback exactly once.
func TestStepGeneratorRingStarvationStopsCleanly(t *testing.T) {
	pi := &fakePI{block: &Block{}}
	pi.discarded = true // no block behind the empty ring either
	sdRing := NewSharedDataRing(2)
	segRing := NewSegmentRing(4) // left empty: nothing Reserve()d/Published

	hal := &fakeHAL{}
	state := &StateMachine{}
	state.Set(StateCycle)

	stopCalls := 0
	gen := NewStepGenerator(pi, sdRing, segRing, hal, state, 5, func() { stopCalls++ })

	gen.Tick()

	if stopCalls != 1 {
		t.Errorf("onCycleStop called %d times, want 1", stopCalls)
	}
	if state.Get() != StateIdle {
		t.Errorf("state after ring starvation = %v, want Idle", state.Get())
	}
	if len(hal.armed) == 0 || hal.armed[len(hal.armed)-1] != 0 {
		t.Error("pulse timer should be disarmed (ArmPulseTimer(0)) on ring starvation")
	}
}

// TestStepGeneratorBusyGuardDropsReentrantTick ensures a reentrant Tick call
// while busy is held is recorded and dropped rather than corrupting state.
func TestStepGeneratorBusyGuardDropsReentrantTick(t *testing.T) {
	pi := &fakePI{block: &Block{Steps: [NumAxes]int32{1, 0, 0}, StepEventCount: 1}}
	sdRing := NewSharedDataRing(2)
	idx, data := sdRing.Allocate()
	data.DistPerStep = 1
	segRing := NewSegmentRing(4)
	seg := segRing.Reserve()
	seg.NStep = 1
	seg.DistPerTick = 2
	seg.DataIndex = idx
	seg.Flag = FlagEndOfBlock
	segRing.Publish()

	hal := &fakeHAL{}
	state := &StateMachine{}
	gen := NewStepGenerator(pi, sdRing, segRing, hal, state, 3, nil)

	gen.busy = true
	gen.Tick() // must return immediately without touching loadFlag/position

	if gen.loadFlag != loadBlock {
		t.Error("a dropped reentrant tick must not have advanced the load state machine")
	}
	if gen.Position() != ([NumAxes]int64{}) {
		t.Error("a dropped reentrant tick must not have moved any axis")
	}
}
