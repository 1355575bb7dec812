package motion

import (
	"math"
	"testing"
)

// This file covers §8 scenarios 2, 3, and 4 end to end — the same
// Preparer->SegmentRing->StepGenerator->Executor path
// TestExecutorSingleAxisPureCruise exercises for the cruise case, but for the
// trapezoid and triangle profiles, plus the junction-speed continuity check
// that has no coverage at all elsewhere.

// TestExecutorTrapezoidProfileReachesExactStepCount covers §8 scenario 2: a
// symmetric trapezoid (accelerate, cruise, decelerate back to a stop) must
// still land on the exact commanded step count despite the profile spending
// most of its segments off the nominal rate.
func TestExecutorTrapezoidProfileReachesExactStepCount(t *testing.T) {
	block := &Block{
		Steps: [NumAxes]int32{1000, 1000, 0}, StepEventCount: 1000,
		Millimeters: 100, EntrySpeedSqr: 0, NominalSpeedSqr: 2500, ExitSpeedSqr: 0,
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

	runToIdle(t, exec, 2_000_000)

	pos := exec.Gen.Position()
	if pos[AxisX] != int64(block.Steps[AxisX]) {
		t.Errorf("final position X = %d, want %d", pos[AxisX], block.Steps[AxisX])
	}
	if pos[AxisY] != int64(block.Steps[AxisY]) {
		t.Errorf("final position Y = %d, want %d", pos[AxisY], block.Steps[AxisY])
	}
	if pos[AxisZ] != 0 {
		t.Errorf("idle axis Z moved: %d, want 0", pos[AxisZ])
	}
}

// TestExecutorTriangleProfileReachesExactStepCount covers §8 scenario 3: a
// move too short to reach its nominal rate (accel and decel phases meet
// before cruising) must still land on the exact commanded step count.
func TestExecutorTriangleProfileReachesExactStepCount(t *testing.T) {
	block := &Block{
		Steps: [NumAxes]int32{100, 0, 0}, StepEventCount: 100,
		Millimeters: 1, EntrySpeedSqr: 0, NominalSpeedSqr: 10000, ExitSpeedSqr: 0,
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

	runToIdle(t, exec, 2_000_000)

	pos := exec.Gen.Position()
	if pos[AxisX] != int64(block.Steps[AxisX]) {
		t.Errorf("final position X = %d, want %d", pos[AxisX], block.Steps[AxisX])
	}
}

// TestPreparerJunctionSpeedContinuityAcrossBlocks covers §8 scenario 4: two
// back-to-back blocks sharing a non-zero junction speed must hand off a
// continuous rate at the boundary — the first block's exit_rate and the
// second's starting current_rate must agree, and the cycle must never drop
// to Idle in between.
//
// Both blocks share the same geometry (1000 steps over 100mm, so
// StepPerMM == 10) purely so the two rates are directly comparable in
// steps/s without an extra unit conversion; classify() would hold the
// invariant just as well for blocks of different StepPerMM.
//
// This drives Phase A/B/C manually (rather than through Executor.RunPreparer)
// because it needs to sample SharedBlockData.CurrentRate at the exact
// instant classify() sets it for the second block, before that same pass's
// Phase B overwrites it with the result of the first segment's integration.
func TestPreparerJunctionSpeedContinuityAcrossBlocks(t *testing.T) {
	const junctionSpeedSqr = 200.0

	block1 := &Block{
		Steps: [NumAxes]int32{1000, 0, 0}, StepEventCount: 1000,
		Millimeters: 100, EntrySpeedSqr: 0, NominalSpeedSqr: 2500, ExitSpeedSqr: junctionSpeedSqr,
		Acceleration: 500,
	}
	block2 := &Block{
		Steps: [NumAxes]int32{1000, 0, 0}, StepEventCount: 1000,
		Millimeters: 100, EntrySpeedSqr: junctionSpeedSqr, NominalSpeedSqr: 2500, ExitSpeedSqr: 0,
		Acceleration: 500,
	}
	pi := NewBlockRing(4)
	pi.Push(block1)
	pi.Push(block2)

	hal := &fakeHAL{}
	cfg := DefaultConfig()
	exec := NewExecutor(pi, hal, cfg, 5)
	exec.Init()
	exec.WakeUp()
	exec.CycleStart()

	freshBinds := 0
	var block2EntryRate float64
	capturedEntry := false
	wentIdleEarly := false

	for i := 0; i < 2_000_000; i++ {
		if exec.State.Get() == StateIdle {
			break
		}

		if !exec.Prep.segRing.Full() {
			wasUnbound := exec.Prep.binding == bindingNone
			if !exec.Prep.phaseA() {
				break
			}
			if wasUnbound {
				freshBinds++
				if freshBinds == 2 {
					block2EntryRate = exec.Prep.data.CurrentRate
					capturedEntry = true
				}
			}
			consumed, remaining, dt := exec.Prep.phaseB()
			exec.Prep.phaseC(consumed, remaining, dt)
		}

		exec.Tick()
		if freshBinds < 2 && exec.State.Get() == StateIdle {
			wentIdleEarly = true
		}
	}

	if !capturedEntry {
		t.Fatal("never observed Phase A binding the second block")
	}
	if wentIdleEarly {
		t.Error("cycle dropped to Idle between block1 and block2, want uninterrupted handoff")
	}

	block1ExitRate := exec.Prep.sdRing.At(0).ExitRate
	wantRate := 10.0 * math.Sqrt(junctionSpeedSqr) // StepPerMM (1000 steps / 100mm) * sqrt(junction speed^2)

	if block1ExitRate != wantRate {
		t.Errorf("block1 ExitRate = %v, want %v", block1ExitRate, wantRate)
	}
	if block2EntryRate != wantRate {
		t.Errorf("block2 starting CurrentRate = %v, want %v", block2EntryRate, wantRate)
	}
	if block1ExitRate != block2EntryRate {
		t.Errorf("junction rate discontinuity: block1 exit %v != block2 entry %v", block1ExitRate, block2EntryRate)
	}

	runToIdle(t, exec, 2_000_000)
	pos := exec.Gen.Position()
	if pos[AxisX] != int64(block1.Steps[AxisX]+block2.Steps[AxisX]) {
		t.Errorf("final position X = %d, want %d", pos[AxisX], block1.Steps[AxisX]+block2.Steps[AxisX])
	}
}
