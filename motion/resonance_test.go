package motion

import "testing"

// fakeSampler returns a fixed (x, y, z) reading on every call, with an
// optional single spike on a chosen call index — enough to exercise
// updatePeak's max-tracking without needing a real accelerometer.
type fakeSampler struct {
	calls     int
	spikeAt   int
	spikeAxis int
	spikeVal  int16
}

func (s *fakeSampler) ReadRawAcceleration() (x, y, z int16) {
	s.calls++
	var reading [3]int16
	if s.calls-1 == s.spikeAt {
		reading[s.spikeAxis] = s.spikeVal
	}
	return reading[0], reading[1], reading[2]
}

// TestRunResonanceDiagnosticsDrivesMoveAndTracksPeak covers the supplemented
// resonance-diagnostics feature: it must actually queue and run a move on
// the requested axis (not just idle-loop sampling noise), return the
// Executor to Idle when done, and report the largest reading seen per axis.
func TestRunResonanceDiagnosticsDrivesMoveAndTracksPeak(t *testing.T) {
	pi := NewBlockRing(4)
	hal := &fakeHAL{}
	exec := NewExecutor(pi, hal, DefaultConfig(), 5)
	exec.Init()

	sampler := &fakeSampler{spikeAt: 3, spikeAxis: AxisY, spikeVal: 512}

	report := RunResonanceDiagnostics(exec, AxisX, 50, 500, 2_000_000, sampler)

	if sampler.calls == 0 {
		t.Fatal("sampler was never read")
	}
	if report.Axes[AxisY].PeakCounts != 512 {
		t.Errorf("peak Y = %d, want 512", report.Axes[AxisY].PeakCounts)
	}
	if report.Axes[AxisX].PeakCounts != 0 || report.Axes[AxisZ].PeakCounts != 0 {
		t.Errorf("unexpected peaks on unspiked axes: %+v", report.Axes)
	}

	if exec.State.Get() != StateIdle {
		t.Errorf("state after RunResonanceDiagnostics = %v, want Idle", exec.State.Get())
	}
	if hal.enableCalls[len(hal.enableCalls)-1] {
		t.Error("steppers should be disabled once the diagnostics run returns to Idle")
	}

	sawXStep := false
	for _, w := range hal.writes {
		if w&stepBit(AxisX) != 0 {
			sawXStep = true
		}
	}
	if !sawXStep {
		t.Error("RunResonanceDiagnostics must actually move the requested axis, no X step pulse was emitted")
	}
	pos := exec.Gen.Position()
	if pos[AxisX] != 0 {
		t.Errorf("the back-and-forth move should return X to its start, X position = %d", pos[AxisX])
	}
}

// TestRunResonanceDiagnosticsRejectsWhileRunning covers the guard against
// driving a diagnostics move on top of an in-progress cycle.
func TestRunResonanceDiagnosticsRejectsWhileRunning(t *testing.T) {
	block := &Block{
		Steps: [NumAxes]int32{100, 0, 0}, StepEventCount: 100,
		Millimeters: 10, EntrySpeedSqr: 100, NominalSpeedSqr: 100, ExitSpeedSqr: 100,
		Acceleration: 100,
	}
	pi := NewBlockRing(4)
	pi.Push(block)

	hal := &fakeHAL{}
	exec := NewExecutor(pi, hal, DefaultConfig(), 5)
	exec.Init()
	exec.WakeUp()
	exec.CycleStart()

	sampler := &fakeSampler{spikeAt: -1}
	report := RunResonanceDiagnostics(exec, AxisX, 50, 500, 100, sampler)

	if sampler.calls != 0 {
		t.Error("RunResonanceDiagnostics must not sample while the cycle is running")
	}
	if report.Axes[AxisX].PeakCounts != 0 {
		t.Error("expected an empty report when the guard rejects the request")
	}
}

// TestSuggestedAccelerationLimit covers the peak-counts-to-mm/s^2 conversion
// used to turn a ResonanceReport into a MachineConfig.Axes ceiling.
func TestSuggestedAccelerationLimit(t *testing.T) {
	peak := AxisResonance{PeakCounts: 256} // 1g at the example driver's ±16g/256-counts-per-g scale

	got := SuggestedAccelerationLimit(peak, 256, 80)
	want := 0.5 * 9806.65
	if got != want {
		t.Errorf("SuggestedAccelerationLimit = %v, want %v", got, want)
	}

	if SuggestedAccelerationLimit(peak, 0, 80) != 0 {
		t.Error("SuggestedAccelerationLimit must reject a zero countsPerG")
	}
}
