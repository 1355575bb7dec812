package motion

import (
	"math"

	"tinygo.org/x/drivers/adxl345"
)

// AccelSampler is the capability resonance diagnostics needs from an
// accelerometer. *adxl345.Device satisfies it directly; tests use a fake.
type AccelSampler interface {
	ReadRawAcceleration() (x, y, z int16)
}

// NewADXL345Sampler wraps a configured ADXL345 device as an AccelSampler,
// grounded on examples/drivers/adxl345_example.go's ReadRawAcceleration call
// and core/i2c.go's bus-lifecycle ownership (the caller is responsible for
// Configure/SetRate/SetRange, same as the example does before handing the
// device off).
func NewADXL345Sampler(dev *adxl345.Device) AccelSampler {
	return dev
}

// AxisResonance reports the peak measured acceleration for one axis during
// a Resonance Diagnostics run, in raw ADC counts (±16g range ~= 256
// counts/g, matching the example driver's configuration).
type AxisResonance struct {
	PeakCounts int32
}

// ResonanceReport is the result of a diagnostics run: per-axis peak
// acceleration, for an operator to pick a sane Acceleration ceiling before
// committing it to a machine config.
type ResonanceReport struct {
	Axes [NumAxes]AxisResonance
}

// RunResonanceDiagnostics drives a short back-and-forth move of steps pulses
// on axis, at rate steps/sec, through exec while sampling sampler, and
// reports the peak acceleration observed on every axis (cross-axis coupling
// shows up here, which is the point — a resonance on Y while jogging X means
// the gantry needs bracing, not just a lower X acceleration).
//
// Both legs of the move are queued directly onto exec's BlockRing before the
// cycle starts, the same way standalone/planner queues a g-code move — this
// is the one caller allowed to reach past PlannerInterface into the concrete
// ring, since it is itself acting as the upstream planner for a synthetic
// test move.
//
// This runs cooperatively from the main loop, same as Preparer.Run; it is
// not part of the hard-real-time path and must not be called while State is
// Cycle (it drives the Executor's control surface directly, the same way an
// operator console would).
func RunResonanceDiagnostics(exec *Executor, axis int, steps int32, rate float64, samples int, sampler AccelSampler) ResonanceReport {
	var report ResonanceReport

	if exec.State.Get() != StateIdle || axis < 0 || axis >= NumAxes || steps <= 0 {
		return report
	}
	ring, ok := exec.PI.(*BlockRing)
	if !ok {
		return report
	}

	rateSqr := rate * rate
	out := &Block{StepEventCount: uint32(steps), Millimeters: float64(steps)}
	out.Steps[axis] = steps
	back := *out
	back.DirectionBits = 1 << uint(axis)

	// Entry == nominal == exit on both legs: classify() takes the pure-cruise
	// branch, which never reads Acceleration, so its value here is moot.
	out.EntrySpeedSqr, out.NominalSpeedSqr, out.ExitSpeedSqr = rateSqr, rateSqr, rateSqr
	back.EntrySpeedSqr, back.NominalSpeedSqr, back.ExitSpeedSqr = rateSqr, rateSqr, rateSqr
	out.Acceleration, back.Acceleration = rateSqr, rateSqr

	if !ring.Push(out) || !ring.Push(&back) {
		return report
	}

	exec.WakeUp()
	exec.CycleStart()
	defer exec.GoIdle()

	for i := 0; i < samples; i++ {
		exec.RunPreparer()
		exec.Tick()

		x, y, z := sampler.ReadRawAcceleration()
		updatePeak(&report.Axes[AxisX], x)
		updatePeak(&report.Axes[AxisY], y)
		updatePeak(&report.Axes[AxisZ], z)

		if exec.State.Get() == StateIdle {
			break
		}
	}

	return report
}

func updatePeak(a *AxisResonance, reading int16) {
	v := int32(math.Abs(float64(reading)))
	if v > a.PeakCounts {
		a.PeakCounts = v
	}
}

// SuggestedAccelerationLimit converts a peak reading (raw ADC counts, ±16g
// range) into a conservative mm/s^2 ceiling: it treats the peak as the
// usable headroom before the structure resonates, and backs off by half as
// a safety margin. countsPerG and stepsPerMM come from the axis being
// tuned.
func SuggestedAccelerationLimit(peak AxisResonance, countsPerG, stepsPerMM float64) float64 {
	if countsPerG <= 0 || stepsPerMM <= 0 {
		return 0
	}
	g := float64(peak.PeakCounts) / countsPerG
	const mmPerSecSquaredPerG = 9806.65
	return 0.5 * g * mmPerSecSquaredPerG
}
