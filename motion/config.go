package motion

// Config holds the tuning constants the Preparer's time-sliced advance and
// the Step Generator's inverse-time counter are built around (§4.1, §4.2).
// Defaults are grbl-scaled: a 30kHz step ISR and an AccelTicksPerSec of 300
// give a 10ms DT_SEGMENT (a 100Hz segment refresh), matching the teacher's
// timer tick domain
// (core.Timer ticks are MCU clock ticks; ISRRateHz/AccelTicksPerSec are
// themselves expressed in Hz of that same clock-derived tick).
type Config struct {
	// ISRRateHz is the nominal step-timer tick rate used to scale the
	// inverse-time counter's dist_per_tick.
	ISRRateHz float64
	// AccelTicksPerSec sets the segment length: DTSegment =
	// AccelTicksPerSec / ISRRateHz seconds.
	AccelTicksPerSec float64
	// InvTimeMultiplier scales step distances into the inverse-time
	// counter's fixed-point domain; must be large enough relative to
	// StepPerMM that DistPerStep doesn't collapse to 0, and small enough
	// that DistPerTick fits a uint32 at maximum feed rate.
	InvTimeMultiplier uint32
	// SegmentRingCapacity sizes the SegmentRing.
	SegmentRingCapacity int
	// SharedDataRingCapacity sizes the SharedDataRing; the spec requires
	// capacity SEG_CAP-1 so the data ring can never be outrun.
	SharedDataRingCapacity int
}

// DefaultConfig returns grbl-scaled defaults suitable for a 3-axis
// Cartesian machine with step/mm in the low thousands.
func DefaultConfig() Config {
	return Config{
		ISRRateHz:              30000,
		AccelTicksPerSec:       300,
		InvTimeMultiplier:      1 << 23,
		SegmentRingCapacity:    DefaultSegmentRingCapacity,
		SharedDataRingCapacity: DefaultSegmentRingCapacity - 1,
	}
}

// DTSegment returns the fixed time slice, in seconds, each Preparer
// iteration advances a block by.
func (c Config) DTSegment() float64 {
	return c.AccelTicksPerSec / c.ISRRateHz
}
