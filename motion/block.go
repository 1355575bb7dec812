// Package motion implements the real-time motion execution core: the
// non-real-time Segment Preparer, the lock-free segment ring, and the
// hard-real-time Step Generator that drives a 3-axis CNC motion system via
// trapezoidal velocity profiles and a dual-Bresenham step distributor.
package motion

// Axis indices for the three synchronized linear axes this core drives.
// A fourth (extruder/jog) axis is handled outside this package by the
// manual jog path in core/stepper.go.
const (
	AxisX = iota
	AxisY
	AxisZ
	NumAxes
)

// Block is one planner-queued, multi-axis linear move. It is produced
// upstream (g-code interpretation, lookahead cornering — both out of scope
// here) and consumed read-only by the Segment Preparer.
//
// A block may be recomputed in place by the upstream planner while it is
// still only partially prepared; see Executor.FetchPartialBlock and
// Preparer.FetchPartialBlock.
type Block struct {
	Steps          [NumAxes]int32 // per-axis step count for this block (always >= 0)
	StepEventCount uint32         // max over Steps[*]; total step events in the block
	DirectionBits  uint8          // bit a set => axis a moves in the negative direction

	Millimeters float64 // Euclidean length of the block

	EntrySpeedSqr   float64 // (mm/s)^2 at block start
	NominalSpeedSqr float64 // (mm/s)^2 the block would cruise at given no neighbors
	ExitSpeedSqr    float64 // (mm/s)^2 at block end (0 for the last queued block)
	Acceleration    float64 // mm/s^2, already clamped to the slowest-limiting axis
}

// PlannerInterface is the read-only view the Segment Preparer has into the
// upstream planner's block queue (§6 Planner Interface). Implementations
// need not be lock-free themselves — only the Preparer/StepGenerator
// boundary (SegmentRing) is required to be.
type PlannerInterface interface {
	// GetBlockByIndex returns the block at logical index i, or false if no
	// block occupies that slot (queue not yet filled that far).
	GetBlockByIndex(i int) (*Block, bool)

	// NextBlockIndex returns the logical index following i, wrapping at the
	// ring's capacity.
	NextBlockIndex(i int) int

	// CurrentBlock returns the oldest not-yet-discarded block, or false if
	// the queue is empty.
	CurrentBlock() (*Block, bool)

	// DiscardCurrentBlock retires the oldest block once the Step Generator
	// has consumed its final segment.
	DiscardCurrentBlock()
}
