// Package planner adapts the g-code-facing standalone.Move queue onto the
// real-time motion core (gridstep/motion): each queued Move becomes one
// motion.Block pushed onto a motion.BlockRing, and the Preparer/Step
// Generator pipeline takes it from there. This package no longer drives
// per-axis timers itself — that job belonged to standalone/stepgen's
// single-axis constant-velocity model, superseded wholesale by the
// dual-Bresenham Step Generator.
package planner

import (
	"errors"
	"strconv"

	"gridstep/core"
	"gridstep/motion"
	"gridstep/standalone"
	"gridstep/standalone/kinematics"
)

// Planner handles motion planning and execution.
type Planner struct {
	config     *standalone.MachineConfig
	kinematics kinematics.Kinematics

	exec        *motion.Executor
	blocks      *motion.BlockRing
	hal         motion.HAL
	halOverride motion.HAL
	motionCfg   motion.Config
	stepsPerMM  [motion.NumAxes]float64

	driverBus motion.TMCBus
	driverCfg motion.DriverCurrentConfig

	accelSampler motion.AccelSampler

	currentPos standalone.Position
}

// SetDriverBus arms InitSteppers to push cfg to a TMC5240 over bus at
// Executor.Init time. Call before InitSteppers; a machine with plain
// step/dir drivers and no SPI link never calls this, and InitSteppers
// skips driver configuration entirely.
func (p *Planner) SetDriverBus(bus motion.TMCBus, cfg motion.DriverCurrentConfig) {
	p.driverBus = bus
	p.driverCfg = cfg
}

// invertMaskSetter and enablePinSetter are the optional HAL capabilities
// InitSteppers wires onto whichever backend it ends up with; motion.GPIOPort
// implements both, targets/pio's PIOPortBackend only the first (it has no
// dedicated enable pin of its own).
type invertMaskSetter interface {
	SetInvertMask(mask uint8)
}
type enablePinSetter interface {
	SetEnablePin(pin core.GPIOPin)
}

// SetHALBackend overrides the default GPIOPort HAL InitSteppers would
// otherwise build, e.g. with a PIO-backed backend from targets/pio for
// jitter-free simultaneous step+direction writes. Call before InitSteppers;
// InitSteppers still applies the configured invert mask and enable pin to it
// when it implements invertMaskSetter/enablePinSetter.
func (p *Planner) SetHALBackend(hal motion.HAL) {
	p.halOverride = hal
}

// NewPlanner creates a new motion planner.
func NewPlanner(config *standalone.MachineConfig, kin kinematics.Kinematics) *Planner {
	return &Planner{
		config:     config,
		kinematics: kin,
		blocks:     motion.NewBlockRing(motion.DefaultPlannerRingCapacity),
	}
}

// axisOrder maps the standalone config's named axes onto motion's fixed
// X/Y/Z axis indices. The extruder ("e") axis isn't part of this
// synchronized pipeline — it rides the manual single-axis queue in
// core/stepper.go instead, same as jogging.
var axisOrder = [motion.NumAxes]string{motion.AxisX: "x", motion.AxisY: "y", motion.AxisZ: "z"}

// InitSteppers wires a motion.GPIOPort from the configured axis pins and
// builds the motion.Executor around it.
func (p *Planner) InitSteppers(gpioDriver core.GPIODriver) error {
	var stepPins, dirPins [motion.NumAxes]core.GPIOPin
	var invertMask uint8

	for axis, name := range axisOrder {
		axisConfig, ok := p.config.Axes[name]
		if !ok {
			continue // Skip if axis not configured
		}

		stepPin, err := parsePin(axisConfig.StepPin)
		if err != nil {
			return err
		}
		dirPin, err := parsePin(axisConfig.DirPin)
		if err != nil {
			return err
		}

		stepPins[axis] = stepPin
		dirPins[axis] = dirPin
		p.stepsPerMM[axis] = axisConfig.StepsPerMM
		if axisConfig.InvertDir {
			invertMask |= dirBit(axis)
		}
	}

	if p.halOverride != nil {
		p.hal = p.halOverride
	} else {
		p.hal = motion.NewGPIOPort(gpioDriver, stepPins, dirPins)
	}

	if port, ok := p.hal.(invertMaskSetter); ok {
		port.SetInvertMask(invertMask)
	}

	if enableName := p.enablePinName(); enableName != "" {
		if port, ok := p.hal.(enablePinSetter); ok {
			enPin, err := parsePin(enableName)
			if err != nil {
				return err
			}
			port.SetEnablePin(enPin)
		}
	}

	p.motionCfg = motion.DefaultConfig()
	if p.config.StepTimerHz > 0 {
		p.motionCfg.ISRRateHz = p.config.StepTimerHz
	}
	p.exec = motion.NewExecutor(p.blocks, p.hal, p.motionCfg, core.TimerFromUS(2))
	if p.driverBus != nil {
		p.exec.SetDriverBus(p.driverBus, p.driverCfg)
	}
	p.exec.Init()
	return nil
}

// TickIntervalTicks returns the Step Generator's ISR period in core.Timer
// ticks, for the caller to schedule a recurring timer against Tick.
func (p *Planner) TickIntervalTicks() uint32 {
	return uint32(float64(core.TimerFreq) / p.motionCfg.ISRRateHz)
}

// enablePinName returns the first configured axis's enable pin, on the
// assumption (true of every machine this mode targets) that all axes share
// one stepper-driver enable line.
func (p *Planner) enablePinName() string {
	for _, name := range axisOrder {
		if axisConfig, ok := p.config.Axes[name]; ok && axisConfig.EnablePin != "" {
			return axisConfig.EnablePin
		}
	}
	return ""
}

func dirBit(axis int) uint8 { return 1 << uint(axis+3) }

func parsePin(name string) (core.GPIOPin, error) {
	n, err := strconv.ParseUint(name, 10, 8)
	if err != nil {
		return 0, errors.New("invalid pin number: " + name)
	}
	return core.GPIOPin(n), nil
}

// QueueMove adds a move to the queue, translating it into a motion.Block
// and starting the cycle if the machine was idle.
func (p *Planner) QueueMove(move *standalone.Move) error {
	if err := p.kinematics.CheckLimits(move.End); err != nil {
		return err
	}

	block, err := p.toBlock(move)
	if err != nil {
		return err
	}
	if !p.blocks.Push(block) {
		return errors.New("planner queue full")
	}

	switch p.exec.State.Get() {
	case motion.StateIdle:
		p.exec.WakeUp()
		p.exec.CycleStart()
	case motion.StateQueued:
		p.exec.CycleStart()
	}

	p.currentPos = move.End
	return nil
}

// toBlock converts a Cartesian move into the motion core's per-axis step
// representation. The move's velocity and acceleration are passed through
// without per-axis clamping; the trapezoidal slicing is the Preparer's job
// (motion/preparer.go classify/phaseB), not this package's.
func (p *Planner) toBlock(move *standalone.Move) (*motion.Block, error) {
	endPos, err := p.kinematics.CalcPosition(move.End)
	if err != nil {
		return nil, err
	}
	startPos, err := p.kinematics.CalcPosition(move.Start)
	if err != nil {
		return nil, err
	}

	var block motion.Block
	var maxSteps uint32
	for axis, spm := range p.stepsPerMM {
		if spm <= 0 || axis >= len(endPos) {
			continue
		}
		delta := (endPos[axis] - startPos[axis]) * spm
		steps := int32(delta)
		if steps < 0 {
			steps = -steps
			block.DirectionBits |= 1 << uint(axis)
		}
		block.Steps[axis] = steps
		if uint32(steps) > maxSteps {
			maxSteps = uint32(steps)
		}
	}

	block.StepEventCount = maxSteps
	block.Millimeters = move.Distance
	block.Acceleration = move.Accel
	block.NominalSpeedSqr = move.Velocity * move.Velocity
	block.EntrySpeedSqr = move.StartVel * move.StartVel
	block.ExitSpeedSqr = move.EndVel * move.EndVel
	return &block, nil
}

// GetCurrentPosition returns the commanded position (the end of the most
// recently queued move, not a live feedback reading — matching what this
// planner has always reported).
func (p *Planner) GetCurrentPosition() standalone.Position {
	return p.currentPos
}

// SetPosition sets the current position (for homing, etc.) without
// queuing a move.
func (p *Planner) SetPosition(pos standalone.Position) {
	p.currentPos = pos
}

// ClearQueue clears the move queue and returns the motion core to Idle,
// discarding anything in flight. It drains blocks in place rather than
// swapping in a new ring, since the Executor was wired around this exact
// *motion.BlockRing as its PlannerInterface.
func (p *Planner) ClearQueue() {
	p.drainBlocks()
	if p.exec != nil {
		p.exec.Reset()
	}
}

func (p *Planner) drainBlocks() {
	for p.blocks.Len() > 0 {
		p.blocks.DiscardCurrentBlock()
	}
}

// IsIdle returns true if the motion core has no moves queued or executing.
func (p *Planner) IsIdle() bool {
	return p.exec == nil || p.exec.State.Is(motion.StateIdle)
}

// WaitIdle blocks until all moves are complete.
func (p *Planner) WaitIdle() error {
	// In embedded context, we can't block
	// Caller should check IsIdle() periodically
	return errors.New("WaitIdle not supported in embedded mode")
}

// Alarm drains the queue and latches the motion core into a fault state;
// see motion.Executor.Alarm. Unlike ClearQueue, it does not call
// Executor.Reset — Reset returns the state to Idle, which would undo the
// latch on the same call that set it. Only a later ClearQueue (e.g. from a
// host-initiated reset) clears the alarm.
func (p *Planner) Alarm() {
	p.drainBlocks()
	if p.exec != nil {
		p.exec.Alarm()
	}
}

// RunPreparer should be called from the cooperative main loop; see
// motion.Executor.RunPreparer.
func (p *Planner) RunPreparer() {
	if p.exec != nil {
		p.exec.RunPreparer()
	}
}

// Tick should be called from the ISR_RATE timer handler; see
// motion.Executor.Tick.
func (p *Planner) Tick() {
	if p.exec != nil {
		p.exec.Tick()
	}
}

// resonanceTestSteps and resonanceTestRate size the synthetic back-and-forth
// move RunResonanceDiagnostics drives; they're deliberately small and
// conservative since the whole point of the test is to run it before an
// operator has picked a real acceleration/velocity ceiling for the axis.
const (
	resonanceTestSteps = 200
	resonanceTestRate  = 2000 // steps/sec
)

// SetAccelSampler arms RunResonanceDiagnostics with a live accelerometer. A
// machine with none wired never calls this, and RunResonanceDiagnostics
// rejects the request with an error instead of driving a pointless move.
func (p *Planner) SetAccelSampler(sampler motion.AccelSampler) {
	p.accelSampler = sampler
}

// RunResonanceDiagnostics drives a short back-and-forth move on axis and
// reports the peak measured acceleration on every axis, for an operator to
// pick a sane MachineConfig.Axes acceleration ceiling before committing it;
// see motion.RunResonanceDiagnostics.
func (p *Planner) RunResonanceDiagnostics(axis int, samples int) (motion.ResonanceReport, error) {
	if p.accelSampler == nil {
		return motion.ResonanceReport{}, errors.New("no accelerometer configured")
	}
	if p.exec == nil {
		return motion.ResonanceReport{}, errors.New("steppers not initialized")
	}
	report := motion.RunResonanceDiagnostics(p.exec, axis, resonanceTestSteps, resonanceTestRate, samples, p.accelSampler)
	return report, nil
}
