package motion

import "gridstep/core"

// HAL is the hardware-abstraction capability set the Step Generator
// addresses its output pins and pulse timing through (§9's "small set of
// hardware operations" note). Distinct from core.GPIODriver: GPIODriver is
// per-pin and blocking-call shaped; HAL is port-word shaped and carries the
// pulse-timer arm/disarm the tick loop needs.
type HAL interface {
	// SetStepPort writes the combined step+direction bits (see stepBit/
	// dirBit) to the physical outputs in one call, so all three axes change
	// state on the same tick.
	SetStepPort(bits uint8)
	// EnableSteppers drives the shared stepper-driver enable line, if the
	// target wires one.
	EnableSteppers(enable bool)
	// ArmPulseTimer schedules the pulse-falling-edge callback widthTicks
	// ticks from now; widthTicks == 0 cancels any pending callback.
	ArmPulseTimer(widthTicks uint32)
}

const (
	stepBitsMask uint8 = 0b0000_0111
	dirBitsMask  uint8 = 0b0011_1000
	dirBitShift        = 3
)

func stepBit(axis int) uint8 { return 1 << uint(axis) }
func dirBit(axis int) uint8  { return 1 << uint(axis+dirBitShift) }

// GPIOPort is a HAL implementation backed by core.GPIODriver, grounded on
// core/gpio.go's DigitalOut command/timer idiom: one core.Timer drives the
// pulse width, and pin writes go through the same GPIODriver every other
// core package targets.
type GPIOPort struct {
	driver core.GPIODriver

	stepPins [NumAxes]core.GPIOPin
	dirPins  [NumAxes]core.GPIOPin
	enPin    core.GPIOPin
	hasEnPin bool

	pulseTimer core.Timer
	onFall     func()

	invertMask uint8
}

// NewGPIOPort configures the step/direction pins as outputs and returns a
// ready-to-use GPIOPort.
func NewGPIOPort(driver core.GPIODriver, stepPins, dirPins [NumAxes]core.GPIOPin) *GPIOPort {
	p := &GPIOPort{driver: driver, stepPins: stepPins, dirPins: dirPins}
	for a := 0; a < NumAxes; a++ {
		_ = driver.ConfigureOutput(stepPins[a])
		_ = driver.ConfigureOutput(dirPins[a])
	}
	p.pulseTimer.Handler = p.pulseTimerFired
	return p
}

// SetEnablePin registers the shared stepper-driver enable line.
func (p *GPIOPort) SetEnablePin(pin core.GPIOPin) {
	p.enPin = pin
	p.hasEnPin = true
	_ = p.driver.ConfigureOutput(pin)
}

// SetInvertMask sets which step/direction bits should read active-low.
func (p *GPIOPort) SetInvertMask(mask uint8) {
	p.invertMask = mask
}

// SetFallingEdgeHandler registers the Step Generator's pulse-falling-edge
// callback, invoked from the pulse timer's own handler.
func (p *GPIOPort) SetFallingEdgeHandler(fn func()) {
	p.onFall = fn
}

// SetStepPort implements HAL.
func (p *GPIOPort) SetStepPort(bits uint8) {
	bits ^= p.invertMask
	for a := 0; a < NumAxes; a++ {
		_ = p.driver.SetPin(p.stepPins[a], bits&stepBit(a) != 0)
		_ = p.driver.SetPin(p.dirPins[a], bits&dirBit(a) != 0)
	}
}

// EnableSteppers implements HAL.
func (p *GPIOPort) EnableSteppers(enable bool) {
	if p.hasEnPin {
		_ = p.driver.SetPin(p.enPin, enable)
	}
}

// ArmPulseTimer implements HAL. A widthTicks of 0 is ignored: a pulse timer
// already scheduled is not cancelled and still fires.
func (p *GPIOPort) ArmPulseTimer(widthTicks uint32) {
	if widthTicks == 0 {
		return
	}
	p.pulseTimer.WakeTime = core.GetTime() + widthTicks
	core.ScheduleTimer(&p.pulseTimer)
}

func (p *GPIOPort) pulseTimerFired(t *core.Timer) uint8 {
	if p.onFall != nil {
		p.onFall()
	}
	return core.SF_DONE
}
