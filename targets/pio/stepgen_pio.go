//go:build rp2040

package pio

// PIO port-word backend for motion.HAL using tinygo-org/pio.
//
// PIOStepperBackend (stepper_pio.go) hands a whole pulse-count-and-delay
// program to the PIO so it free-runs a single axis without CPU involvement.
// That doesn't fit motion.StepGenerator's model: the dual-Bresenham kernel
// already decides, in software, exactly which ISR_RATE tick a step fires
// on and which axes it touches. What PIO buys here instead is a
// jitter-free, simultaneous write of the combined step+direction word —
// one FIFO push per SetStepPort call, all six pins changing on the same
// PIO clock edge instead of six sequential GPIO writes.

import (
	"gridstep/core"
	"machine"

	rp2pio "github.com/tinygo-org/pio/rp2-pio"
)

// buildPortWordProgram builds a two-instruction program: pull a 32-bit
// word, shift the low 8 bits out to the port pins, and (via SetWrap)
// fall back to the pull with no explicit jump needed.
func buildPortWordProgram() []uint16 {
	asm := rp2pio.AssemblerV0{SidesetBits: 0}
	return []uint16{
		// .wrap_target
		asm.Pull(false, true).Encode(),          // 0: pull block
		asm.Out(rp2pio.OutDestPins, 8).Encode(), // 1: out pins, 8
		// .wrap
	}
}

const portWordPIOOrigin = 0

// PIOPortBackend implements motion.HAL, driving 6 consecutive GPIO pins
// (step0,step1,step2,dir0,dir1,dir2 — the same bit order as
// motion.stepBit/motion.dirBit) through one PIO state machine.
type PIOPortBackend struct {
	pio     *rp2pio.PIO
	sm      rp2pio.StateMachine
	basePin machine.Pin
	offset  uint8

	invertMask uint8
	pulseTimer core.Timer
	onFall     func()
}

// NewPIOPortBackend creates a PIO-backed motion.HAL. basePin is the first
// of 6 consecutive pins; pioNum selects PIO0/PIO1 as in NewPIOStepperBackend.
func NewPIOPortBackend(pioNum, smNum uint8, basePin uint8) *PIOPortBackend {
	var pioHW *rp2pio.PIO
	if pioNum == 0 {
		pioHW = rp2pio.PIO0
	} else {
		pioHW = rp2pio.PIO1
	}
	b := &PIOPortBackend{
		pio:     pioHW,
		sm:      pioHW.StateMachine(smNum),
		basePin: machine.Pin(basePin),
	}
	b.pulseTimer.Handler = b.pulseTimerFired
	return b
}

// Init loads the port-word program, claims a state machine, and configures
// the 6 port pins as PIO-driven outputs.
func (b *PIOPortBackend) Init() error {
	b.sm.TryClaim()

	program := buildPortWordProgram()
	offset, err := b.pio.AddProgram(program, portWordPIOOrigin)
	if err != nil {
		return err
	}
	b.offset = offset

	for i := uint8(0); i < 6; i++ {
		pin := machine.Pin(uint8(b.basePin) + i)
		pin.Configure(machine.PinConfig{Mode: b.pio.PinMode()})
	}

	cfg := rp2pio.DefaultStateMachineConfig()
	cfg.SetOutPins(b.basePin, 6)
	cfg.SetOutShift(true, false, 32)
	cfg.SetWrap(offset+uint8(len(program))-1, offset)
	cfg.SetClkDivIntFrac(1, 0)

	b.sm.Init(offset, cfg)
	b.sm.SetPindirsConsecutive(b.basePin, 6, true)
	b.sm.SetPinsConsecutive(b.basePin, 6, false)
	b.sm.SetEnabled(true)
	return nil
}

// SetStepPort implements motion.HAL.
func (b *PIOPortBackend) SetStepPort(bits uint8) {
	bits ^= b.invertMask
	for b.sm.IsTxFIFOFull() {
		// Step rate tops out at ISR_RATE, always well under FIFO drain rate;
		// a full FIFO here means the PIO program stalled.
	}
	b.sm.TxPut(uint32(bits))
}

// SetInvertMask sets which step/direction bits should read active-low,
// mirroring motion.GPIOPort.SetInvertMask.
func (b *PIOPortBackend) SetInvertMask(mask uint8) { b.invertMask = mask }

// EnableSteppers implements motion.HAL. This backend has no dedicated
// enable pin of its own; wire one through machine's plain GPIO alongside
// it if the driver needs one.
func (b *PIOPortBackend) EnableSteppers(enable bool) {}

// ArmPulseTimer implements motion.HAL via the same core.Timer idiom
// motion.GPIOPort uses — the PIO program here writes levels directly, it
// doesn't generate the pulse width itself. A widthTicks of 0 is ignored: a
// pulse timer already scheduled is not cancelled and still fires.
func (b *PIOPortBackend) ArmPulseTimer(widthTicks uint32) {
	if widthTicks == 0 {
		return
	}
	b.pulseTimer.WakeTime = core.GetTime() + widthTicks
	core.ScheduleTimer(&b.pulseTimer)
}

// SetFallingEdgeHandler registers the Step Generator's pulse-falling-edge
// callback, same contract as motion.GPIOPort.SetFallingEdgeHandler.
func (b *PIOPortBackend) SetFallingEdgeHandler(fn func()) { b.onFall = fn }

func (b *PIOPortBackend) pulseTimerFired(t *core.Timer) uint8 {
	if b.onFall != nil {
		b.onFall()
	}
	return core.SF_DONE
}
