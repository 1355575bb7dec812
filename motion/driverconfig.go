package motion

import "gridstep/core"

// TMCBus is the minimal register-write capability ConfigureDriver needs
// from a stepper-driver IC link (SPI for the TMC5240). Kept separate from
// core.GPIODriver so GPIOPort doesn't have to carry an SPI dependency when
// no TMC5240 is wired.
type TMCBus interface {
	WriteRegister(addr uint8, value uint32) error
}

// DriverCurrentConfig holds the IHOLD_IRUN/microstep settings
// ConfigureDriver pushes to a TMC5240 at Executor.Init time. Zero value
// falls back to the datasheet example defaults in core/tmc5240_regs.go.
type DriverCurrentConfig struct {
	HoldCurrent uint8 // 0-31
	RunCurrent  uint8 // 0-31
	HoldDelay   uint8 // 0-15
}

// ConfigureDriver pushes DriverCurrentConfig to the TMC5240 reachable over
// bus. A GPIOPort method wrapper around the free function ConfigureDriver,
// which is what Executor.Init itself calls.
func (p *GPIOPort) ConfigureDriver(bus TMCBus, cfg DriverCurrentConfig) error {
	return ConfigureDriver(bus, cfg)
}

// ConfigureDriver pushes current-scaling and chopper configuration to a
// TMC5240 over bus, using the register map core/tmc5240_regs.go already
// carries (previously an unreferenced constant table). Grounded on
// core/driver_commands.go's configure-on-first-use pattern, adapted from
// the generic DriverConfig callback shape to a direct call since the motion
// core owns its own driver lifecycle rather than going through the Klipper
// command dispatch.
func ConfigureDriver(bus TMCBus, cfg DriverCurrentConfig) error {
	if cfg.HoldCurrent == 0 && cfg.RunCurrent == 0 && cfg.HoldDelay == 0 {
		cfg = DriverCurrentConfig{
			HoldCurrent: core.TMC5240_IHOLD_DEFAULT,
			RunCurrent:  core.TMC5240_IRUN_DEFAULT,
			HoldDelay:   core.TMC5240_IHOLDDELAY_DEFAULT,
		}
	}

	ihrun := uint32(cfg.HoldCurrent) | uint32(cfg.RunCurrent)<<8 | uint32(cfg.HoldDelay)<<16
	if err := bus.WriteRegister(core.TMC5240_IHOLD_IRUN, ihrun); err != nil {
		return err
	}
	if err := bus.WriteRegister(core.TMC5240_CHOPCONF, core.TMC5240_CHOPCONF_DEFAULT); err != nil {
		return err
	}
	return bus.WriteRegister(core.TMC5240_PWMCONF, core.TMC5240_PWMCONF_DEFAULT)
}
