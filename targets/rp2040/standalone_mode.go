//go:build rp2040 || rp2350

package main

import (
	"gridstep/core"
	"gridstep/motion"
	"gridstep/standalone"
	"gridstep/standalone/config"
	"machine"
	"time"
)

// RunStandaloneMode runs the MCU in standalone mode (no Klipper host required)
func RunStandaloneMode() {
	// Get default configuration
	cfg := config.DefaultCartesianConfig()

	// Create manager
	manager, err := standalone.NewManagerWithConfig(cfg)
	if err != nil {
		// Flash LED rapidly to indicate error
		led := machine.LED
		led.Configure(machine.PinConfig{Mode: machine.PinOutput})
		for {
			led.High()
			time.Sleep(100 * time.Millisecond)
			led.Low()
			time.Sleep(100 * time.Millisecond)
		}
	}

	// Get GPIO driver (already initialized in main)
	gpioDriver := core.GetGPIODriver()
	if gpioDriver == nil {
		// Error - GPIO not initialized
		return
	}

	// Wire a TMC5240 SPI driver bus if this machine config names one;
	// plain step/dir drivers (the default config) leave DriverSPIBus nil
	// and skip this entirely.
	var driverBus motion.TMCBus
	var driverCfg motion.DriverCurrentConfig
	if cfg.DriverSPIBus != nil {
		bus, busErr := newTMC5240SPIBus(core.SPIBusID(*cfg.DriverSPIBus))
		if busErr == nil {
			driverBus = bus
			driverCfg = motion.DriverCurrentConfig{
				HoldCurrent: cfg.DriverHoldCurrent,
				RunCurrent:  cfg.DriverRunCurrent,
				HoldDelay:   cfg.DriverHoldDelay,
			}
		}
	}

	// Wire a PIO-backed HAL if this machine config asks for one; the
	// default (cfg.UseHALPIOBackend == false) leaves halBackend nil and
	// Initialize falls back to the GPIOPort HAL.
	halBackend, err := newPIOHALBackend(cfg)
	if err != nil {
		halBackend = nil
	}

	// Initialize manager
	err = manager.Initialize(gpioDriver, driverBus, driverCfg, halBackend)
	if err != nil {
		// Flash LED rapidly to indicate error
		led := machine.LED
		led.Configure(machine.PinConfig{Mode: machine.PinOutput})
		for {
			led.High()
			time.Sleep(100 * time.Millisecond)
			led.Low()
			time.Sleep(100 * time.Millisecond)
		}
	}

	// Start standalone mode
	err = manager.Start()
	if err != nil {
		return
	}

	// Flash LED 3 times to indicate standalone mode started
	led := machine.LED
	led.Configure(machine.PinConfig{Mode: machine.PinOutput})
	for i := 0; i < 3; i++ {
		led.High()
		time.Sleep(200 * time.Millisecond)
		led.Low()
		time.Sleep(200 * time.Millisecond)
	}

	// Main loop for standalone mode
	for {
		// Process USB input
		available := USBAvailable()
		if available > 0 {
			data, err := USBRead()
			if err == nil {
				// Process byte
				err = manager.ProcessByte(data)
				if err != nil {
					// Send error response
					manager.SendResponse("Error: ")
					manager.SendResponse(err.Error())
					manager.SendResponse("\n")
				}
			}
		}

		// Send any pending output
		output := manager.GetOutput()
		if len(output) > 0 {
			USBWriteBytes(output)
		}

		// Advance the non-real-time Segment Preparer; the Step Generator
		// itself runs off the ISR-rate core.Timer armed in manager.Start.
		manager.RunPreparer()

		// Update system time
		UpdateSystemTime()

		// Process scheduled timers
		core.ProcessTimers()

		// Yield
		time.Sleep(10 * time.Microsecond)
	}
}
