//go:build rp2040

package main

import (
	"strconv"

	"gridstep/motion"
	"gridstep/standalone"
	"gridstep/targets/pio"
)

// newPIOHALBackend builds the PIO-backed motion.HAL (targets/pio) when cfg
// asks for one; returns nil, nil otherwise so the caller falls back to the
// default GPIOPort HAL. Only built on RP2040 — stepgen_pio.go's PIO program
// is RP2040-specific.
func newPIOHALBackend(cfg *standalone.MachineConfig) (motion.HAL, error) {
	if !cfg.UseHALPIOBackend {
		return nil, nil
	}

	basePin, err := strconv.ParseUint(cfg.HALPIOBasePin, 10, 8)
	if err != nil {
		return nil, err
	}

	backend := pio.NewPIOPortBackend(0, 0, uint8(basePin))
	if err := backend.Init(); err != nil {
		return nil, err
	}
	return backend, nil
}
