//go:build rp2040 || rp2350

package main

import "gridstep/core"

// tmc5240SPIBus implements motion.TMCBus (WriteRegister) over a hardware
// SPI bus, following the TMC5240 datasheet's 5-byte write datagram: the
// register address with the write bit (0x80) set, then the 32-bit value
// MSB-first. Satisfies motion.TMCBus structurally — motion never imports
// this package, planner.SetDriverBus just takes the interface.
type tmc5240SPIBus struct {
	handle interface{}
}

// newTMC5240SPIBus configures busID at the TMC5240's SPI mode (3) and a
// conservative 4MHz clock.
func newTMC5240SPIBus(busID core.SPIBusID) (*tmc5240SPIBus, error) {
	handle, err := core.MustSPI().ConfigureBus(core.SPIConfig{
		BusID: busID,
		Mode:  3,
		Rate:  4_000_000,
	})
	if err != nil {
		return nil, err
	}
	return &tmc5240SPIBus{handle: handle}, nil
}

func (b *tmc5240SPIBus) WriteRegister(addr uint8, value uint32) error {
	tx := [5]byte{
		addr | 0x80,
		byte(value >> 24),
		byte(value >> 16),
		byte(value >> 8),
		byte(value),
	}
	var rx [5]byte
	return core.MustSPI().Transfer(b.handle, tx[:], rx[:])
}
