// Package mem provides an in-process bus backed by plain byte arrays. Useful
// for tests and as a stand-in for the SPI hardware.
package mem

import (
	"fmt"

	"a314d/pkg/bus"
	"a314d/pkg/protocol"
)

var _ bus.Transport = (*Bus)(nil)

// Bus implements bus.Transport against an in-memory SRAM image and CMEM
// nibble file. The zero value is ready to use; New returns a fresh one.
type Bus struct {
	SRAM [1 << 20]byte
	CMEM [16]uint8

	// ReadsCMEM counts ReadCMEM calls per address, letting tests observe
	// event acknowledgement.
	ReadsCMEM [16]int

	// Fail, when set, makes every operation return an error.
	Fail error
}

func New() *Bus { return &Bus{} }

func (m *Bus) ReadSRAM(addr uint32, n int) ([]byte, error) {
	if m.Fail != nil {
		return nil, m.Fail
	}
	if int(addr)+n > len(m.SRAM) {
		return nil, fmt.Errorf("sram read out of range: %#x+%d", addr, n)
	}
	out := make([]byte, n)
	copy(out, m.SRAM[addr:])
	return out, nil
}

func (m *Bus) WriteSRAM(addr uint32, b []byte) error {
	if m.Fail != nil {
		return m.Fail
	}
	if int(addr)+len(b) > len(m.SRAM) {
		return fmt.Errorf("sram write out of range: %#x+%d", addr, len(b))
	}
	copy(m.SRAM[addr:], b)
	return nil
}

func (m *Bus) ReadCMEM(addr uint8) (uint8, error) {
	if m.Fail != nil {
		return 0, m.Fail
	}
	a := addr & 0xf
	m.ReadsCMEM[a]++
	v := m.CMEM[a] & 0xf
	if a == protocol.REventsAddress {
		// The events register clears when read, acknowledging the IRQ.
		m.CMEM[a] = 0
	}
	return v, nil
}

func (m *Bus) WriteCMEM(addr, nibble uint8) error {
	if m.Fail != nil {
		return m.Fail
	}
	m.CMEM[addr&0xf] = nibble & 0xf
	return nil
}

func (m *Bus) Close() error { return nil }

// SetBaseAddress publishes a 20-bit base address in CMEM the way the peer
// firmware does: five nibbles, low bit used as the valid flag.
func (m *Bus) SetBaseAddress(base uint32) {
	v := base | 1
	for i := 0; i < 5; i++ {
		m.CMEM[i] = uint8(v>>(i*4)) & 0xf
	}
}
