// Package comm manages the shared communication area in the peer's SRAM: the
// published base address, the four queue pointer bytes, and the two 256-byte
// rings.
package comm

import (
	"go.uber.org/zap"

	"a314d/pkg/bus"
	"a314d/pkg/protocol"
)

// Area tracks the daemon's view of the communication area. The status quad
// equals the last value read from SRAM plus locally applied advances that
// have not yet been posted back.
type Area struct {
	bus bus.Transport

	haveBase bool
	base     uint32

	status  [4]uint8
	updated uint8
}

func New(t bus.Transport) *Area { return &Area{bus: t} }

// HaveBase reports whether a valid base address is cached.
func (a *Area) HaveBase() bool { return a.haveBase }

// Base returns the cached base address.
func (a *Area) Base() uint32 { return a.base }

// Status returns the current status quad.
func (a *Area) Status() [4]uint8 { return a.status }

// AckIRQ reads the remote events register, which acknowledges the interrupt,
// and returns the pending event bits.
func (a *Area) AckIRQ() (uint8, error) {
	return a.bus.ReadCMEM(protocol.REventsAddress)
}

// ReadBaseAddress rediscovers the base address from CMEM. The peer publishes
// a 20-bit value in five nibbles with the low bit as a valid flag; two
// consecutive reads must agree before the address is accepted. On any
// mismatch the cached address is invalidated and discovery is retried on the
// next IRQ.
func (a *Area) ReadBaseAddress() error {
	a.haveBase = false

	ba1, err := a.readBaseOnce()
	if err != nil {
		return err
	}
	if ba1&1 != 1 {
		return nil
	}
	ba2, err := a.readBaseOnce()
	if err != nil {
		return err
	}
	if ba1 != ba2 {
		return nil
	}

	a.haveBase = true
	a.base = ba1 &^ 1
	zap.L().Info("base address discovered", zap.Uint32("base", a.base))
	return nil
}

func (a *Area) readBaseOnce() (uint32, error) {
	var v uint32
	for i := 0; i < 5; i++ {
		nib, err := a.bus.ReadCMEM(uint8(i))
		if err != nil {
			return 0, err
		}
		v |= uint32(nib) << (i * 4)
	}
	return v, nil
}

// ReadStatus refreshes the status quad from SRAM and clears the pending
// update mask.
func (a *Area) ReadStatus() error {
	b, err := a.bus.ReadSRAM(a.base, 4)
	if err != nil {
		return err
	}
	copy(a.status[:], b)
	a.updated = 0
	return nil
}

// WriteStatus posts the daemon-owned pointer bytes (R2A tail, A2R head) back
// to SRAM and raises the accumulated event bits toward the peer. A no-op
// when nothing changed since the last ReadStatus or WriteStatus.
func (a *Area) WriteStatus() error {
	if a.updated == 0 {
		return nil
	}
	if err := a.bus.WriteSRAM(a.base+protocol.R2ATailOffset, a.status[protocol.R2ATailOffset:protocol.A2RHeadOffset+1]); err != nil {
		return err
	}
	if err := a.bus.WriteCMEM(protocol.AEventsAddress, a.updated); err != nil {
		return err
	}
	a.updated = 0
	return nil
}

// Dirty reports whether pointer advances are waiting to be posted.
func (a *Area) Dirty() bool { return a.updated != 0 }
