package comm

import (
	"a314d/pkg/protocol"
)

// Ring offsets relative to the base address.
const (
	a2rRingOffset = 4
	r2aRingOffset = 4 + protocol.RingSize
)

// ReadA2R drains the peer-to-daemon ring. It returns the buffered bytes in
// arrival order, handling the wrap at the end of the ring, and advances the
// local A2R head to the tail. Returns false when the ring is empty.
func (a *Area) ReadA2R() ([]byte, bool, error) {
	head := int(a.status[protocol.A2RHeadOffset])
	tail := int(a.status[protocol.A2RTailOffset])
	n := (tail - head) & 0xff
	if n == 0 {
		return nil, false, nil
	}

	buf := make([]byte, 0, n)
	if head < tail {
		b, err := a.bus.ReadSRAM(a.base+a2rRingOffset+uint32(head), tail-head)
		if err != nil {
			return nil, false, err
		}
		buf = append(buf, b...)
	} else {
		b, err := a.bus.ReadSRAM(a.base+a2rRingOffset+uint32(head), protocol.RingSize-head)
		if err != nil {
			return nil, false, err
		}
		buf = append(buf, b...)
		if tail != 0 {
			b, err = a.bus.ReadSRAM(a.base+a2rRingOffset, tail)
			if err != nil {
				return nil, false, err
			}
			buf = append(buf, b...)
		}
	}

	a.status[protocol.A2RHeadOffset] = a.status[protocol.A2RTailOffset]
	a.updated |= protocol.AEventA2RHead
	return buf, true, nil
}

// R2ASpace returns how many bytes the daemon-to-peer ring can accept. One
// byte of the ring is reserved so that a full ring is distinguishable from
// an empty one.
func (a *Area) R2ASpace() int {
	tail := int(a.status[protocol.R2ATailOffset])
	head := int(a.status[protocol.R2AHeadOffset])
	return protocol.RingCapacity - ((tail - head) & 0xff)
}

// WriteR2A appends b to the daemon-to-peer ring, splitting the write at the
// wrap, and advances the local R2A tail. The caller must size b to fit
// within R2ASpace.
func (a *Area) WriteR2A(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	tail := int(a.status[protocol.R2ATailOffset])

	atEnd := protocol.RingSize - tail
	if atEnd < len(b) {
		if err := a.bus.WriteSRAM(a.base+r2aRingOffset+uint32(tail), b[:atEnd]); err != nil {
			return err
		}
		b = b[atEnd:]
		tail = 0
	}
	if err := a.bus.WriteSRAM(a.base+r2aRingOffset+uint32(tail), b); err != nil {
		return err
	}
	tail = (tail + len(b)) & 0xff

	a.status[protocol.R2ATailOffset] = uint8(tail)
	a.updated |= protocol.AEventR2ATail
	return nil
}
