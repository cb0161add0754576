package protocol

import (
	"encoding/binary"
	"errors"
)

// Fixed message header layout (9 bytes, packed) between daemon and client.
// All integer fields are little-endian.
//
//  0 ..3   Length   u32  payload byte count
//  4 ..7   StreamID u32  0 for register/deregister/memory messages
//  8       Type     u8
const MsgHeaderSize = 9

// MsgHeader describes one framed client message.
type MsgHeader struct {
	Length   uint32
	StreamID uint32
	Type     uint8
}

// MarshalBinary encodes the header to a 9-byte buffer.
func (h *MsgHeader) MarshalBinary() ([]byte, error) {
	buf := make([]byte, MsgHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Length)
	binary.LittleEndian.PutUint32(buf[4:8], h.StreamID)
	buf[8] = h.Type
	return buf, nil
}

// UnmarshalBinary decodes the header from a 9-byte buffer.
func (h *MsgHeader) UnmarshalBinary(buf []byte) error {
	if len(buf) < MsgHeaderSize {
		return errors.New("short message header")
	}
	h.Length = binary.LittleEndian.Uint32(buf[0:4])
	h.StreamID = binary.LittleEndian.Uint32(buf[4:8])
	h.Type = buf[8]
	return nil
}

// AppendMessage appends one framed message (header + payload) to dst.
func AppendMessage(dst []byte, typ uint8, streamID uint32, payload []byte) []byte {
	var hdr [MsgHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[4:8], streamID)
	hdr[8] = typ
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}
