package protocol

import "fmt"

// Ring packet layout: length u8, type u8, channel id u8, then length payload
// bytes. Any number of packets may be concatenated in a drained ring buffer.
const PktHeaderSize = 3

// MaxPayload is the largest payload a single ring packet can carry.
const MaxPayload = 255

// WalkPackets iterates the packets concatenated in buf, invoking fn for each.
// The payload slice aliases buf and is only valid during the call. A record
// that extends past the end of buf is a framing violation from the peer.
func WalkPackets(buf []byte, fn func(typ, channelID uint8, payload []byte) error) error {
	for len(buf) > 0 {
		if len(buf) < PktHeaderSize {
			return fmt.Errorf("truncated packet header: %d bytes left", len(buf))
		}
		plen := int(buf[0])
		typ := buf[1]
		channelID := buf[2]
		if len(buf) < PktHeaderSize+plen {
			return fmt.Errorf("truncated packet payload: want %d, have %d", plen, len(buf)-PktHeaderSize)
		}
		if err := fn(typ, channelID, buf[PktHeaderSize:PktHeaderSize+plen]); err != nil {
			return err
		}
		buf = buf[PktHeaderSize+plen:]
	}
	return nil
}

// AppendPacket appends one serialized packet to dst.
func AppendPacket(dst []byte, typ, channelID uint8, payload []byte) []byte {
	dst = append(dst, uint8(len(payload)), typ, channelID)
	return append(dst, payload...)
}
