package daemon

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"a314d/pkg/bus"
	"a314d/pkg/protocol"
)

// messageBuffer is a partially written framed message.
type messageBuffer struct {
	pos  int
	data []byte
}

// ClientConnection is one local client speaking the framed message protocol.
// The receive side is a two-phase state machine: 9 header bytes, then the
// payload when the header announces one.
type ClientConnection struct {
	fd int

	// Stream ids handed out by the daemon are odd: 1, 3, 5, ...
	nextStreamID uint32

	bytesRead int
	hdrBuf    [protocol.MsgHeaderSize]byte
	header    protocol.MsgHeader
	payload   []byte

	messageQueue []*messageBuffer

	associations []*LogicalChannel
}

// addClient wraps an accepted or launched socket as a client connection and
// registers it for edge-triggered readiness.
func (d *Daemon) addClient(fd int) (*ClientConnection, error) {
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("set client socket nonblocking: %w", err)
	}
	// Best effort: meaningless on AF_UNIX socketpairs.
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	cc := &ClientConnection{fd: fd, nextStreamID: 1}
	d.connections[fd] = cc

	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLET | unix.EPOLLERR, Fd: int32(fd)}
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		delete(d.connections, fd)
		return nil, fmt.Errorf("register client socket: %w", err)
	}

	zap.L().Info("client connected", zap.Int("fd", fd))
	return cc, nil
}

// sendMessage frames a message for cc and writes as much as the socket
// accepts; the remainder queues for the EPOLLOUT drain. A connection reset
// leaves cleanup to the readiness path.
func (d *Daemon) sendMessage(cc *ClientConnection, typ uint8, streamID uint32, payload []byte) {
	mb := &messageBuffer{data: protocol.AppendMessage(nil, typ, streamID, payload)}

	if len(cc.messageQueue) > 0 {
		cc.messageQueue = append(cc.messageQueue, mb)
		return
	}

	for {
		n, err := unix.Write(cc.fd, mb.data[mb.pos:])
		if err != nil {
			if err == unix.EAGAIN {
				cc.messageQueue = append(cc.messageQueue, mb)
				return
			}
			if err == unix.ECONNRESET || err == unix.EPIPE {
				return
			}
			d.fatalf("write to client failed unexpectedly: %v", err)
			return
		}
		mb.pos += n
		if mb.pos == len(mb.data) {
			return
		}
	}
}

// drainMessageQueue writes queued messages until the socket blocks again.
func (d *Daemon) drainMessageQueue(cc *ClientConnection) {
	for len(cc.messageQueue) > 0 {
		mb := cc.messageQueue[0]
		n, err := unix.Write(cc.fd, mb.data[mb.pos:])
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			if err == unix.ECONNRESET || err == unix.EPIPE {
				d.closeAndRemoveConnection(cc)
				return
			}
			d.fatalf("write to client failed unexpectedly: %v", err)
			return
		}
		mb.pos += n
		if mb.pos == len(mb.data) {
			cc.messageQueue = cc.messageQueue[1:]
		}
	}
}

// pumpClientReads reads until the socket would block, dispatching every
// complete message. Returns false when the connection was closed.
func (d *Daemon) pumpClientReads(cc *ClientConnection) bool {
	for {
		var dst []byte
		if cc.payload == nil {
			dst = cc.hdrBuf[cc.bytesRead:]
		} else {
			dst = cc.payload[cc.bytesRead:]
		}

		n, err := unix.Read(cc.fd, dst)
		if err != nil {
			if err == unix.EAGAIN {
				return true
			}
			d.fatalf("read from client failed unexpectedly: %v", err)
			return false
		}
		if n == 0 {
			zap.L().Info("received end-of-file on client connection", zap.Int("fd", cc.fd))
			d.closeAndRemoveConnection(cc)
			return false
		}

		cc.bytesRead += n
		if n < len(dst) {
			continue
		}

		if cc.payload == nil {
			if err := cc.header.UnmarshalBinary(cc.hdrBuf[:]); err != nil {
				d.fatalf("decode client message header: %v", err)
				return false
			}
			if cc.header.Length == 0 {
				d.handleReceivedMessage(cc)
			} else {
				cc.payload = make([]byte, cc.header.Length)
				cc.bytesRead = 0
				continue
			}
		} else {
			d.handleReceivedMessage(cc)
			cc.payload = nil
		}
		cc.bytesRead = 0
	}
}

// handleReceivedMessage dispatches one complete client message.
func (d *Daemon) handleReceivedMessage(cc *ClientConnection) {
	zap.L().Debug("client message",
		zap.Int("fd", cc.fd),
		zap.Uint8("type", cc.header.Type),
		zap.Uint32("stream", cc.header.StreamID),
		zap.Uint32("length", cc.header.Length))

	switch cc.header.Type {
	case protocol.MsgRegisterReq:
		d.handleMsgRegisterReq(cc)
	case protocol.MsgDeregisterReq:
		d.handleMsgDeregisterReq(cc)
	case protocol.MsgReadMemReq:
		d.handleMsgReadMemReq(cc)
	case protocol.MsgWriteMemReq:
		d.handleMsgWriteMemReq(cc)
	case protocol.MsgConnect:
		// Client-initiated connects to the remote side are not handled.
	case protocol.MsgConnectResponse:
		d.handleMsgConnectResponse(cc)
	case protocol.MsgData:
		d.handleMsgData(cc)
	case protocol.MsgEOS:
		d.handleMsgEOS(cc)
	case protocol.MsgReset:
		d.handleMsgReset(cc)
	default:
		zap.L().Warn("received a message of unknown type from client",
			zap.Int("fd", cc.fd), zap.Uint8("type", cc.header.Type))
	}
}

func (d *Daemon) handleMsgRegisterReq(cc *ClientConnection) {
	result := protocol.MsgFail

	name := string(cc.payload)
	if _, taken := d.services[name]; !taken {
		d.services[name] = cc
		result = protocol.MsgSuccess
		zap.L().Info("service registered", zap.String("service", name), zap.Int("fd", cc.fd))
	}

	d.sendMessage(cc, protocol.MsgRegisterRes, 0, []byte{result})
}

func (d *Daemon) handleMsgDeregisterReq(cc *ClientConnection) {
	result := protocol.MsgFail

	name := string(cc.payload)
	if owner, ok := d.services[name]; ok && owner == cc {
		delete(d.services, name)
		result = protocol.MsgSuccess
		zap.L().Info("service deregistered", zap.String("service", name), zap.Int("fd", cc.fd))
	}

	d.sendMessage(cc, protocol.MsgDeregisterRes, 0, []byte{result})
}

func (d *Daemon) handleMsgReadMemReq(cc *ClientConnection) {
	if len(cc.payload) < 8 {
		zap.L().Warn("malformed read mem request", zap.Int("fd", cc.fd))
		return
	}
	address := binary.LittleEndian.Uint32(cc.payload[0:4])
	length := binary.LittleEndian.Uint32(cc.payload[4:8])
	if int(length) > bus.MaxTransfer-bus.ReadSRAMHdrLen {
		zap.L().Warn("read mem request exceeds transfer limit", zap.Int("fd", cc.fd), zap.Uint32("length", length))
		return
	}

	data, err := d.bus.ReadSRAM(address, int(length))
	if err != nil {
		d.fatalf("bus read for client failed: %v", err)
		return
	}
	d.sendMessage(cc, protocol.MsgReadMemRes, 0, data)
}

func (d *Daemon) handleMsgWriteMemReq(cc *ClientConnection) {
	if len(cc.payload) < 4 {
		zap.L().Warn("malformed write mem request", zap.Int("fd", cc.fd))
		return
	}
	address := binary.LittleEndian.Uint32(cc.payload[0:4])

	if err := d.bus.WriteSRAM(address, cc.payload[4:]); err != nil {
		d.fatalf("bus write for client failed: %v", err)
		return
	}
	d.sendMessage(cc, protocol.MsgWriteMemRes, 0, nil)
}

// channelByStreamID resolves a stream id against the channels associated
// with cc. References to unknown streams are client protocol violations and
// resolve to nil.
func channelByStreamID(cc *ClientConnection, streamID uint32) *LogicalChannel {
	for _, ch := range cc.associations {
		if ch.streamID == streamID {
			return ch
		}
	}
	return nil
}

func (d *Daemon) handleMsgConnectResponse(cc *ClientConnection) {
	ch := channelByStreamID(cc, cc.header.StreamID)
	if ch == nil || len(cc.payload) < 1 {
		return
	}

	d.enqueuePacket(ch, protocol.PktConnectResponse, cc.payload)

	if cc.payload[0] != protocol.ConnectOK {
		d.removeAssociation(ch)
	}
}

func (d *Daemon) handleMsgData(cc *ClientConnection) {
	ch := channelByStreamID(cc, cc.header.StreamID)
	if ch == nil {
		return
	}
	if len(cc.payload) > protocol.MaxPayload {
		// A ring packet length is a single byte; bigger messages cannot be
		// framed and the client is expected to chunk.
		zap.L().Warn("data message exceeds packet payload limit",
			zap.Int("fd", cc.fd), zap.Int("length", len(cc.payload)))
		return
	}
	d.enqueuePacket(ch, protocol.PktData, cc.payload)
}

func (d *Daemon) handleMsgEOS(cc *ClientConnection) {
	ch := channelByStreamID(cc, cc.header.StreamID)
	if ch == nil || ch.gotEOSFromClient {
		return
	}

	ch.gotEOSFromClient = true
	d.enqueuePacket(ch, protocol.PktEOS, nil)

	if ch.gotEOSFromRemote {
		d.removeAssociation(ch)
	}
}

func (d *Daemon) handleMsgReset(cc *ClientConnection) {
	ch := channelByStreamID(cc, cc.header.StreamID)
	if ch == nil {
		return
	}

	d.removeAssociation(ch)
	d.clearPacketQueue(ch)
	d.enqueuePacket(ch, protocol.PktReset, nil)
}

// closeAndRemoveConnection tears the client down: every associated channel
// is forcibly reset toward the peer, services owned by the client are
// dropped, and the socket is closed.
func (d *Daemon) closeAndRemoveConnection(cc *ClientConnection) {
	_ = unix.Shutdown(cc.fd, unix.SHUT_WR)
	_ = unix.Close(cc.fd)

	for name, owner := range d.services {
		if owner == cc {
			delete(d.services, name)
		}
	}

	for len(cc.associations) > 0 {
		ch := cc.associations[0]

		d.clearPacketQueue(ch)
		d.enqueuePacket(ch, protocol.PktReset, nil)

		cc.associations = cc.associations[1:]
		ch.assoc = nil
		ch.streamID = 0
	}

	delete(d.connections, cc.fd)
	zap.L().Info("client removed", zap.Int("fd", cc.fd))
}
