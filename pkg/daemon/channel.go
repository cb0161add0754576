package daemon

import (
	"fmt"

	"go.uber.org/zap"

	"a314d/pkg/protocol"
)

// PacketBuffer is one queued packet waiting for room in the R2A ring.
type PacketBuffer struct {
	Type uint8
	Data []byte
}

// LogicalChannel is a bidirectional byte stream between the remote peer and
// one local client. The channel id is assigned by the peer on connect; the
// stream id is assigned by the daemon and is how the client names the
// channel.
type LogicalChannel struct {
	channelID uint8

	assoc    *ClientConnection
	streamID uint32

	gotEOSFromRemote bool
	gotEOSFromClient bool

	packetQueue []PacketBuffer
}

// enqueuePacket queues an outbound packet on ch. A channel enters the send
// queue when its first packet is queued and appears there at most once.
func (d *Daemon) enqueuePacket(ch *LogicalChannel, typ uint8, data []byte) {
	if len(ch.packetQueue) == 0 {
		d.sendQueue = append(d.sendQueue, ch)
	}
	ch.packetQueue = append(ch.packetQueue, PacketBuffer{Type: typ, Data: append([]byte(nil), data...)})
}

// clearPacketQueue drops all queued packets and takes ch out of the send
// queue.
func (d *Daemon) clearPacketQueue(ch *LogicalChannel) {
	if len(ch.packetQueue) == 0 {
		return
	}
	ch.packetQueue = nil
	for i, c := range d.sendQueue {
		if c == ch {
			d.sendQueue = append(d.sendQueue[:i], d.sendQueue[i+1:]...)
			break
		}
	}
}

// removeAssociation detaches ch from its client. Data arriving afterwards is
// dropped rather than sent to the absent client.
func (d *Daemon) removeAssociation(ch *LogicalChannel) {
	cc := ch.assoc
	for i, c := range cc.associations {
		if c == ch {
			cc.associations = append(cc.associations[:i], cc.associations[i+1:]...)
			break
		}
	}
	ch.assoc = nil
	ch.streamID = 0
}

// removeChannelIfDone erases the channel once it is unassociated and has
// nothing left to send.
func (d *Daemon) removeChannelIfDone(channelID uint8) {
	ch, ok := d.channels[channelID]
	if !ok {
		return
	}
	if ch.assoc == nil && len(ch.packetQueue) == 0 {
		delete(d.channels, channelID)
	}
}

// closeAllLogicalChannels tears down every channel, notifying associated
// clients with a reset. Used when the base address is (re)discovered, i.e.
// when the peer restarts.
func (d *Daemon) closeAllLogicalChannels() {
	d.sendQueue = nil
	for id, ch := range d.channels {
		if ch.assoc != nil {
			d.sendMessage(ch.assoc, protocol.MsgReset, ch.streamID, nil)
			d.removeAssociation(ch)
		}
		delete(d.channels, id)
	}
}

// handlePacket dispatches one packet drained from the A2R ring.
func (d *Daemon) handlePacket(typ, channelID uint8, payload []byte) error {
	switch typ {
	case protocol.PktConnect:
		if err := d.handlePktConnect(channelID, payload); err != nil {
			return err
		}
	case protocol.PktData:
		d.handlePktData(channelID, payload)
	case protocol.PktEOS:
		d.handlePktEOS(channelID)
	case protocol.PktReset:
		d.handlePktReset(channelID)
	}
	d.removeChannelIfDone(channelID)
	return nil
}

func (d *Daemon) handlePktConnect(channelID uint8, payload []byte) error {
	if _, ok := d.channels[channelID]; ok {
		// The peer believes this channel is free; our state disagrees, and
		// there is no protocol to reconcile the two sides.
		return fmt.Errorf("received a CONNECT packet on channel %d that was believed to be previously allocated", channelID)
	}

	ch := &LogicalChannel{channelID: channelID}
	d.channels[channelID] = ch

	serviceName := string(payload)

	if cc, ok := d.services[serviceName]; ok {
		d.associate(ch, cc, serviceName, payload)
		return nil
	}

	for _, svc := range d.onDemand {
		if svc.ServiceName != serviceName {
			continue
		}
		cc, err := d.launchOnDemand(svc)
		if err != nil {
			// The peer sees this as an unknown service; the table entry is
			// broken, not the daemon.
			zap.L().Error("failed to launch on-demand service", zap.String("service", serviceName), zap.Error(err))
			break
		}
		d.services[serviceName] = cc
		d.associate(ch, cc, serviceName, payload)
		return nil
	}

	zap.L().Info("connect to unknown service", zap.String("service", serviceName), zap.Uint8("channel", channelID))
	d.enqueuePacket(ch, protocol.PktConnectResponse, []byte{protocol.ConnectUnknownService})
	return nil
}

// associate binds ch to cc under a fresh odd stream id and forwards the
// connect to the client.
func (d *Daemon) associate(ch *LogicalChannel, cc *ClientConnection, serviceName string, payload []byte) {
	ch.assoc = cc
	ch.streamID = cc.nextStreamID
	cc.nextStreamID += 2
	cc.associations = append(cc.associations, ch)

	zap.L().Debug("channel associated",
		zap.Uint8("channel", ch.channelID),
		zap.Uint32("stream", ch.streamID),
		zap.String("service", serviceName))

	d.sendMessage(cc, protocol.MsgConnect, ch.streamID, payload)
}

func (d *Daemon) handlePktData(channelID uint8, payload []byte) {
	ch, ok := d.channels[channelID]
	if !ok {
		return
	}
	if ch.assoc != nil && !ch.gotEOSFromRemote {
		d.sendMessage(ch.assoc, protocol.MsgData, ch.streamID, payload)
	}
}

func (d *Daemon) handlePktEOS(channelID uint8) {
	ch, ok := d.channels[channelID]
	if !ok {
		return
	}
	if ch.assoc != nil && !ch.gotEOSFromRemote {
		ch.gotEOSFromRemote = true

		d.sendMessage(ch.assoc, protocol.MsgEOS, ch.streamID, nil)

		if ch.gotEOSFromClient {
			d.removeAssociation(ch)
		}
	}
}

func (d *Daemon) handlePktReset(channelID uint8) {
	ch, ok := d.channels[channelID]
	if !ok {
		return
	}
	d.clearPacketQueue(ch)

	if ch.assoc != nil {
		d.sendMessage(ch.assoc, protocol.MsgReset, ch.streamID, nil)
		d.removeAssociation(ch)
	}
}

// flushSendQueue serializes queued packets into the R2A ring in round-robin
// order across channels, stopping at the first packet that does not fit.
// Packets are never split. Reports whether any bytes were written.
func (d *Daemon) flushSendQueue() (bool, error) {
	left := d.area.R2ASpace()

	var out []byte
	for len(d.sendQueue) > 0 {
		ch := d.sendQueue[0]
		pb := &ch.packetQueue[0]

		plen := protocol.PktHeaderSize + len(pb.Data)
		if left < plen {
			break
		}

		out = protocol.AppendPacket(out, pb.Type, ch.channelID, pb.Data)
		left -= plen

		ch.packetQueue = ch.packetQueue[1:]
		d.sendQueue = d.sendQueue[1:]
		if len(ch.packetQueue) > 0 {
			d.sendQueue = append(d.sendQueue, ch)
		} else {
			ch.packetQueue = nil
			d.removeChannelIfDone(ch.channelID)
		}
	}

	if len(out) == 0 {
		return false, nil
	}
	if err := d.area.WriteR2A(out); err != nil {
		return false, err
	}
	return true, nil
}
