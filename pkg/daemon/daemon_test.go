package daemon

import (
	"bytes"
	"testing"

	"golang.org/x/sys/unix"

	"a314d/pkg/bus/mem"
	"a314d/pkg/config"
	"a314d/pkg/protocol"
)

const testBase = 0x10000

func newTestDaemon(t *testing.T) (*Daemon, *mem.Bus) {
	t.Helper()
	m := mem.New()
	m.SetBaseAddress(testBase)

	d := New(config.Default(), m, nil)
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		t.Fatalf("epoll create: %v", err)
	}
	d.epfd = epfd
	t.Cleanup(func() { _ = unix.Close(epfd) })

	// First interrupt carries the base address event; this primes discovery.
	m.CMEM[protocol.REventsAddress] = protocol.REventBaseAddress
	if err := d.handleIRQ(); err != nil {
		t.Fatalf("initial irq: %v", err)
	}
	if !d.area.HaveBase() {
		t.Fatalf("base address not discovered")
	}
	return d, m
}

// newTestClient connects a client over a socket pair and returns the daemon
// side record and the test side fd.
func newTestClient(t *testing.T, d *Daemon) (*ClientConnection, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	cc, err := d.addClient(fds[0])
	if err != nil {
		t.Fatalf("add client: %v", err)
	}
	tv := unix.Timeval{Sec: 5}
	_ = unix.SetsockoptTimeval(fds[1], unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
	t.Cleanup(func() { _ = unix.Close(fds[1]) })
	return cc, fds[1]
}

// clientSend writes a framed message from the test side and runs the same
// steps the event loop runs on client readiness.
func clientSend(t *testing.T, d *Daemon, cc *ClientConnection, fd int, typ uint8, streamID uint32, payload []byte) {
	t.Helper()
	msg := protocol.AppendMessage(nil, typ, streamID, payload)
	if _, err := unix.Write(fd, msg); err != nil {
		t.Fatalf("write client message: %v", err)
	}
	d.handleClientEvent(cc, unix.EPOLLIN)
	if d.fatal != nil {
		t.Fatalf("fatal during client event: %v", d.fatal)
	}
	sent, err := d.flushSendQueue()
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if sent {
		if err := d.area.WriteStatus(); err != nil {
			t.Fatalf("write status: %v", err)
		}
	}
}

// clientRecv reads one framed message on the test side.
func clientRecv(t *testing.T, fd int) (protocol.MsgHeader, []byte) {
	t.Helper()
	var hdr protocol.MsgHeader
	buf := readFull(t, fd, protocol.MsgHeaderSize)
	if err := hdr.UnmarshalBinary(buf); err != nil {
		t.Fatalf("decode header: %v", err)
	}
	var payload []byte
	if hdr.Length > 0 {
		payload = readFull(t, fd, int(hdr.Length))
	}
	return hdr, payload
}

func readFull(t *testing.T, fd, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	pos := 0
	for pos < n {
		r, err := unix.Read(fd, buf[pos:])
		if err != nil {
			t.Fatalf("read from client side: %v", err)
		}
		if r == 0 {
			t.Fatalf("unexpected eof from daemon")
		}
		pos += r
	}
	return buf
}

// peerSend places packets in the A2R ring and delivers the interrupt.
func peerSend(t *testing.T, d *Daemon, m *mem.Bus, pkts ...[]byte) {
	t.Helper()
	tail := m.SRAM[testBase+protocol.A2RTailOffset]
	for _, p := range pkts {
		for _, b := range p {
			m.SRAM[testBase+4+uint32(tail)] = b
			tail++
		}
	}
	m.SRAM[testBase+protocol.A2RTailOffset] = tail
	m.CMEM[protocol.REventsAddress] |= protocol.REventA2RTail
	if err := d.handleIRQ(); err != nil {
		t.Fatalf("irq: %v", err)
	}
}

type peerPkt struct {
	typ     uint8
	channel uint8
	payload []byte
}

// peerRecv drains the R2A ring the way the peer firmware would and marks the
// bytes consumed.
func peerRecv(t *testing.T, m *mem.Bus) []peerPkt {
	t.Helper()
	head := m.SRAM[testBase+protocol.R2AHeadOffset]
	tail := m.SRAM[testBase+protocol.R2ATailOffset]
	n := int(tail-head) & 0xff
	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		buf[i] = m.SRAM[testBase+260+uint32((int(head)+i)&0xff)]
	}
	var out []peerPkt
	err := protocol.WalkPackets(buf, func(typ, channelID uint8, payload []byte) error {
		out = append(out, peerPkt{typ, channelID, append([]byte(nil), payload...)})
		return nil
	})
	if err != nil {
		t.Fatalf("peer side decode: %v", err)
	}
	m.SRAM[testBase+protocol.R2AHeadOffset] = tail
	return out
}

func connectEcho(t *testing.T, d *Daemon, m *mem.Bus, cc *ClientConnection, fd int) {
	t.Helper()
	clientSend(t, d, cc, fd, protocol.MsgRegisterReq, 0, []byte("echo"))
	hdr, payload := clientRecv(t, fd)
	if hdr.Type != protocol.MsgRegisterRes || payload[0] != protocol.MsgSuccess {
		t.Fatalf("register failed: type=%d payload=%v", hdr.Type, payload)
	}

	peerSend(t, d, m, protocol.AppendPacket(nil, protocol.PktConnect, 7, []byte("echo")))

	hdr, payload = clientRecv(t, fd)
	if hdr.Type != protocol.MsgConnect || hdr.StreamID != 1 || string(payload) != "echo" {
		t.Fatalf("connect message = %#v %q", hdr, payload)
	}

	clientSend(t, d, cc, fd, protocol.MsgConnectResponse, 1, []byte{protocol.ConnectOK})
	pkts := peerRecv(t, m)
	if len(pkts) != 1 || pkts[0].typ != protocol.PktConnectResponse || pkts[0].channel != 7 || pkts[0].payload[0] != protocol.ConnectOK {
		t.Fatalf("peer packets = %#v", pkts)
	}
}

func TestRegisterAndConnect(t *testing.T) {
	d, m := newTestDaemon(t)
	cc, fd := newTestClient(t, d)

	connectEcho(t, d, m, cc, fd)

	ch := d.channels[7]
	if ch == nil {
		t.Fatalf("channel 7 missing")
	}
	if ch.assoc != cc || ch.streamID != 1 {
		t.Fatalf("channel 7 association = %v stream = %d", ch.assoc, ch.streamID)
	}
}

func TestDataBothDirections(t *testing.T) {
	d, m := newTestDaemon(t)
	cc, fd := newTestClient(t, d)
	connectEcho(t, d, m, cc, fd)

	clientSend(t, d, cc, fd, protocol.MsgData, 1, []byte("hello"))
	pkts := peerRecv(t, m)
	if len(pkts) != 1 || pkts[0].typ != protocol.PktData || pkts[0].channel != 7 || !bytes.Equal(pkts[0].payload, []byte("hello")) {
		t.Fatalf("peer packets = %#v", pkts)
	}

	peerSend(t, d, m, protocol.AppendPacket(nil, protocol.PktData, 7, []byte("world")))
	hdr, payload := clientRecv(t, fd)
	if hdr.Type != protocol.MsgData || hdr.StreamID != 1 || !bytes.Equal(payload, []byte("world")) {
		t.Fatalf("client message = %#v %q", hdr, payload)
	}
}

func TestHalfCloseThenFullClose(t *testing.T) {
	d, m := newTestDaemon(t)
	cc, fd := newTestClient(t, d)
	connectEcho(t, d, m, cc, fd)

	clientSend(t, d, cc, fd, protocol.MsgEOS, 1, nil)
	pkts := peerRecv(t, m)
	if len(pkts) != 1 || pkts[0].typ != protocol.PktEOS || pkts[0].channel != 7 {
		t.Fatalf("peer packets = %#v", pkts)
	}

	ch := d.channels[7]
	if ch == nil || !ch.gotEOSFromClient || ch.assoc != cc {
		t.Fatalf("channel state after half close: %#v", ch)
	}

	peerSend(t, d, m, protocol.AppendPacket(nil, protocol.PktEOS, 7, nil))
	hdr, _ := clientRecv(t, fd)
	if hdr.Type != protocol.MsgEOS || hdr.StreamID != 1 {
		t.Fatalf("client message = %#v", hdr)
	}

	if _, ok := d.channels[7]; ok {
		t.Fatalf("channel 7 not removed after full close")
	}
	if len(cc.associations) != 0 {
		t.Fatalf("association not removed")
	}
}

func TestConnectUnknownService(t *testing.T) {
	d, m := newTestDaemon(t)

	peerSend(t, d, m, protocol.AppendPacket(nil, protocol.PktConnect, 9, []byte("missing")))

	pkts := peerRecv(t, m)
	if len(pkts) != 1 || pkts[0].typ != protocol.PktConnectResponse || pkts[0].channel != 9 {
		t.Fatalf("peer packets = %#v", pkts)
	}
	if len(pkts[0].payload) != 1 || pkts[0].payload[0] != protocol.ConnectUnknownService {
		t.Fatalf("response payload = %v", pkts[0].payload)
	}
	if _, ok := d.channels[9]; ok {
		t.Fatalf("channel 9 should be removed once the response is sent")
	}
}

func TestPeerResetClosesAllChannels(t *testing.T) {
	d, m := newTestDaemon(t)
	cc, fd := newTestClient(t, d)
	connectEcho(t, d, m, cc, fd)

	// Second channel to the same service.
	peerSend(t, d, m, protocol.AppendPacket(nil, protocol.PktConnect, 8, []byte("echo")))
	hdr, _ := clientRecv(t, fd)
	if hdr.Type != protocol.MsgConnect || hdr.StreamID != 3 {
		t.Fatalf("second connect = %#v", hdr)
	}

	// Peer reboots: next interrupt republishes the base address.
	m.CMEM[protocol.REventsAddress] |= protocol.REventBaseAddress
	m.SetBaseAddress(testBase)
	if err := d.handleIRQ(); err != nil {
		t.Fatalf("irq: %v", err)
	}

	got := map[uint32]bool{}
	for i := 0; i < 2; i++ {
		hdr, _ := clientRecv(t, fd)
		if hdr.Type != protocol.MsgReset {
			t.Fatalf("expected reset, got %#v", hdr)
		}
		got[hdr.StreamID] = true
	}
	if !got[1] || !got[3] {
		t.Fatalf("resets for wrong streams: %v", got)
	}
	if len(d.channels) != 0 {
		t.Fatalf("channels remain after peer reset: %d", len(d.channels))
	}
	if !d.area.HaveBase() {
		t.Fatalf("base address rediscovery did not run")
	}
}

func TestClientCloseResetsChannels(t *testing.T) {
	d, m := newTestDaemon(t)
	cc, fd := newTestClient(t, d)
	connectEcho(t, d, m, cc, fd)

	_ = unix.Close(fd)
	d.handleClientEvent(cc, unix.EPOLLIN)

	if _, ok := d.connections[cc.fd]; ok {
		t.Fatalf("connection not removed")
	}
	if _, ok := d.services["echo"]; ok {
		t.Fatalf("service not removed with its owner")
	}

	sent, err := d.flushSendQueue()
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if !sent {
		t.Fatalf("no reset flushed toward peer")
	}
	if err := d.area.WriteStatus(); err != nil {
		t.Fatalf("write status: %v", err)
	}
	pkts := peerRecv(t, m)
	if len(pkts) != 1 || pkts[0].typ != protocol.PktReset || pkts[0].channel != 7 {
		t.Fatalf("peer packets = %#v", pkts)
	}
	if _, ok := d.channels[7]; ok {
		t.Fatalf("channel should be gone after its reset is sent")
	}
}

func TestConnectOnExistingChannelIsFatal(t *testing.T) {
	d, m := newTestDaemon(t)
	cc, fd := newTestClient(t, d)
	connectEcho(t, d, m, cc, fd)

	tail := m.SRAM[testBase+protocol.A2RTailOffset]
	p := protocol.AppendPacket(nil, protocol.PktConnect, 7, []byte("echo"))
	for i, b := range p {
		m.SRAM[testBase+4+uint32(int(tail)+i)] = b
	}
	m.SRAM[testBase+protocol.A2RTailOffset] = tail + uint8(len(p))
	m.CMEM[protocol.REventsAddress] |= protocol.REventA2RTail

	if err := d.handleIRQ(); err == nil {
		t.Fatalf("expected fatal error on duplicate connect")
	}
}
