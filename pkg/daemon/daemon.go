// Package daemon contains the bridge core: the channel multiplexer, the
// client registry and the readiness-driven event loop that ties the serial
// bus to local clients.
package daemon

import (
	"fmt"
	"net"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"a314d/pkg/bus"
	"a314d/pkg/comm"
	"a314d/pkg/config"
	"a314d/pkg/gpio"
	"a314d/pkg/protocol"
)

// Daemon owns all channel and connection storage. Channels and clients
// cross-reference each other by direct pointer (LogicalChannel.assoc and
// ClientConnection.associations); these references are not resolved through
// the daemon's maps, so every teardown path clears both sides.
type Daemon struct {
	cfg  *config.Config
	bus  bus.Transport
	area *comm.Area

	irq      *gpio.Waiter
	epfd     int
	listenFd int
	sigFd    int

	connections map[int]*ClientConnection
	services    map[string]*ClientConnection
	channels    map[uint8]*LogicalChannel
	sendQueue   []*LogicalChannel
	onDemand    []config.OnDemandService

	// fatal latches the first unrecoverable error hit inside an event
	// handler; the loop surfaces it to the caller.
	fatal error
}

// New assembles a daemon around an open bus transport.
func New(cfg *config.Config, t bus.Transport, onDemand []config.OnDemandService) *Daemon {
	return &Daemon{
		cfg:         cfg,
		bus:         t,
		area:        comm.New(t),
		epfd:        -1,
		listenFd:    -1,
		sigFd:       -1,
		connections: make(map[int]*ClientConnection),
		services:    make(map[string]*ClientConnection),
		channels:    make(map[uint8]*LogicalChannel),
		onDemand:    onDemand,
	}
}

func (d *Daemon) fatalf(format string, args ...any) {
	if d.fatal == nil {
		d.fatal = fmt.Errorf(format, args...)
		zap.L().Error("fatal daemon error", zap.Error(d.fatal))
	}
}

// Start opens the interrupt line, the listening socket and the epoll
// instance, registering the static descriptors. Resources are torn down in
// reverse by Close.
func (d *Daemon) Start() error {
	var err error

	d.epfd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("create epoll instance: %w", err)
	}

	if err := d.initListener(); err != nil {
		return err
	}

	d.irq, err = gpio.Open(d.cfg.IRQGPIO)
	if err != nil {
		return err
	}
	ev := unix.EpollEvent{Events: unix.EPOLLPRI | unix.EPOLLERR, Fd: int32(d.irq.Fd())}
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, d.irq.Fd(), &ev); err != nil {
		return fmt.Errorf("register irq fd: %w", err)
	}

	if err := d.initSignalFd(); err != nil {
		return err
	}
	return nil
}

func (d *Daemon) initListener() error {
	host, port, err := net.SplitHostPort(d.cfg.Listen)
	if err != nil {
		return fmt.Errorf("parse listen address %q: %w", d.cfg.Listen, err)
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return fmt.Errorf("listen address %q is not an IPv4 address", d.cfg.Listen)
	}
	var portNum int
	if _, err := fmt.Sscanf(port, "%d", &portNum); err != nil {
		return fmt.Errorf("parse listen port %q: %w", port, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("create server socket: %w", err)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	sa := &unix.SockaddrInet4{Port: portNum}
	copy(sa.Addr[:], ip)
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("bind to %s: %w", d.cfg.Listen, err)
	}
	if err := unix.Listen(fd, d.cfg.Backlog); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("listen on %s: %w", d.cfg.Listen, err)
	}
	d.listenFd = fd

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("register server socket: %w", err)
	}

	zap.L().Info("listening", zap.String("addr", d.cfg.Listen))
	return nil
}

// Close releases every descriptor the daemon owns, in reverse order of
// acquisition. Safe on a partially started daemon.
func (d *Daemon) Close() {
	if d.sigFd != -1 {
		_ = unix.Close(d.sigFd)
		d.sigFd = -1
	}
	if d.irq != nil {
		d.irq.Close()
		d.irq = nil
	}
	d.closeListener()
	for _, cc := range d.connections {
		_ = unix.Close(cc.fd)
	}
	if d.epfd != -1 {
		_ = unix.Close(d.epfd)
		d.epfd = -1
	}
}

func (d *Daemon) closeListener() {
	if d.listenFd != -1 {
		_ = unix.Close(d.listenFd)
		d.listenFd = -1
	}
}

// handleIRQ reconciles one interrupt: acknowledge events, rediscover the
// base address when the peer asks for it (or none is cached), then move
// bytes in both directions and post the pointer updates.
func (d *Daemon) handleIRQ() error {
	events, err := d.area.AckIRQ()
	if err != nil {
		return fmt.Errorf("acknowledge irq: %w", err)
	}
	if events == 0 {
		return nil
	}

	if events&protocol.REventBaseAddress != 0 || !d.area.HaveBase() {
		if d.area.HaveBase() && len(d.channels) > 0 {
			zap.L().Info("base address was updated while logical channels are open, closing channels")
		}
		d.closeAllLogicalChannels()
		if err := d.area.ReadBaseAddress(); err != nil {
			return fmt.Errorf("read base address: %w", err)
		}
	}
	if d.fatal != nil {
		return d.fatal
	}
	if !d.area.HaveBase() {
		return nil
	}

	if err := d.area.ReadStatus(); err != nil {
		return fmt.Errorf("read channel status: %w", err)
	}

	anyRcvd, err := d.drainA2R()
	if err != nil {
		return err
	}
	anySent, err := d.flushSendQueue()
	if err != nil {
		return err
	}
	if d.fatal != nil {
		return d.fatal
	}

	if anyRcvd || anySent {
		if err := d.area.WriteStatus(); err != nil {
			return fmt.Errorf("write channel status: %w", err)
		}
	}
	return nil
}

// drainA2R empties the inbound ring and dispatches its packets. A malformed
// frame is a protocol violation from the peer and is unrecoverable.
func (d *Daemon) drainA2R() (bool, error) {
	buf, any, err := d.area.ReadA2R()
	if err != nil {
		return false, fmt.Errorf("drain a2r ring: %w", err)
	}
	if !any {
		return false, nil
	}
	if err := protocol.WalkPackets(buf, d.handlePacket); err != nil {
		return false, fmt.Errorf("a2r ring: %w", err)
	}
	return true, nil
}
