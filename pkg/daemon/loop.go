package daemon

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// initSignalFd routes SIGTERM/SIGINT into the epoll set through an eventfd.
// A single forwarder goroutine pokes the eventfd; the core stays
// single-threaded.
func (d *Daemon) initSignalFd() error {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return fmt.Errorf("create signal eventfd: %w", err)
	}
	d.sigFd = fd

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("register signal eventfd: %w", err)
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGTERM, unix.SIGINT)
	go func() {
		one := []byte{1, 0, 0, 0, 0, 0, 0, 0}
		for range ch {
			_, _ = unix.Write(fd, one)
		}
	}()
	return nil
}

// acceptClient admits one connection from the listener.
func (d *Daemon) acceptClient() {
	fd, _, err := unix.Accept4(d.listenFd, unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK)
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		d.fatalf("accept failed unexpectedly: %v", err)
		return
	}
	if _, err := d.addClient(fd); err != nil {
		d.fatalf("%v", err)
	}
}

// handleClientEvent runs the read and write phases for one readiness
// notification on a client socket.
func (d *Daemon) handleClientEvent(cc *ClientConnection, events uint32) {
	if events&unix.EPOLLERR != 0 {
		zap.L().Warn("received EPOLLERR for client connection", zap.Int("fd", cc.fd))
		d.closeAndRemoveConnection(cc)
		return
	}

	if events&unix.EPOLLIN != 0 {
		if !d.pumpClientReads(cc) {
			return
		}
	}

	if events&unix.EPOLLOUT != 0 {
		d.drainMessageQueue(cc)
	}
}

// beginShutdown closes the listener and drains every client, which enqueues
// a reset toward the peer for each associated channel. Reports whether the
// daemon can exit immediately.
func (d *Daemon) beginShutdown() (bool, error) {
	zap.L().Info("shutting down")

	d.closeListener()

	for len(d.connections) > 0 {
		for _, cc := range d.connections {
			d.closeAndRemoveConnection(cc)
			break
		}
	}

	sent, err := d.flushSendQueue()
	if err != nil {
		return false, err
	}
	if sent {
		if err := d.area.WriteStatus(); err != nil {
			return false, err
		}
	}

	return len(d.channels) == 0, nil
}

// Run drives the event loop until a fatal error or a completed shutdown.
// One pending interrupt may predate the epoll registration, so the handler
// runs once on entry.
func (d *Daemon) Run() error {
	if err := d.handleIRQ(); err != nil {
		return err
	}

	firstGPIOEvent := true
	shuttingDown := false
	var drainDeadline time.Time

	var events [1]unix.EpollEvent
	for {
		timeout := -1
		if shuttingDown {
			timeout = int(time.Until(drainDeadline) / time.Millisecond)
			if timeout < 0 {
				timeout = 0
			}
		}

		n, err := unix.EpollWait(d.epfd, events[:], timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll wait: %w", err)
		}

		if n == 0 {
			if !shuttingDown {
				return fmt.Errorf("epoll wait returned no events without a timeout set")
			}
			zap.L().Warn("shutdown drain timed out with channels remaining", zap.Int("channels", len(d.channels)))
			return nil
		}

		ev := events[0]
		switch int(ev.Fd) {
		case d.sigFd:
			var buf [8]byte
			_, _ = unix.Read(d.sigFd, buf[:])
			zap.L().Info("received termination signal")

			done, err := d.beginShutdown()
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			shuttingDown = true
			drainDeadline = time.Now().Add(time.Duration(d.cfg.DrainTimeoutSec) * time.Second)

		case d.irq.Fd():
			if err := d.irq.Drain(); err != nil {
				return err
			}
			if firstGPIOEvent {
				// A spurious level notification fires as soon as the value
				// fd enters the epoll set.
				zap.L().Debug("discarding first gpio event")
				firstGPIOEvent = false
				break
			}
			if err := d.handleIRQ(); err != nil {
				return err
			}
			if shuttingDown && len(d.channels) == 0 {
				return nil
			}

		case d.listenFd:
			d.acceptClient()

		default:
			cc, ok := d.connections[int(ev.Fd)]
			if !ok {
				return fmt.Errorf("readiness event for fd %d which is not an open client connection", ev.Fd)
			}
			d.handleClientEvent(cc, ev.Events)

			sent, err := d.flushSendQueue()
			if err != nil {
				return err
			}
			if sent {
				if err := d.area.WriteStatus(); err != nil {
					return err
				}
			}
		}

		if d.fatal != nil {
			return d.fatal
		}
	}
}
