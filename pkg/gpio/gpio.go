// Package gpio delivers edge notifications from the interrupt line through
// the sysfs GPIO interface.
package gpio

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Waiter owns an exported sysfs GPIO configured for both-edge interrupts.
// The value fd is polled with EPOLLPRI|EPOLLERR; after each wakeup the caller
// must Drain before waiting again.
type Waiter struct {
	pin      string
	exported bool
	edgeSet  bool
	fd       int
}

// Open exports the pin, sets it as a both-edge input and opens its value
// file. Setting the direction is retried for a while: after export, udev may
// not yet have made the attribute writable.
func Open(pin string) (*Waiter, error) {
	w := &Waiter{pin: pin, fd: -1}

	if err := writeFile("/sys/class/gpio/export", pin); err != nil {
		return nil, fmt.Errorf("export gpio %s: %w", pin, err)
	}
	w.exported = true

	dir := "/sys/class/gpio/gpio" + pin + "/direction"
	for retry := 0; retry < 100; retry++ {
		if err := writeFile(dir, "in"); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := writeFile("/sys/class/gpio/gpio"+pin+"/edge", "both"); err != nil {
		w.Close()
		return nil, fmt.Errorf("set gpio %s edge: %w", pin, err)
	}
	w.edgeSet = true

	fd, err := unix.Open("/sys/class/gpio/gpio"+pin+"/value", unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("open gpio %s value: %w", pin, err)
	}
	w.fd = fd
	return w, nil
}

// Fd returns the value fd for epoll registration.
func (w *Waiter) Fd() int { return w.fd }

// Drain rewinds the value file and consumes the pending level byte.
func (w *Waiter) Drain() error {
	if _, err := unix.Seek(w.fd, 0, 0); err != nil {
		return fmt.Errorf("seek gpio value: %w", err)
	}
	var b [1]byte
	n, err := unix.Read(w.fd, b[:])
	if err != nil {
		return fmt.Errorf("read gpio value: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("read gpio value: got %d bytes", n)
	}
	return nil
}

// Close releases the value fd and unexports the pin.
func (w *Waiter) Close() {
	if w.fd != -1 {
		_ = unix.Close(w.fd)
		w.fd = -1
	}
	if w.edgeSet {
		if err := writeFile("/sys/class/gpio/gpio"+w.pin+"/edge", "none"); err != nil {
			zap.L().Warn("failed to reset gpio edge", zap.String("pin", w.pin), zap.Error(err))
		}
		w.edgeSet = false
	}
	if w.exported {
		if err := writeFile("/sys/class/gpio/unexport", w.pin); err != nil {
			zap.L().Warn("failed to unexport gpio", zap.String("pin", w.pin), zap.Error(err))
		}
		w.exported = false
	}
}

func writeFile(path, text string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	_, werr := f.WriteString(text)
	cerr := f.Close()
	if werr != nil {
		return werr
	}
	return cerr
}
