package daemon

import (
	"fmt"
	"os"
	"os/exec"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"a314d/pkg/config"
)

// launchOnDemand starts the configured program for a service the peer asked
// for, handing it one end of a socket pair. The child finds its end at fd 3
// and is told so with a trailing "-ondemand 3" argument pair; the daemon
// keeps the other end as a regular client connection.
func (d *Daemon) launchOnDemand(svc config.OnDemandService) (*ClientConnection, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("create socket pair: %w", err)
	}

	childEnd := os.NewFile(uintptr(fds[1]), "ondemand-socket")

	cmd := exec.Command(svc.Program)
	cmd.Args = append(append([]string(nil), svc.Args...), "-ondemand", "3")
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{childEnd}

	if err := cmd.Start(); err != nil {
		childEnd.Close()
		_ = unix.Close(fds[0])
		return nil, fmt.Errorf("start on-demand service %q: %w", svc.ServiceName, err)
	}
	childEnd.Close()

	// Reap the child whenever it exits; its lifetime is otherwise its own.
	go func() { _ = cmd.Wait() }()

	zap.L().Info("launched on-demand service",
		zap.String("service", svc.ServiceName),
		zap.String("program", svc.Program),
		zap.Int("pid", cmd.Process.Pid))

	cc, err := d.addClient(fds[0])
	if err != nil {
		_ = unix.Close(fds[0])
		return nil, err
	}
	return cc, nil
}
