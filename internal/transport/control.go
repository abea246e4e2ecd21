package transport

import (
	"net"
	"syscall"
)

// controlFn is the callback signature of net.ListenConfig.Control. It applies
// socket options after the socket is created and before bind(2).
type controlFn func(network, address string, c syscall.RawConn) error

// listenConfig returns a net.ListenConfig that runs fns in order.
func listenConfig(fns ...controlFn) *net.ListenConfig {
	return &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			for _, fn := range fns {
				if err := fn(network, address, c); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// rawControl adapts a per-descriptor option setter to a controlFn.
func rawControl(set func(fd uintptr) error) controlFn {
	return func(_, _ string, c syscall.RawConn) error {
		var opErr error
		if err := c.Control(func(fd uintptr) {
			opErr = set(fd)
		}); err != nil {
			return err
		}
		return opErr
	}
}

// control runs fn against the descriptor of a live connection.
func control(conn *net.UDPConn, fn func(fd uintptr) error) error {
	rc, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	return rawControl(fn)("", "", rc)
}
