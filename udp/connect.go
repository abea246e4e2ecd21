package udp

import (
	"net/netip"

	"github.com/joshuafuller/dgram/internal/addr"
	"github.com/joshuafuller/dgram/internal/errors"
)

type connectRequest struct {
	host string
	port int
	cb   func(error)
}

// Connect fixes host:port as the socket's peer. Sends then go there by
// default and only datagrams from it are received. An empty host means the
// family's loopback address.
//
// An Unbound socket is bound to the wildcard address first. The outcome is
// passed to cb, or failures are delivered on Errors() when cb is nil.
func (s *Socket) Connect(port int, host string, cb func(error)) error {
	if err := addr.ValidatePort(port, false); err != nil {
		return err
	}
	if host == "" {
		host = addr.Loopback(s.family).String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed("connect")
	}
	if s.connectState != Disconnected {
		return errors.NewState(errors.AlreadyConnected, "connect", "socket is "+s.connectState.String())
	}
	if s.bindState == Unbound {
		if err := s.checkUnboundLocked("connect"); err != nil {
			return err
		}
		s.implicitBindLocked()
	}

	s.connectState = Connecting
	req := &connectRequest{host: host, port: port, cb: cb}
	if s.bindState != Bound {
		s.deferUntilBoundLocked(pendingOp{
			name: "connect",
			run:  func() { s.startConnectLocked(req) },
			abort: func(err error) {
				s.connectState = Disconnected
				s.reportLocked(req.cb, err)
			},
		})
		return nil
	}
	s.startConnectLocked(req)
	return nil
}

func (s *Socket) startConnectLocked(req *connectRequest) {
	s.log.WithField("peer", addr.JoinHostPort(req.host, req.port)).Debug("connecting")
	s.lookupLocked(req.host, func(ip netip.Addr, err error) {
		s.finishConnectLocked(req, ip, err)
	})
}

func (s *Socket) finishConnectLocked(req *connectRequest, ip netip.Addr, err error) {
	if s.closed {
		s.connectState = Disconnected
		if req.cb != nil {
			cb := req.cb
			s.sched.Schedule(func() { cb(errClosed("connect")) })
		}
		return
	}

	if err == nil {
		if err = s.handle.Connect(ip, req.port); err != nil {
			err = transportErr("connect", err, ip.String(), req.port)
		}
	} else {
		s.metrics.Failed(s.family.String(), "lookup")
	}
	if err != nil {
		s.connectState = Disconnected
		s.metrics.Failed(s.family.String(), "connect")
		s.log.WithError(err).Debug("connect failed")
		s.reportLocked(req.cb, err)
		return
	}

	s.connectState = Connected
	close(s.connected)
	s.log.WithField("peer", netip.AddrPortFrom(ip, uint16(req.port)).String()).Debug("connected")
	if req.cb != nil {
		cb := req.cb
		s.sched.Schedule(func() { cb(nil) })
	}
}

// Disconnect clears the fixed peer. It fails with ErrNotConnected unless
// the socket is Connected. If the transport cannot clear the association
// the socket stays Connected.
func (s *Socket) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed("disconnect")
	}
	if s.connectState != Connected {
		return errors.NewState(errors.NotConnected, "disconnect", "socket is "+s.connectState.String())
	}
	if err := s.handle.Disconnect(); err != nil {
		return transportErr("disconnect", err, "", 0)
	}
	s.connectState = Disconnected
	s.connected = make(chan struct{})
	s.log.Debug("disconnected")
	return nil
}
