package udp

import (
	"net/netip"

	"github.com/joshuafuller/dgram/internal/addr"
	"github.com/joshuafuller/dgram/internal/errors"
)

// BindOptions describes where a socket binds.
//
// Exactly one source is used, in this order: Handle, FD, then Address and
// Port.
type BindOptions struct {
	// Port is the local port; 0 lets the OS choose an ephemeral port.
	Port int

	// Address is a numeric address or host name. Empty binds the family's
	// wildcard address.
	Address string

	// FD, when positive, is an already-open datagram socket descriptor to
	// adopt instead of binding. Ownership passes to the socket.
	FD int

	// Handle is an already-bound transport to adopt instead of binding.
	// The socket's own transport is closed and replaced.
	Handle Transport

	// Callback receives the outcome. Without it, failures are delivered on
	// Errors().
	Callback func(error)
}

// bindAttempt is the state of one Unbound -> Binding -> settled cycle.
type bindAttempt struct {
	host     string
	port     int
	callback func(error)
}

// Bind binds the socket. Adopting a Handle or FD completes before Bind
// returns; binding an address resolves it first and completes later.
//
// Bind fails with ErrAlreadyBound unless the socket is Unbound and no
// earlier bind has failed.
func (s *Socket) Bind(opts BindOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed("bind")
	}
	if err := s.checkUnboundLocked("bind"); err != nil {
		return err
	}
	if err := addr.ValidatePort(opts.Port, true); err != nil {
		return err
	}
	if opts.FD < 0 {
		return errors.NewValidation(errors.InvalidAddress, "fd", opts.FD, "must be a non-negative descriptor")
	}

	switch {
	case opts.Handle != nil:
		s.adoptLocked(opts.Handle, opts.Callback)
		return nil
	case opts.FD > 0:
		return s.openLocked(opts.FD, opts.Callback)
	}

	s.startBindLocked(opts.Address, opts.Port, opts.Callback)
	return nil
}

// checkUnboundLocked enforces the single bind attempt per socket.
func (s *Socket) checkUnboundLocked(op string) error {
	switch {
	case s.bindState == Binding:
		return errors.NewState(errors.AlreadyBound, op, "bind in progress")
	case s.bindState == Bound:
		return errors.NewState(errors.AlreadyBound, op, "socket is already bound")
	case s.bindFailed:
		return errors.NewState(errors.AlreadyBound, op, "an earlier bind failed; create a new socket")
	}
	return nil
}

func (s *Socket) adoptLocked(h Transport, cb func(error)) {
	old := s.handle
	s.handle = h
	if old != nil && old != h {
		_ = old.Close()
	}
	if !s.refed {
		h.Unref()
	}
	s.bindState = Binding
	s.log.Debug("adopting transport handle")
	s.onBoundLocked(cb)
}

func (s *Socket) openLocked(fd int, cb func(error)) error {
	s.bindState = Binding
	if err := s.handle.Open(fd); err != nil {
		s.bindState = Unbound
		s.bindFailed = true
		s.metrics.Failed(s.family.String(), "bind")
		return transportErr("open", err, "", 0)
	}
	s.log.WithField("fd", fd).Debug("adopted descriptor")
	s.onBoundLocked(cb)
	return nil
}

// startBindLocked moves to Binding and binds once host is resolved.
func (s *Socket) startBindLocked(host string, port int, cb func(error)) {
	s.bindState = Binding
	a := &bindAttempt{host: host, port: port, callback: cb}
	s.log.WithField("address", addr.JoinHostPort(host, port)).Debug("binding")

	s.lookupLocked(host, func(ip netip.Addr, err error) {
		s.completeBindLocked(a, ip, err)
	})
}

// implicitBindLocked binds to the wildcard address and an ephemeral port on
// behalf of send or connect. Its failure is reported on Errors().
func (s *Socket) implicitBindLocked() {
	s.startBindLocked("", 0, nil)
}

func (s *Socket) completeBindLocked(a *bindAttempt, ip netip.Addr, err error) {
	if s.closed {
		if a.callback != nil {
			cb := a.callback
			s.sched.Schedule(func() { cb(errClosed("bind")) })
		}
		return
	}

	if err == nil {
		if err = s.handle.Bind(ip, a.port, s.flags); err != nil {
			err = transportErr("bind", err, ip.String(), a.port)
		}
	}
	if err != nil {
		s.bindState = Unbound
		s.bindFailed = true
		s.metrics.Failed(s.family.String(), "bind")
		s.log.WithError(err).Debug("bind failed")

		s.reportLocked(a.callback, err)
		s.takePending().discard(err)
		return
	}
	s.onBoundLocked(a.callback)
}

// onBoundLocked finishes a successful bind: start receiving, apply the
// buffer hints, signal listeners, then replay the queued operations.
func (s *Socket) onBoundLocked(cb func(error)) {
	s.bindState = Bound

	if err := s.handle.StartReceiving(s.onDatagram, s.onReadError); err != nil {
		s.emitErrorLocked(transportErr("recv_start", err, "", 0))
	} else {
		s.receiving = true
	}
	s.applyBufferHintsLocked()
	s.syncKeepAliveLocked()
	s.touchLocked()
	close(s.listening)

	if local, err := s.handle.LocalAddr(); err == nil {
		s.log.WithField("address", local.String()).Debug("socket bound")
	}

	if cb != nil {
		s.sched.Schedule(func() { cb(nil) })
	}
	s.takePending().drain()
}

// ensureBoundLocked binds synchronously to the wildcard address when the
// socket is Unbound. Socket options need a bound transport and have no
// completion to defer to.
func (s *Socket) ensureBoundLocked(op string) error {
	switch s.bindState {
	case Bound:
		return nil
	case Binding:
		return errors.NewState(errors.NotRunning, op, "bind in progress")
	}
	if err := s.checkUnboundLocked(op); err != nil {
		return err
	}

	s.bindState = Binding
	ip := addr.Unspecified(s.family)
	if err := s.handle.Bind(ip, 0, s.flags); err != nil {
		s.bindState = Unbound
		s.bindFailed = true
		s.metrics.Failed(s.family.String(), "bind")
		return transportErr("bind", err, ip.String(), 0)
	}
	s.onBoundLocked(nil)
	return nil
}
