// Package udp provides an asynchronous datagram socket.
//
// A Socket binds to a local address, optionally connects to a fixed peer,
// sends and receives datagrams and manages multicast group membership.
// Operations never block on the network: they validate their arguments,
// return, and report completion later through a callback run on the
// socket's scheduler or through one of the socket's event channels.
//
// State machine:
//
//	bind:    Unbound --Bind--> Binding --success--> Bound
//	                                  \--failure--> Unbound (no further binds)
//	connect: Disconnected --Connect--> Connecting --success--> Connected
//	                                           \--failure--> Disconnected
//	         Connected --Disconnect--> Disconnected
//
// Send, Connect and the multicast setters bind the socket implicitly to the
// wildcard address and an ephemeral port when it is still Unbound. Sends
// issued while a bind is in flight are queued and replayed in issue order
// once it succeeds, or failed together if it does not.
//
// Example:
//
//	sock, err := udp.New(udp.V4)
//	if err != nil {
//	    return err
//	}
//	defer sock.Close()
//
//	err = sock.SendTo("hello", 41234, "127.0.0.1", func(n int, err error) {
//	    log.Printf("sent %d bytes: %v", n, err)
//	})
package udp

import (
	"context"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/metric"

	"github.com/joshuafuller/dgram/internal/addr"
	"github.com/joshuafuller/dgram/internal/errors"
	"github.com/joshuafuller/dgram/internal/resolver"
	"github.com/joshuafuller/dgram/internal/scheduler"
	"github.com/joshuafuller/dgram/internal/telemetry"
	"github.com/joshuafuller/dgram/internal/transport"
)

// Family selects IPv4 or IPv6.
type Family = addr.Family

const (
	V4 = addr.V4
	V6 = addr.V6
)

// Transport is the OS socket primitive a Socket drives. It can be supplied
// through BindOptions.Handle to adopt an existing socket.
type Transport = transport.Transport

const defaultMessageBuffer = 64

// BindState is the socket's position in the bind state machine.
type BindState int

const (
	Unbound BindState = iota
	Binding
	Bound
)

func (b BindState) String() string {
	switch b {
	case Unbound:
		return "unbound"
	case Binding:
		return "binding"
	case Bound:
		return "bound"
	}
	return "unknown"
}

// ConnectState is the socket's position in the connect state machine.
type ConnectState int

const (
	Disconnected ConnectState = iota
	Connecting
	Connected
)

func (c ConnectState) String() string {
	switch c {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// Socket is a UDP socket with asynchronous completion.
//
// All methods are safe for concurrent use. Completion callbacks run on the
// socket's scheduler, one at a time, and never before the call that
// registered them has returned.
type Socket struct {
	family addr.Family
	id     string

	// Fixed at construction.
	flags          transport.BindFlags
	recvBufferHint int
	sendBufferHint int
	messageBuffer  int
	logger         logrus.FieldLogger
	meterProvider  metric.MeterProvider
	newTransport   transport.Factory

	log      *logrus.Entry
	sched    scheduler.Scheduler
	resolver resolver.Resolver
	metrics  *telemetry.SocketMetrics

	// ctx is cancelled by Close to abandon in-flight lookups.
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	bindState    BindState
	connectState ConnectState
	bindFailed   bool
	handle       transport.Transport
	pending      *pendingQueue
	receiving    bool
	closed       bool
	refed        bool
	keepAlive    bool
	timeout      time.Duration
	timer        *time.Timer

	messages  chan Message
	errs      chan error
	listening chan struct{}
	connected chan struct{}
	done      chan struct{}
	timeouts  chan struct{}
}

// New creates an unbound socket of the given family.
func New(family Family, opts ...Option) (*Socket, error) {
	if family != addr.V4 && family != addr.V6 {
		return nil, errors.NewValidation(errors.InvalidAddress, "family", family, "must be V4 or V6")
	}

	s := &Socket{
		family:        family,
		id:            uuid.NewString(),
		messageBuffer: defaultMessageBuffer,
		logger:        logrus.StandardLogger(),
		newTransport:  transport.NewUDPTransport,
		resolver:      resolver.System{},
		refed:         true,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.sched == nil {
		s.sched = scheduler.Default()
	}

	s.log = s.logger.WithFields(logrus.Fields{
		"socket": s.id,
		"family": family.String(),
	})
	s.metrics = telemetry.NewSocketMetrics(s.meterProvider)

	handle, err := s.newTransport(family)
	if err != nil {
		return nil, transportErr("socket", err, "", 0)
	}
	s.handle = handle

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.messages = make(chan Message, s.messageBuffer)
	s.errs = make(chan error, 16)
	s.listening = make(chan struct{})
	s.connected = make(chan struct{})
	s.done = make(chan struct{})
	s.timeouts = make(chan struct{}, 1)

	s.log.Debug("socket created")
	return s, nil
}

// ID returns the socket's log and metric identifier.
func (s *Socket) ID() string { return s.id }

// Family returns the address family fixed at construction.
func (s *Socket) Family() Family { return s.family }

// BindState returns the current bind state.
func (s *Socket) BindState() BindState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bindState
}

// ConnectState returns the current connect state.
func (s *Socket) ConnectState() ConnectState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectState
}

// Closed reports whether Close has been called.
func (s *Socket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops receiving, fails every queued operation with ErrNotRunning
// and releases the transport. Completions that arrive afterwards report
// ErrNotRunning. Closing a closed socket fails with ErrNotRunning.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errClosed("close")
	}
	s.closed = true
	s.cancel()

	s.takePending().discard(errClosed("close"))
	// A bind or connect still in flight settles with ErrNotRunning.
	if s.bindState == Binding {
		s.bindState = Unbound
		s.bindFailed = true
	}
	if s.connectState == Connecting {
		s.connectState = Disconnected
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	receiving := s.receiving
	s.receiving = false
	s.syncKeepAliveLocked()

	close(s.messages)
	close(s.done)
	handle := s.handle
	s.mu.Unlock()

	// The transport's reader may be waiting on s.mu, so it is stopped
	// without holding it.
	if receiving {
		_ = handle.StopReceiving()
	}
	if err := handle.Close(); err != nil {
		return transportErr("close", err, "", 0)
	}
	s.log.Debug("socket closed")
	return nil
}

// Address returns the bound local address.
func (s *Socket) Address() (netip.AddrPort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return netip.AddrPort{}, errClosed("address")
	}
	ap, err := s.handle.LocalAddr()
	if err != nil {
		return netip.AddrPort{}, transportErr("getsockname", err, "", 0)
	}
	return ap, nil
}

// RemoteAddress returns the connected peer.
func (s *Socket) RemoteAddress() (netip.AddrPort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return netip.AddrPort{}, errClosed("remoteAddress")
	}
	if s.connectState != Connected {
		return netip.AddrPort{}, errors.NewState(errors.NotConnected, "remoteAddress", "socket has no fixed peer")
	}
	ap, err := s.handle.RemoteAddr()
	if err != nil {
		return netip.AddrPort{}, transportErr("getpeername", err, "", 0)
	}
	return ap, nil
}

// RecvBufferSize returns SO_RCVBUF.
func (s *Socket) RecvBufferSize() (int, error) { return s.bufferSize(true) }

// SendBufferSize returns SO_SNDBUF.
func (s *Socket) SendBufferSize() (int, error) { return s.bufferSize(false) }

// SetRecvBufferSize sets SO_RCVBUF. The kernel may round the value.
func (s *Socket) SetRecvBufferSize(size int) error { return s.setBufferSize(size, true) }

// SetSendBufferSize sets SO_SNDBUF. The kernel may round the value.
func (s *Socket) SetSendBufferSize(size int) error { return s.setBufferSize(size, false) }

func bufferSizeErr(op string, err error) error {
	if errors.KindOf(err) == errors.BufferSizeUnavailable {
		return err
	}
	return &errors.NetworkError{Kind: errors.BufferSizeUnavailable, Operation: op, Err: err}
}

func (s *Socket) bufferSize(recv bool) (int, error) {
	op := transport.BufferOp(recv, false)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.bindState != Bound {
		return 0, bufferSizeErr(op, syscall.EBADF)
	}
	n, err := s.handle.BufferSize(recv)
	if err != nil {
		return 0, bufferSizeErr(op, err)
	}
	return n, nil
}

func (s *Socket) setBufferSize(size int, recv bool) error {
	op := transport.BufferOp(recv, true)
	if size < 0 {
		return errors.NewValidation(errors.BadBufferSize, "size", size, "must be a non-negative integer")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.bindState != Bound {
		return bufferSizeErr(op, syscall.EBADF)
	}
	if err := s.handle.SetBufferSize(size, recv); err != nil {
		return bufferSizeErr(op, err)
	}
	return nil
}

// applyBufferHintsLocked applies the sizes requested at construction.
// Failures are reported as error events; the bind itself stands.
func (s *Socket) applyBufferHintsLocked() {
	if s.recvBufferHint > 0 {
		if err := s.handle.SetBufferSize(s.recvBufferHint, true); err != nil {
			s.emitErrorLocked(bufferSizeErr(transport.BufferOp(true, true), err))
		}
	}
	if s.sendBufferHint > 0 {
		if err := s.handle.SetBufferSize(s.sendBufferHint, false); err != nil {
			s.emitErrorLocked(bufferSizeErr(transport.BufferOp(false, true), err))
		}
	}
}

// Ref makes the socket keep its scheduler's Wait from returning while it is
// bound. Sockets start out referenced.
func (s *Socket) Ref() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.refed = true
	s.handle.Ref()
	s.syncKeepAliveLocked()
}

// Unref lets the scheduler's Wait return even though the socket is open.
func (s *Socket) Unref() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.refed = false
	s.handle.Unref()
	s.syncKeepAliveLocked()
}

// syncKeepAliveLocked holds one keep-alive reference on the scheduler
// while the socket is bound, referenced and open.
func (s *Socket) syncKeepAliveLocked() {
	want := s.bindState == Bound && s.refed && !s.closed
	if want == s.keepAlive {
		return
	}
	s.keepAlive = want
	ka, ok := s.sched.(scheduler.KeepAlive)
	if !ok {
		return
	}
	if want {
		ka.Ref()
	} else {
		ka.Unref()
	}
}

// locked wraps fn to run with s.mu held.
func (s *Socket) locked(fn func()) func() {
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		fn()
	}
}

// lookupLocked resolves host for the socket's family and runs then on the
// scheduler with s.mu held. Numeric hosts skip the resolver; names are
// looked up on their own goroutine.
func (s *Socket) lookupLocked(host string, then func(netip.Addr, error)) {
	if host == "" || resolver.Numeric(host) {
		ip, err := resolver.Resolve(s.ctx, nil, host, s.family)
		s.sched.Schedule(s.locked(func() { then(ip, err) }))
		return
	}

	ctx, r, family := s.ctx, s.resolver, s.family
	go func() {
		ip, err := resolver.Resolve(ctx, r, host, family)
		s.sched.Schedule(s.locked(func() { then(ip, err) }))
	}()
}

// reportLocked delivers the outcome of an asynchronous operation to cb, or
// to the Errors channel when there is no callback.
func (s *Socket) reportLocked(cb func(error), err error) {
	if cb != nil {
		s.sched.Schedule(func() { cb(err) })
		return
	}
	if err != nil {
		s.emitErrorLocked(err)
	}
}
