package udp

import (
	"net/netip"
	"time"

	"github.com/joshuafuller/dgram/internal/addr"
	"github.com/joshuafuller/dgram/internal/transport"
)

// Message is one inbound datagram.
type Message struct {
	Data   []byte
	Remote RemoteInfo
}

// RemoteInfo describes the sender of a Message.
type RemoteInfo struct {
	// Addr is the sender's address and port.
	Addr netip.AddrPort

	// Family is the family of Addr. IPv4 senders seen by a dual-stack IPv6
	// socket appear as IPv4-mapped IPv6 addresses.
	Family Family

	// Size is the datagram length in bytes.
	Size int

	// InterfaceIndex is the receiving interface, 0 when the platform does
	// not report it.
	InterfaceIndex int
}

// Messages returns the inbound datagram stream. It is closed by Close.
// When the consumer falls behind, new datagrams are dropped.
func (s *Socket) Messages() <-chan Message { return s.messages }

// Errors returns failures that had no callback to go to: implicit bind
// failures, send and connect errors without a callback, receive errors.
// Errors are dropped when nobody drains the channel.
func (s *Socket) Errors() <-chan error { return s.errs }

// Listening is closed once the socket is bound.
func (s *Socket) Listening() <-chan struct{} { return s.listening }

// Connected is closed once Connect succeeds, whether or not a callback
// was given. Disconnect re-arms it, so callers waiting for the next
// connection must call Connected again.
func (s *Socket) Connected() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Done is closed by Close.
func (s *Socket) Done() <-chan struct{} { return s.done }

// Timeouts receives a value when the socket has been idle for the duration
// set by SetTimeout.
func (s *Socket) Timeouts() <-chan struct{} { return s.timeouts }

// SetTimeout arms an idle timer: after d without sends or inbound
// datagrams, a value is sent on Timeouts(). The socket is not closed and
// nothing in flight is cancelled. Zero disables the timer.
func (s *Socket) SetTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timeout = d
	if d > 0 {
		s.timer = time.AfterFunc(d, s.onTimeout)
	}
}

// touchLocked restarts the idle timer.
func (s *Socket) touchLocked() {
	if s.timer != nil {
		s.timer.Reset(s.timeout)
	}
}

func (s *Socket) onTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	select {
	case s.timeouts <- struct{}{}:
		s.log.WithField("timeout", s.timeout.String()).Debug("socket idle")
	default:
	}
}

// onDatagram is called by the transport's reader.
func (s *Socket) onDatagram(d transport.Datagram) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.touchLocked()

	msg := Message{
		Data: d.Data,
		Remote: RemoteInfo{
			Addr:           d.Source,
			Family:         addr.FamilyOf(d.Source.Addr()),
			Size:           len(d.Data),
			InterfaceIndex: d.InterfaceIndex,
		},
	}
	select {
	case s.messages <- msg:
		s.metrics.Received(s.family.String(), len(d.Data))
	default:
		s.metrics.Dropped(s.family.String())
		s.log.WithField("from", d.Source.String()).Warn("inbound datagram dropped: consumer is behind")
	}
}

// onReadError is called by the transport's reader for errors it survives.
func (s *Socket) onReadError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitErrorLocked(transportErr("recvmsg", err, "", 0))
}

// emitErrorLocked queues err on Errors(). Errors after Close are dropped.
func (s *Socket) emitErrorLocked(err error) {
	if s.closed {
		s.log.WithError(err).Debug("error after close dropped")
		return
	}
	select {
	case s.errs <- err:
	default:
		s.log.WithError(err).Warn("error event dropped: Errors() is not drained")
	}
}
