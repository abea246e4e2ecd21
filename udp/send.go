package udp

import (
	"fmt"
	"net/netip"
	"sync/atomic"

	"github.com/joshuafuller/dgram/internal/addr"
	"github.com/joshuafuller/dgram/internal/errors"
	"github.com/joshuafuller/dgram/internal/resolver"
)

// SendCallback receives the outcome of one send: the byte count on
// success, or the error.
type SendCallback func(n int, err error)

type destination struct {
	host string
	port int
}

// sendRequest is one outbound datagram.
type sendRequest struct {
	chunks [][]byte
	dest   *destination
	cb     SendCallback

	// owned is set once chunks have been copied away from the caller.
	owned bool
	done  atomic.Bool
}

// Send sends payload to the connected peer.
//
// payload is a string, a []byte, or a list of chunks ([][]byte, []string,
// or []any holding strings and byte slices) that are concatenated into one
// datagram. Validation errors are returned; delivery errors go to cb, or to
// Errors() when cb is nil. cb runs exactly once.
func (s *Socket) Send(payload any, cb SendCallback) error {
	return s.send(payload, nil, cb)
}

// SendTo sends payload to host:port. An empty host means the family's
// loopback address. The socket must not be connected.
func (s *Socket) SendTo(payload any, port int, host string, cb SendCallback) error {
	if host == "" {
		host = addr.Loopback(s.family).String()
	}
	return s.send(payload, &destination{host: host, port: port}, cb)
}

func (s *Socket) send(payload any, dest *destination, cb SendCallback) error {
	chunks, err := toChunks(payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed("send")
	}
	if err := s.checkDestinationLocked(dest); err != nil {
		return err
	}

	req := &sendRequest{chunks: chunks, dest: dest, cb: cb}
	switch s.bindState {
	case Unbound:
		if err := s.checkUnboundLocked("send"); err != nil {
			return err
		}
		s.implicitBindLocked()
		s.deferSendLocked(req)
	case Binding:
		s.deferSendLocked(req)
	default:
		s.dispatchLocked(req)
	}
	return nil
}

// checkDestinationLocked enforces that a send names a destination exactly
// when the socket is not connected.
func (s *Socket) checkDestinationLocked(dest *destination) error {
	connected := s.connectState == Connected
	switch {
	case connected && dest != nil:
		return errors.NewState(errors.AlreadyConnected, "send", "destination given on a connected socket")
	case !connected && dest == nil:
		return errors.NewValidation(errors.InvalidAddress, "port", nil, "destination required on a socket that is not connected")
	case dest != nil:
		return addr.ValidatePort(dest.port, false)
	}
	return nil
}

func (s *Socket) deferSendLocked(req *sendRequest) {
	req.own()
	s.deferUntilBoundLocked(pendingOp{
		name:  "send",
		run:   func() { s.replaySendLocked(req) },
		abort: func(err error) { s.completeSendLocked(req, 0, err) },
	})
}

// replaySendLocked re-runs a deferred send after the bind. The connect
// state may have changed while it waited.
func (s *Socket) replaySendLocked(req *sendRequest) {
	if err := s.checkDestinationLocked(req.dest); err != nil {
		s.completeSendLocked(req, 0, err)
		return
	}
	s.dispatchLocked(req)
}

// dispatchLocked resolves the destination if needed and hands the datagram
// to the transport. Numeric destinations are sent before it returns, so
// sends reach the transport in issue order.
func (s *Socket) dispatchLocked(req *sendRequest) {
	if req.dest == nil {
		s.transmitLocked(req, nil)
		return
	}

	host, port := req.dest.host, req.dest.port
	if resolver.Numeric(host) {
		ip, err := resolver.Resolve(s.ctx, nil, host, s.family)
		if err != nil {
			s.completeSendLocked(req, 0, err)
			return
		}
		to := netip.AddrPortFrom(ip, uint16(port))
		s.transmitLocked(req, &to)
		return
	}

	req.own()
	s.lookupLocked(host, func(ip netip.Addr, err error) {
		switch {
		case s.closed:
			s.completeSendLocked(req, 0, errClosed("send"))
		case err != nil:
			s.metrics.Failed(s.family.String(), "lookup")
			s.completeSendLocked(req, 0, err)
		default:
			to := netip.AddrPortFrom(ip, uint16(port))
			s.transmitLocked(req, &to)
		}
	})
}

func (s *Socket) transmitLocked(req *sendRequest, to *netip.AddrPort) {
	var (
		host string
		port int
	)
	if to != nil {
		host, port = to.Addr().String(), int(to.Port())
	}

	s.touchLocked()
	res, err := s.handle.Send(req.chunks, to, func(n int, err error) {
		s.sched.Schedule(s.locked(func() {
			s.finishAsyncSendLocked(req, n, err, host, port)
		}))
	})
	if err != nil {
		s.metrics.Failed(s.family.String(), "send")
		s.completeSendLocked(req, 0, transportErr("send", err, host, port))
		return
	}
	if res.Sync {
		s.metrics.Sent(s.family.String(), res.Bytes)
		s.completeSendLocked(req, res.Bytes, nil)
	}
}

func (s *Socket) finishAsyncSendLocked(req *sendRequest, n int, err error, host string, port int) {
	switch {
	case s.closed:
		s.completeSendLocked(req, 0, errClosed("send"))
	case err != nil:
		s.metrics.Failed(s.family.String(), "send")
		s.completeSendLocked(req, 0, transportErr("send", err, host, port))
	default:
		s.metrics.Sent(s.family.String(), n)
		s.completeSendLocked(req, n, nil)
	}
}

// completeSendLocked settles req. Later calls for the same request are
// ignored.
func (s *Socket) completeSendLocked(req *sendRequest, n int, err error) {
	if !req.done.CompareAndSwap(false, true) {
		return
	}
	if req.cb != nil {
		cb := req.cb
		s.sched.Schedule(func() { cb(n, err) })
		return
	}
	if err != nil {
		s.emitErrorLocked(err)
	}
}

// own copies the payload so the caller may reuse its buffers while the
// send waits.
func (r *sendRequest) own() {
	if r.owned {
		return
	}
	chunks := make([][]byte, len(r.chunks))
	for i, c := range r.chunks {
		chunks[i] = append([]byte(nil), c...)
	}
	r.chunks = chunks
	r.owned = true
}

// toChunks normalizes a payload into the buffers handed to the transport.
// An empty list becomes one empty chunk.
func toChunks(payload any) ([][]byte, error) {
	var chunks [][]byte
	switch p := payload.(type) {
	case nil:
		return nil, errors.NewValidation(errors.NullPayload, "payload", nil, "payload must not be nil")
	case string:
		chunks = [][]byte{[]byte(p)}
	case []byte:
		chunks = [][]byte{p}
	case [][]byte:
		chunks = p
	case []string:
		chunks = make([][]byte, len(p))
		for i, str := range p {
			chunks[i] = []byte(str)
		}
	case []any:
		chunks = make([][]byte, len(p))
		for i, item := range p {
			switch v := item.(type) {
			case string:
				chunks[i] = []byte(v)
			case []byte:
				chunks[i] = v
			default:
				return nil, errors.NewValidation(errors.UnsupportedPayloadType, fmt.Sprintf("payload[%d]", i),
					fmt.Sprintf("%T", item), "chunks must be strings or byte slices")
			}
		}
	default:
		return nil, errors.NewValidation(errors.UnsupportedPayloadType, "payload", fmt.Sprintf("%T", payload),
			"must be a string, byte slice or list of those")
	}

	if len(chunks) == 0 {
		chunks = [][]byte{{}}
	}
	return chunks, nil
}
