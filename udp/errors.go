package udp

import "github.com/joshuafuller/dgram/internal/errors"

// Error kinds. Every error returned or delivered by a Socket matches exactly
// one of these with errors.Is.
const (
	ErrAlreadyBound           = errors.AlreadyBound
	ErrAlreadyConnected       = errors.AlreadyConnected
	ErrNotConnected           = errors.NotConnected
	ErrNotRunning             = errors.NotRunning
	ErrInvalidAddress         = errors.InvalidAddress
	ErrBadBufferSize          = errors.BadBufferSize
	ErrBufferSizeUnavailable  = errors.BufferSizeUnavailable
	ErrHostLookupFailure      = errors.HostLookupFailure
	ErrTransportFailure       = errors.TransportFailure
	ErrNullPayload            = errors.NullPayload
	ErrUnsupportedPayloadType = errors.UnsupportedPayloadType
)

// ErrorKind classifies an error.
type ErrorKind = errors.Kind

// Concrete error shapes, for errors.As.
type (
	StateError      = errors.StateError
	ValidationError = errors.ValidationError
	NetworkError    = errors.NetworkError
)

// KindOf returns the kind of err, or the zero kind if err did not come from
// this package.
func KindOf(err error) ErrorKind {
	return errors.KindOf(err)
}

// transportErr attaches host/port context to a transport error. Errors that
// are not already NetworkErrors are wrapped as TransportFailure for op.
func transportErr(op string, err error, host string, port int) error {
	if err == nil {
		return nil
	}
	if ne, ok := err.(*errors.NetworkError); ok {
		cp := *ne
		if cp.Address == "" {
			cp.Address = host
		}
		if cp.Port == 0 {
			cp.Port = port
		}
		return &cp
	}
	return errors.TransportHostPort(op, err, host, port)
}

func errClosed(op string) error {
	return errors.NewState(errors.NotRunning, op, "socket is closed")
}
