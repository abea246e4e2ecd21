// Package errors defines the error taxonomy shared by the datagram socket,
// its transport and its resolvers.
//
// Every error produced by this module carries a Kind. Kinds are themselves
// errors, so callers classify failures with the standard library:
//
//	if goerrors.Is(err, errors.AlreadyBound) {
//	    // second bind on the same socket
//	}
//
// Three concrete shapes exist:
//   - StateError: the operation is not valid in the socket's current state
//   - ValidationError: an argument was rejected before anything was dispatched
//   - NetworkError: the transport or resolver failed (always carries the syscall)
package errors

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind classifies a failure independently of its message text.
type Kind int

const (
	// Unknown is the zero Kind and never produced deliberately.
	Unknown Kind = iota

	// AlreadyBound: bind called when the socket is not Unbound.
	AlreadyBound

	// AlreadyConnected: connect called when the socket is not Disconnected,
	// or an explicit destination supplied to a connected socket.
	AlreadyConnected

	// NotConnected: disconnect or remote-address query without a fixed peer.
	NotConnected

	// NotRunning: the socket is closed or has no transport handle.
	NotRunning

	// InvalidAddress: malformed IP literal, server list entry, or an
	// out-of-range port/TTL value.
	InvalidAddress

	// BadBufferSize: a buffer size that is not a valid non-negative integer.
	BadBufferSize

	// BufferSizeUnavailable: the transport rejected a buffer size query or update.
	BufferSizeUnavailable

	// HostLookupFailure: the resolver failed for a bind, connect or send destination.
	HostLookupFailure

	// TransportFailure: the transport returned an OS-level error.
	TransportFailure

	// NullPayload: send called with a nil payload.
	NullPayload

	// UnsupportedPayloadType: send payload is not a string, byte slice or list of those.
	UnsupportedPayloadType
)

var kindNames = map[Kind]string{
	Unknown:                "unknown",
	AlreadyBound:           "socket already bound",
	AlreadyConnected:       "socket already connected",
	NotConnected:           "socket not connected",
	NotRunning:             "socket not running",
	InvalidAddress:         "invalid address",
	BadBufferSize:          "bad buffer size",
	BufferSizeUnavailable:  "buffer size unavailable",
	HostLookupFailure:      "host lookup failed",
	TransportFailure:       "transport failure",
	NullPayload:            "null payload",
	UnsupportedPayloadType: "unsupported payload type",
}

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Error makes a Kind usable as an errors.Is target.
func (k Kind) Error() string { return k.String() }

// KindOf reports the Kind carried by err, or Unknown.
func KindOf(err error) Kind {
	switch e := err.(type) {
	case nil:
		return Unknown
	case Kind:
		return e
	case *StateError:
		return e.Kind
	case *ValidationError:
		return e.Kind
	case *NetworkError:
		return e.Kind
	}
	if u, ok := err.(interface{ Unwrap() error }); ok {
		return KindOf(u.Unwrap())
	}
	return Unknown
}

// StateError reports an operation that is invalid in the socket's current
// bind/connect/close state. It is always raised synchronously.
type StateError struct {
	Kind      Kind
	Operation string
	Message   string
}

func (e *StateError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Operation != "" {
		b.WriteString(" (")
		b.WriteString(e.Operation)
		b.WriteString(")")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Is matches the error's Kind.
func (e *StateError) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// ValidationError reports an argument rejected before any I/O happened.
type ValidationError struct {
	Kind    Kind
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s %v: %s", e.Kind, e.Field, e.Value, e.Message)
}

// Is matches the error's Kind.
func (e *ValidationError) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// NetworkError reports a failure of the transport or the resolver.
//
// Operation names the failing primitive ("bind", "connect", "send",
// "getaddrinfo", "setsockopt", ...). Address and Port carry the host/port
// context when the operation had one.
type NetworkError struct {
	Kind      Kind
	Operation string
	Address   string
	Port      int
	Err       error
	Details   string
}

func (e *NetworkError) Error() string {
	var b strings.Builder
	b.WriteString(e.Operation)
	if e.Address != "" {
		b.WriteString(" ")
		b.WriteString(e.Address)
		if e.Port > 0 {
			b.WriteString(":")
			b.WriteString(strconv.Itoa(e.Port))
		}
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Details != "" {
		b.WriteString(" (")
		b.WriteString(e.Details)
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *NetworkError) Unwrap() error { return e.Err }

// Is matches the error's Kind.
func (e *NetworkError) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// NewState builds a StateError.
func NewState(kind Kind, op, msg string) *StateError {
	return &StateError{Kind: kind, Operation: op, Message: msg}
}

// NewValidation builds a ValidationError.
func NewValidation(kind Kind, field string, value interface{}, msg string) *ValidationError {
	return &ValidationError{Kind: kind, Field: field, Value: value, Message: msg}
}

// Transport wraps err as a TransportFailure for the given syscall.
// A nil err yields nil.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	return &NetworkError{Kind: TransportFailure, Operation: op, Err: err}
}

// TransportHostPort wraps err as a TransportFailure carrying host/port context.
func TransportHostPort(op string, err error, address string, port int) error {
	if err == nil {
		return nil
	}
	return &NetworkError{Kind: TransportFailure, Operation: op, Address: address, Port: port, Err: err}
}

// Lookup wraps a resolver failure for host.
func Lookup(host string, err error) error {
	return &NetworkError{Kind: HostLookupFailure, Operation: "getaddrinfo", Address: host, Err: err}
}
