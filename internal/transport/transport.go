// Package transport provides the OS-level datagram primitive consumed by
// udp.Socket.
//
// This package decouples the socket state machine from the network stack,
// enabling the production UDP transport and a recording mock for tests.
// A Transport performs no state-machine checks of its own: ordering, bind
// discipline and connect discipline belong to the socket that owns it.
package transport

import (
	"net/netip"

	"github.com/joshuafuller/dgram/internal/addr"
)

// BindFlags are the socket options applied before bind(2).
type BindFlags struct {
	// ReuseAddr sets SO_REUSEADDR so several sockets may bind the same
	// address/port (required for multicast listeners sharing a port).
	ReuseAddr bool

	// ReusePort sets SO_REUSEPORT where the platform supports it.
	ReusePort bool

	// IPv6Only sets IPV6_V6ONLY on IPv6 sockets, disabling dual-stack
	// reception of IPv4-mapped traffic. Ignored for IPv4 sockets.
	IPv6Only bool
}

// Datagram is one inbound packet.
type Datagram struct {
	// Data is owned by the receiver; the transport never reuses it.
	Data []byte

	// Source is the sender's address and port.
	Source netip.AddrPort

	// InterfaceIndex is the OS index of the receiving interface
	// (IP_PKTINFO / IPV6_PKTINFO). Zero means unknown.
	InterfaceIndex int
}

// SendResult reports how a Send completed.
//
// When Sync is true the datagram was written before Send returned and
// Bytes holds the count; the SendFunc passed to Send is never called.
// When Sync is false the transport calls the SendFunc exactly once later,
// from any goroutine.
type SendResult struct {
	Sync  bool
	Bytes int
}

// SendFunc receives an asynchronous send completion.
type SendFunc func(n int, err error)

// ReceiveFunc receives inbound datagrams. It is called from the transport's
// reader goroutine and must not block.
type ReceiveFunc func(Datagram)

// ErrorFunc receives errors from the reader goroutine that do not stop it.
type ErrorFunc func(error)

// Transport abstracts the datagram socket primitives.
//
// Errors returned by the production implementation are
// *errors.NetworkError values carrying the failing syscall name. Other
// implementations may return plain errors; the socket wraps them.
type Transport interface {
	// Bind creates the OS socket and binds it to ip:port. Port 0 lets the
	// OS choose an ephemeral port.
	Bind(ip netip.Addr, port int, flags BindFlags) error

	// Open adopts an already-bound datagram descriptor instead of binding.
	Open(fd int) error

	// Connect fixes ip:port as the default peer.
	Connect(ip netip.Addr, port int) error

	// Disconnect clears the fixed peer.
	Disconnect() error

	// Send writes the concatenation of bufs as a single datagram. A nil dest
	// sends to the connected peer.
	Send(bufs [][]byte, dest *netip.AddrPort, done SendFunc) (SendResult, error)

	// StartReceiving begins delivering inbound datagrams to onDatagram.
	StartReceiving(onDatagram ReceiveFunc, onError ErrorFunc) error

	// StopReceiving stops delivery; no onDatagram call starts after it returns.
	StopReceiving() error

	// LocalAddr returns the bound address (getsockname).
	LocalAddr() (netip.AddrPort, error)

	// RemoteAddr returns the connected peer (getpeername).
	RemoteAddr() (netip.AddrPort, error)

	// BufferSize returns SO_RCVBUF (recv) or SO_SNDBUF.
	BufferSize(recv bool) (int, error)

	// SetBufferSize sets SO_RCVBUF (recv) or SO_SNDBUF.
	SetBufferSize(size int, recv bool) error

	// Multicast group membership (RFC 3376 / RFC 3810). iface is an
	// interface address or name; empty lets the OS choose.
	AddMembership(group netip.Addr, iface string) error
	DropMembership(group netip.Addr, iface string) error

	// Source-specific membership (RFC 4607).
	AddSourceSpecificMembership(source, group netip.Addr, iface string) error
	DropSourceSpecificMembership(source, group netip.Addr, iface string) error

	SetMulticastInterface(iface string) error
	SetMulticastLoopback(on bool) error
	SetMulticastTTL(ttl int) error
	SetTTL(ttl int) error
	SetBroadcast(on bool) error

	// Ref and Unref are keep-alive hints; they never affect I/O.
	Ref()
	Unref()

	// Close releases the OS socket. It is safe to call more than once.
	Close() error
}

// Factory creates an unbound transport for a socket of the given family.
type Factory func(family addr.Family) (Transport, error)
