package transport

import (
	"context"
	goerrors "errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/joshuafuller/dgram/internal/addr"
	"github.com/joshuafuller/dgram/internal/errors"
)

// UDPTransport implements Transport over a kernel UDP socket.
//
// This implementation:
//   - Creates the socket through net.ListenConfig so SO_REUSEADDR,
//     SO_REUSEPORT and IPV6_V6ONLY are applied before bind(2)
//   - Wraps the connection with ipv4.PacketConn / ipv6.PacketConn for
//     multicast membership, TTL/hop limit and control message access
//   - Extracts the receiving interface index from IP_PKTINFO / IP_RECVIF
//   - Runs one reader goroutine per socket while receiving
type UDPTransport struct {
	family addr.Family

	mu        sync.Mutex
	conn      *net.UDPConn
	ipv4Conn  *ipv4.PacketConn // set for V4 sockets
	ipv6Conn  *ipv6.PacketConn // set for V6 sockets
	peer      netip.AddrPort
	connected bool
	closed    bool
	refed     bool

	receiving atomic.Bool
	readers   conc.WaitGroup
}

// NewUDPTransport returns an unbound transport for family. The OS socket is
// created by Bind or adopted by Open.
func NewUDPTransport(family addr.Family) (Transport, error) {
	return &UDPTransport{family: family, refed: true}, nil
}

var _ Transport = (*UDPTransport)(nil)

func errNotBound(op string) error {
	return &errors.NetworkError{
		Kind:      errors.TransportFailure,
		Operation: op,
		Err:       syscall.EBADF,
		Details:   "socket is not bound",
	}
}

// Bind creates and binds the OS socket.
func (t *UDPTransport) Bind(ip netip.Addr, port int, flags BindFlags) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return &errors.NetworkError{Kind: errors.TransportFailure, Operation: "bind", Err: net.ErrClosed}
	}
	if t.conn != nil {
		return &errors.NetworkError{Kind: errors.TransportFailure, Operation: "bind", Err: syscall.EINVAL,
			Details: "transport already bound"}
	}

	lc := listenConfig(bindControlFns(t.family, flags)...)
	address := net.JoinHostPort(ip.String(), strconv.Itoa(port))

	// Connection ownership transferred to UDPTransport, closed via t.Close().
	pc, err := lc.ListenPacket(context.Background(), t.family.Network(), address)
	if err != nil {
		return &errors.NetworkError{
			Kind:      errors.TransportFailure,
			Operation: "bind",
			Address:   ip.String(),
			Port:      port,
			Err:       unwrapOpError(err),
		}
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return &errors.NetworkError{Kind: errors.TransportFailure, Operation: "bind", Err: syscall.EPROTOTYPE,
			Details: fmt.Sprintf("unexpected connection type %T", pc)}
	}

	t.attach(conn)
	return nil
}

// Open adopts an already-open datagram descriptor. Ownership of fd passes to
// the transport: it is duplicated into the connection and the original closed.
func (t *UDPTransport) Open(fd int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.conn != nil {
		return &errors.NetworkError{Kind: errors.TransportFailure, Operation: "open", Err: syscall.EINVAL}
	}

	f := os.NewFile(uintptr(fd), "udp")
	if f == nil {
		return &errors.NetworkError{Kind: errors.TransportFailure, Operation: "open", Err: syscall.EBADF}
	}
	pc, err := net.FilePacketConn(f)
	_ = f.Close()
	if err != nil {
		return &errors.NetworkError{Kind: errors.TransportFailure, Operation: "open", Err: unwrapOpError(err)}
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return &errors.NetworkError{Kind: errors.TransportFailure, Operation: "open", Err: syscall.EPROTOTYPE,
			Details: "descriptor is not a UDP socket"}
	}

	t.attach(conn)
	return nil
}

// attach wraps conn for control message access. Caller holds t.mu.
func (t *UDPTransport) attach(conn *net.UDPConn) {
	t.conn = conn

	// Interface index in control messages is best-effort: platforms without
	// IP_PKTINFO/IP_RECVIF degrade to InterfaceIndex=0.
	if t.family == addr.V6 {
		t.ipv6Conn = ipv6.NewPacketConn(conn)
		_ = t.ipv6Conn.SetControlMessage(ipv6.FlagInterface, true)
	} else {
		t.ipv4Conn = ipv4.NewPacketConn(conn)
		_ = t.ipv4Conn.SetControlMessage(ipv4.FlagInterface, true)
	}
}

// Connect associates the socket with a fixed peer via connect(2).
func (t *UDPTransport) Connect(ip netip.Addr, port int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return errNotBound("connect")
	}

	if t.family == addr.V6 && ip.Is4() {
		ip = netip.AddrFrom16(ip.As16())
	}

	err := control(t.conn, func(fd uintptr) error {
		return connectFD(fd, ip, port)
	})
	if err != nil {
		return &errors.NetworkError{
			Kind:      errors.TransportFailure,
			Operation: "connect",
			Address:   ip.String(),
			Port:      port,
			Err:       err,
		}
	}

	t.peer = netip.AddrPortFrom(ip, uint16(port))
	t.connected = true
	return nil
}

// Disconnect dissolves the peer association (connect(2) with AF_UNSPEC).
func (t *UDPTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return errNotBound("disconnect")
	}

	if err := control(t.conn, disconnectFD); err != nil {
		return &errors.NetworkError{Kind: errors.TransportFailure, Operation: "disconnect", Err: err}
	}

	t.peer = netip.AddrPort{}
	t.connected = false
	return nil
}

// Send writes one datagram synchronously. The done callback is never used:
// UDP sends either complete or fail inside the syscall.
func (t *UDPTransport) Send(bufs [][]byte, dest *netip.AddrPort, _ SendFunc) (SendResult, error) {
	t.mu.Lock()
	conn := t.conn
	connected := t.connected
	t.mu.Unlock()

	if conn == nil {
		return SendResult{}, errNotBound("send")
	}

	packet, release := Concat(bufs)
	defer release()

	var (
		n   int
		err error
	)
	switch {
	case dest != nil:
		to := *dest
		if t.family == addr.V6 && to.Addr().Is4() {
			to = netip.AddrPortFrom(netip.AddrFrom16(to.Addr().As16()), to.Port())
		}
		n, err = conn.WriteToUDPAddrPort(packet, to)
	case connected:
		n, err = conn.Write(packet)
	default:
		return SendResult{}, &errors.NetworkError{Kind: errors.TransportFailure, Operation: "send",
			Err: syscall.EDESTADDRREQ}
	}

	if err != nil {
		ne := &errors.NetworkError{
			Kind:      errors.TransportFailure,
			Operation: "send",
			Err:       unwrapOpError(err),
			Details:   fmt.Sprintf("failed to send %d bytes", len(packet)),
		}
		if dest != nil {
			ne.Address = dest.Addr().String()
			ne.Port = int(dest.Port())
		}
		return SendResult{}, ne
	}

	return SendResult{Sync: true, Bytes: n}, nil
}

// StartReceiving starts the reader goroutine.
func (t *UDPTransport) StartReceiving(onDatagram ReceiveFunc, onError ErrorFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return errNotBound("recv_start")
	}
	if !t.receiving.CompareAndSwap(false, true) {
		return nil
	}

	// Clear any deadline left behind by a previous StopReceiving.
	_ = t.conn.SetReadDeadline(time.Time{})

	t.readers.Go(func() {
		t.readLoop(onDatagram, onError)
	})
	return nil
}

func (t *UDPTransport) readLoop(onDatagram ReceiveFunc, onError ErrorFunc) {
	bufPtr := GetBuffer()
	defer PutBuffer(bufPtr)
	buffer := *bufPtr

	for t.receiving.Load() {
		n, ifIndex, src, err := t.readFrom(buffer)
		if err != nil {
			if !t.receiving.Load() || goerrors.Is(err, net.ErrClosed) {
				return
			}
			// ICMP port unreachable from an earlier send on a connected socket
			// surfaces as ECONNREFUSED on the next read; it does not end the loop.
			if onError != nil {
				onError(&errors.NetworkError{Kind: errors.TransportFailure, Operation: "recvmsg", Err: unwrapOpError(err)})
			}
			continue
		}

		// Pool owns buffer, receiver owns the copy.
		data := make([]byte, n)
		copy(data, buffer[:n])
		onDatagram(Datagram{Data: data, Source: src, InterfaceIndex: ifIndex})
	}
}

func (t *UDPTransport) readFrom(buffer []byte) (int, int, netip.AddrPort, error) {
	var (
		n       int
		ifIndex int
		from    net.Addr
		err     error
	)
	if t.ipv6Conn != nil {
		var cm *ipv6.ControlMessage
		n, cm, from, err = t.ipv6Conn.ReadFrom(buffer)
		if cm != nil {
			ifIndex = cm.IfIndex
		}
	} else {
		var cm *ipv4.ControlMessage
		n, cm, from, err = t.ipv4Conn.ReadFrom(buffer)
		if cm != nil {
			ifIndex = cm.IfIndex
		}
	}
	if err != nil {
		return 0, 0, netip.AddrPort{}, err
	}

	var src netip.AddrPort
	if udpAddr, ok := from.(*net.UDPAddr); ok {
		src = t.normalize(udpAddr.AddrPort())
	}
	return n, ifIndex, src, nil
}

// normalize reports IPv4 sockets' addresses in 4-byte form; the platform
// may hand them over IPv4-mapped.
func (t *UDPTransport) normalize(ap netip.AddrPort) netip.AddrPort {
	if t.family == addr.V4 {
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	return ap
}

// StopReceiving stops the reader goroutine and waits for it to exit.
func (t *UDPTransport) StopReceiving() error {
	if !t.receiving.CompareAndSwap(true, false) {
		return nil
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		// Unblock the pending read.
		_ = conn.SetReadDeadline(time.Now())
	}
	t.readers.Wait()
	return nil
}

// LocalAddr returns the bound address.
func (t *UDPTransport) LocalAddr() (netip.AddrPort, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return netip.AddrPort{}, errNotBound("getsockname")
	}
	udpAddr, ok := t.conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}, &errors.NetworkError{Kind: errors.TransportFailure, Operation: "getsockname",
			Err: syscall.EINVAL}
	}
	return t.normalize(udpAddr.AddrPort()), nil
}

// RemoteAddr returns the connected peer.
func (t *UDPTransport) RemoteAddr() (netip.AddrPort, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return netip.AddrPort{}, errNotBound("getpeername")
	}
	if !t.connected {
		return netip.AddrPort{}, &errors.NetworkError{Kind: errors.TransportFailure, Operation: "getpeername",
			Err: syscall.ENOTCONN}
	}
	return t.peer, nil
}

// BufferSize reads SO_RCVBUF or SO_SNDBUF.
func (t *UDPTransport) BufferSize(recv bool) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op := BufferOp(recv, false)
	if t.conn == nil {
		return 0, &errors.NetworkError{Kind: errors.BufferSizeUnavailable, Operation: op, Err: syscall.EBADF}
	}

	var size int
	err := control(t.conn, func(fd uintptr) error {
		var err error
		size, err = getBufferSize(fd, recv)
		return err
	})
	if err != nil {
		return 0, &errors.NetworkError{Kind: errors.BufferSizeUnavailable, Operation: op, Err: err}
	}
	return size, nil
}

// SetBufferSize writes SO_RCVBUF or SO_SNDBUF.
func (t *UDPTransport) SetBufferSize(size int, recv bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	op := BufferOp(recv, true)
	if t.conn == nil {
		return &errors.NetworkError{Kind: errors.BufferSizeUnavailable, Operation: op, Err: syscall.EBADF}
	}

	var err error
	if recv {
		err = t.conn.SetReadBuffer(size)
	} else {
		err = t.conn.SetWriteBuffer(size)
	}
	if err != nil {
		return &errors.NetworkError{Kind: errors.BufferSizeUnavailable, Operation: op, Err: unwrapOpError(err)}
	}
	return nil
}

// BufferOp names the socket option call behind a buffer size operation,
// for example "getsockopt SO_RCVBUF".
func BufferOp(recv, set bool) string {
	call := "getsockopt"
	if set {
		call = "setsockopt"
	}
	if recv {
		return call + " SO_RCVBUF"
	}
	return call + " SO_SNDBUF"
}

// AddMembership joins group on iface (IP_ADD_MEMBERSHIP / IPV6_JOIN_GROUP).
func (t *UDPTransport) AddMembership(group netip.Addr, iface string) error {
	return t.membership("addMembership", iface, func(ifi *net.Interface) error {
		g := &net.UDPAddr{IP: group.AsSlice()}
		if t.ipv6Conn != nil {
			return t.ipv6Conn.JoinGroup(ifi, g)
		}
		return t.ipv4Conn.JoinGroup(ifi, g)
	})
}

// DropMembership leaves group on iface.
func (t *UDPTransport) DropMembership(group netip.Addr, iface string) error {
	return t.membership("dropMembership", iface, func(ifi *net.Interface) error {
		g := &net.UDPAddr{IP: group.AsSlice()}
		if t.ipv6Conn != nil {
			return t.ipv6Conn.LeaveGroup(ifi, g)
		}
		return t.ipv4Conn.LeaveGroup(ifi, g)
	})
}

// AddSourceSpecificMembership joins (source, group) on iface (RFC 4607).
func (t *UDPTransport) AddSourceSpecificMembership(source, group netip.Addr, iface string) error {
	return t.membership("addSourceSpecificMembership", iface, func(ifi *net.Interface) error {
		g := &net.UDPAddr{IP: group.AsSlice()}
		s := &net.UDPAddr{IP: source.AsSlice()}
		if t.ipv6Conn != nil {
			return t.ipv6Conn.JoinSourceSpecificGroup(ifi, g, s)
		}
		return t.ipv4Conn.JoinSourceSpecificGroup(ifi, g, s)
	})
}

// DropSourceSpecificMembership leaves (source, group) on iface.
func (t *UDPTransport) DropSourceSpecificMembership(source, group netip.Addr, iface string) error {
	return t.membership("dropSourceSpecificMembership", iface, func(ifi *net.Interface) error {
		g := &net.UDPAddr{IP: group.AsSlice()}
		s := &net.UDPAddr{IP: source.AsSlice()}
		if t.ipv6Conn != nil {
			return t.ipv6Conn.LeaveSourceSpecificGroup(ifi, g, s)
		}
		return t.ipv4Conn.LeaveSourceSpecificGroup(ifi, g, s)
	})
}

// SetMulticastInterface selects the outgoing interface for multicast.
func (t *UDPTransport) SetMulticastInterface(iface string) error {
	return t.membership("setMulticastInterface", iface, func(ifi *net.Interface) error {
		if t.ipv6Conn != nil {
			return t.ipv6Conn.SetMulticastInterface(ifi)
		}
		return t.ipv4Conn.SetMulticastInterface(ifi)
	})
}

// SetMulticastLoopback toggles IP_MULTICAST_LOOP / IPV6_MULTICAST_LOOP.
func (t *UDPTransport) SetMulticastLoopback(on bool) error {
	return t.sockopt("setMulticastLoopback", func() error {
		if t.ipv6Conn != nil {
			return t.ipv6Conn.SetMulticastLoopback(on)
		}
		return t.ipv4Conn.SetMulticastLoopback(on)
	})
}

// SetMulticastTTL sets IP_MULTICAST_TTL / IPV6_MULTICAST_HOPS. Values
// outside 0..255 fail with EINVAL, as Linux does; some platforms store the
// option as a single byte and would truncate instead.
func (t *UDPTransport) SetMulticastTTL(ttl int) error {
	return t.sockopt("setMulticastTTL", func() error {
		if ttl < 0 || ttl > 255 {
			return syscall.EINVAL
		}
		if t.ipv6Conn != nil {
			return t.ipv6Conn.SetMulticastHopLimit(ttl)
		}
		return t.ipv4Conn.SetMulticastTTL(ttl)
	})
}

// SetTTL sets IP_TTL / IPV6_UNICAST_HOPS. Valid values are 1..255.
func (t *UDPTransport) SetTTL(ttl int) error {
	return t.sockopt("setTTL", func() error {
		if ttl < 1 || ttl > 255 {
			return syscall.EINVAL
		}
		if t.ipv6Conn != nil {
			return t.ipv6Conn.SetHopLimit(ttl)
		}
		return t.ipv4Conn.SetTTL(ttl)
	})
}

// SetBroadcast toggles SO_BROADCAST.
func (t *UDPTransport) SetBroadcast(on bool) error {
	return t.sockopt("setBroadcast", func() error {
		return control(t.conn, func(fd uintptr) error {
			return setBroadcast(fd, on)
		})
	})
}

// sockopt runs fn against the bound socket, wrapping its error.
func (t *UDPTransport) sockopt(op string, fn func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return errNotBound(op)
	}
	if err := fn(); err != nil {
		return &errors.NetworkError{Kind: errors.TransportFailure, Operation: op, Err: unwrapOpError(err)}
	}
	return nil
}

// membership resolves iface and runs fn against the bound socket.
func (t *UDPTransport) membership(op, iface string, fn func(*net.Interface) error) error {
	ifi, err := LookupInterface(iface)
	if err != nil {
		return &errors.NetworkError{Kind: errors.TransportFailure, Operation: op, Address: iface, Err: err}
	}
	return t.sockopt(op, func() error { return fn(ifi) })
}

// Ref marks the transport as keeping the process alive.
func (t *UDPTransport) Ref() {
	t.mu.Lock()
	t.refed = true
	t.mu.Unlock()
}

// Unref clears the keep-alive hint.
func (t *UDPTransport) Unref() {
	t.mu.Lock()
	t.refed = false
	t.mu.Unlock()
}

// Refed reports the current keep-alive hint.
func (t *UDPTransport) Refed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refed
}

// Close releases the OS socket and waits for the reader goroutine.
//
// Errors are propagated to the caller rather than swallowed.
func (t *UDPTransport) Close() error {
	t.receiving.Store(false)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	t.readers.Wait()

	if err != nil {
		return &errors.NetworkError{
			Kind:      errors.TransportFailure,
			Operation: "close",
			Err:       err,
			Details:   "failed to close UDP connection",
		}
	}
	return nil
}

// LookupInterface maps an interface designator to a *net.Interface.
//
// Accepted forms: "" (nil, OS default), an interface name ("eth0"), an
// IPv4/IPv6 address configured on the interface, or an IPv6 scoped
// address whose zone names the interface ("::%eth0", "fe80::1%2").
func LookupInterface(iface string) (*net.Interface, error) {
	if iface == "" {
		return nil, nil
	}

	ip, err := netip.ParseAddr(iface)
	if err != nil {
		return net.InterfaceByName(iface)
	}

	if zone := ip.Zone(); zone != "" {
		if idx, err := strconv.Atoi(zone); err == nil {
			return net.InterfaceByIndex(idx)
		}
		return net.InterfaceByName(zone)
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	want := ip.Unmap()
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if got, ok := netip.AddrFromSlice(ipnet.IP); ok && got.Unmap() == want {
				return &ifaces[i], nil
			}
		}
	}
	return nil, fmt.Errorf("no interface with address %s: %w", iface, syscall.EADDRNOTAVAIL)
}

// unwrapOpError strips *net.OpError so the errno surfaces as the cause.
func unwrapOpError(err error) error {
	var opErr *net.OpError
	if goerrors.As(err, &opErr) && opErr.Err != nil {
		var sysErr *os.SyscallError
		if goerrors.As(opErr.Err, &sysErr) && sysErr.Err != nil {
			return sysErr.Err
		}
		return opErr.Err
	}
	return err
}
