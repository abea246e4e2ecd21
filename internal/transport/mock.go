package transport

import (
	"fmt"
	"net/netip"
	"sync"
	"syscall"

	"github.com/joshuafuller/dgram/internal/addr"
)

// SentDatagram is one datagram recorded by MockTransport.
type SentDatagram struct {
	Data []byte
	Dest *netip.AddrPort
}

// MockTransport is a Transport test double. It records every call in order,
// mimics kernel validation for TTLs and buffer sizes, and can fail any
// operation on demand.
type MockTransport struct {
	mu sync.Mutex

	// EphemeralPort is reported by LocalAddr after a bind to port 0.
	EphemeralPort int

	// AsyncSend makes Send complete through its SendFunc, released by
	// CompleteSends, instead of synchronously.
	AsyncSend bool

	calls       []string
	failures    map[string]error
	sent        []SentDatagram
	pendingDone []func()
	local       netip.AddrPort
	peer        netip.AddrPort
	bound       bool
	connected   bool
	receiving   bool
	onDatagram  ReceiveFunc
	onError     ErrorFunc
	bufferSizes map[bool]int
	refs        int
	closed      int
}

var _ Transport = (*MockTransport)(nil)

// NewMockTransport returns an unbound mock.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		EphemeralPort: 50000,
		failures:      make(map[string]error),
		bufferSizes:   map[bool]int{true: 212992, false: 212992},
		refs:          1,
	}
}

// Factory returns a Factory that always yields m.
func (m *MockTransport) Factory() Factory {
	return func(_ addr.Family) (Transport, error) { return m, nil }
}

// Fail makes every later call to op return err. A nil err clears it.
// Operation names match the method names in lower camel case
// ("bind", "connect", "send", "setMulticastTTL", ...).
func (m *MockTransport) Fail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// record logs a call and returns the injected failure for op, if any.
// Caller holds m.mu.
func (m *MockTransport) record(op, detail string) error {
	if detail != "" {
		m.calls = append(m.calls, op+" "+detail)
	} else {
		m.calls = append(m.calls, op)
	}
	return m.failures[op]
}

// Calls returns the call log.
func (m *MockTransport) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Sent returns the datagrams accepted by Send.
func (m *MockTransport) Sent() []SentDatagram {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentDatagram(nil), m.sent...)
}

// SentPayloads returns the sent datagrams as strings.
func (m *MockTransport) SentPayloads() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	for i, d := range m.sent {
		out[i] = string(d.Data)
	}
	return out
}

// Receiving reports whether StartReceiving is in effect.
func (m *MockTransport) Receiving() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.receiving
}

// Closed reports how many times Close was called.
func (m *MockTransport) Closed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Refs reports the keep-alive hint (1 after Ref, 0 after Unref).
func (m *MockTransport) Refs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs
}

// Deliver injects an inbound datagram. It reports false when the mock is
// not receiving.
func (m *MockTransport) Deliver(d Datagram) bool {
	m.mu.Lock()
	fn := m.onDatagram
	receiving := m.receiving
	m.mu.Unlock()

	if !receiving || fn == nil {
		return false
	}
	fn(d)
	return true
}

// DeliverError injects a reader error.
func (m *MockTransport) DeliverError(err error) {
	m.mu.Lock()
	fn := m.onError
	m.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// CompleteSends releases every pending asynchronous send completion.
func (m *MockTransport) CompleteSends() int {
	m.mu.Lock()
	pending := m.pendingDone
	m.pendingDone = nil
	m.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
	return len(pending)
}

func (m *MockTransport) Bind(ip netip.Addr, port int, flags BindFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	detail := netip.AddrPortFrom(ip, uint16(port)).String()
	if flags.ReuseAddr {
		detail += " reuseaddr"
	}
	if flags.ReusePort {
		detail += " reuseport"
	}
	if flags.IPv6Only {
		detail += " v6only"
	}
	if err := m.record("bind", detail); err != nil {
		return err
	}
	if m.bound {
		return syscall.EINVAL
	}
	if port == 0 {
		port = m.EphemeralPort
	}
	m.local = netip.AddrPortFrom(ip, uint16(port))
	m.bound = true
	return nil
}

func (m *MockTransport) Open(fd int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record("open", fmt.Sprint(fd)); err != nil {
		return err
	}
	if fd < 0 {
		return syscall.EBADF
	}
	m.local = netip.AddrPortFrom(netip.IPv4Unspecified(), uint16(m.EphemeralPort))
	m.bound = true
	return nil
}

func (m *MockTransport) Connect(ip netip.Addr, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	peer := netip.AddrPortFrom(ip, uint16(port))
	if err := m.record("connect", peer.String()); err != nil {
		return err
	}
	if !m.bound {
		return syscall.EBADF
	}
	m.peer = peer
	m.connected = true
	return nil
}

func (m *MockTransport) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record("disconnect", ""); err != nil {
		return err
	}
	m.peer = netip.AddrPort{}
	m.connected = false
	return nil
}

func (m *MockTransport) Send(bufs [][]byte, dest *netip.AddrPort, done SendFunc) (SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	packet, release := Concat(bufs)
	data := append([]byte(nil), packet...)
	release()

	target := "peer"
	if dest != nil {
		target = dest.String()
	}
	if err := m.record("send", target+" "+string(data)); err != nil {
		return SendResult{}, err
	}
	if !m.bound {
		return SendResult{}, syscall.EBADF
	}
	if dest == nil && !m.connected {
		return SendResult{}, syscall.EDESTADDRREQ
	}

	var d *netip.AddrPort
	if dest != nil {
		cp := *dest
		d = &cp
	}
	m.sent = append(m.sent, SentDatagram{Data: data, Dest: d})

	if m.AsyncSend && done != nil {
		n := len(data)
		m.pendingDone = append(m.pendingDone, func() { done(n, nil) })
		return SendResult{Sync: false}, nil
	}
	return SendResult{Sync: true, Bytes: len(data)}, nil
}

func (m *MockTransport) StartReceiving(onDatagram ReceiveFunc, onError ErrorFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record("startReceiving", ""); err != nil {
		return err
	}
	m.receiving = true
	m.onDatagram = onDatagram
	m.onError = onError
	return nil
}

func (m *MockTransport) StopReceiving() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record("stopReceiving", ""); err != nil {
		return err
	}
	m.receiving = false
	m.onDatagram = nil
	m.onError = nil
	return nil
}

func (m *MockTransport) LocalAddr() (netip.AddrPort, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.bound {
		return netip.AddrPort{}, syscall.EBADF
	}
	return m.local, nil
}

func (m *MockTransport) RemoteAddr() (netip.AddrPort, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return netip.AddrPort{}, syscall.ENOTCONN
	}
	return m.peer, nil
}

func (m *MockTransport) BufferSize(recv bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failures["bufferSize"]; err != nil {
		return 0, err
	}
	if !m.bound {
		return 0, syscall.EBADF
	}
	return m.bufferSizes[recv], nil
}

func (m *MockTransport) SetBufferSize(size int, recv bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kind := "send"
	if recv {
		kind = "recv"
	}
	if err := m.record("setBufferSize", fmt.Sprintf("%s %d", kind, size)); err != nil {
		return err
	}
	if !m.bound {
		return syscall.EBADF
	}
	// Linux doubles the requested value to account for bookkeeping overhead.
	m.bufferSizes[recv] = size * 2
	return nil
}

func (m *MockTransport) AddMembership(group netip.Addr, iface string) error {
	return m.boundCall("addMembership", group.String()+" "+iface)
}

func (m *MockTransport) DropMembership(group netip.Addr, iface string) error {
	return m.boundCall("dropMembership", group.String()+" "+iface)
}

func (m *MockTransport) AddSourceSpecificMembership(source, group netip.Addr, iface string) error {
	return m.boundCall("addSourceSpecificMembership", source.String()+" "+group.String()+" "+iface)
}

func (m *MockTransport) DropSourceSpecificMembership(source, group netip.Addr, iface string) error {
	return m.boundCall("dropSourceSpecificMembership", source.String()+" "+group.String()+" "+iface)
}

func (m *MockTransport) SetMulticastInterface(iface string) error {
	return m.boundCall("setMulticastInterface", iface)
}

func (m *MockTransport) SetMulticastLoopback(on bool) error {
	return m.boundCall("setMulticastLoopback", fmt.Sprint(on))
}

func (m *MockTransport) SetMulticastTTL(ttl int) error {
	if ttl < 0 || ttl > 255 {
		m.mu.Lock()
		m.record("setMulticastTTL", fmt.Sprint(ttl))
		m.mu.Unlock()
		return syscall.EINVAL
	}
	return m.boundCall("setMulticastTTL", fmt.Sprint(ttl))
}

func (m *MockTransport) SetTTL(ttl int) error {
	if ttl < 1 || ttl > 255 {
		m.mu.Lock()
		m.record("setTTL", fmt.Sprint(ttl))
		m.mu.Unlock()
		return syscall.EINVAL
	}
	return m.boundCall("setTTL", fmt.Sprint(ttl))
}

func (m *MockTransport) SetBroadcast(on bool) error {
	return m.boundCall("setBroadcast", fmt.Sprint(on))
}

func (m *MockTransport) boundCall(op, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record(op, detail); err != nil {
		return err
	}
	if !m.bound {
		return syscall.EBADF
	}
	return nil
}

func (m *MockTransport) Ref() {
	m.mu.Lock()
	m.refs = 1
	m.record("ref", "")
	m.mu.Unlock()
}

func (m *MockTransport) Unref() {
	m.mu.Lock()
	m.refs = 0
	m.record("unref", "")
	m.mu.Unlock()
}

func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed++
	m.receiving = false
	m.onDatagram = nil
	return m.record("close", "")
}
