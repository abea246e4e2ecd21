package transport

import (
	goerrors "errors"
	"net/netip"
	"syscall"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/joshuafuller/dgram/internal/addr"
)

func TestMockTransport_RecordsCalls(t *testing.T) {
	m := NewMockTransport()

	if err := m.Bind(netip.MustParseAddr("0.0.0.0"), 0, BindFlags{ReuseAddr: true}); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if err := m.Connect(netip.MustParseAddr("127.0.0.1"), 9); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if _, err := m.Send([][]byte{[]byte("a"), []byte("b")}, nil, nil); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	_ = m.Close()

	want := []string{
		"bind 0.0.0.0:0 reuseaddr",
		"connect 127.0.0.1:9",
		"send peer ab",
		"close",
	}
	if diff := cmp.Diff(want, m.Calls()); diff != "" {
		t.Errorf("Calls() mismatch (-want +got):\n%s", diff)
	}

	local, err := m.LocalAddr()
	if err != nil {
		t.Fatalf("LocalAddr() error = %v", err)
	}
	if local.Port() != 50000 {
		t.Errorf("LocalAddr().Port() = %d, want ephemeral 50000", local.Port())
	}
}

func TestMockTransport_Fail(t *testing.T) {
	m := NewMockTransport()
	m.Fail("bind", syscall.EADDRINUSE)

	err := m.Bind(netip.IPv4Unspecified(), 53, BindFlags{})
	if !goerrors.Is(err, syscall.EADDRINUSE) {
		t.Fatalf("Bind() error = %v, want EADDRINUSE", err)
	}

	m.Fail("bind", nil)
	if err := m.Bind(netip.IPv4Unspecified(), 53, BindFlags{}); err != nil {
		t.Errorf("Bind() after clearing failure error = %v", err)
	}
}

func TestMockTransport_TTLValidation(t *testing.T) {
	m := NewMockTransport()
	if err := m.Bind(netip.IPv4Unspecified(), 0, BindFlags{}); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	if err := m.SetMulticastTTL(999); !goerrors.Is(err, syscall.EINVAL) {
		t.Errorf("SetMulticastTTL(999) error = %v, want EINVAL", err)
	}
	if err := m.SetMulticastTTL(0); err != nil {
		t.Errorf("SetMulticastTTL(0) error = %v", err)
	}
	if err := m.SetTTL(0); !goerrors.Is(err, syscall.EINVAL) {
		t.Errorf("SetTTL(0) error = %v, want EINVAL", err)
	}
	if err := m.SetTTL(64); err != nil {
		t.Errorf("SetTTL(64) error = %v", err)
	}
}

func TestMockTransport_AsyncSend(t *testing.T) {
	m := NewMockTransport()
	m.AsyncSend = true
	_ = m.Bind(netip.IPv4Unspecified(), 0, BindFlags{})

	dest := netip.MustParseAddrPort("127.0.0.1:7")
	var got []int
	res, err := m.Send([][]byte{[]byte("xyz")}, &dest, func(n int, err error) {
		if err != nil {
			t.Errorf("completion error = %v", err)
		}
		got = append(got, n)
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if res.Sync {
		t.Fatal("Send() completed synchronously in async mode")
	}
	if len(got) != 0 {
		t.Fatal("completion ran before CompleteSends()")
	}

	if n := m.CompleteSends(); n != 1 {
		t.Errorf("CompleteSends() = %d, want 1", n)
	}
	if diff := cmp.Diff([]int{3}, got); diff != "" {
		t.Errorf("completions mismatch (-want +got):\n%s", diff)
	}
}

func TestMockTransport_Deliver(t *testing.T) {
	m := NewMockTransport()
	_ = m.Bind(netip.IPv4Unspecified(), 0, BindFlags{})

	if m.Deliver(Datagram{Data: []byte("early")}) {
		t.Error("Deliver() before StartReceiving reported delivery")
	}

	var got []string
	_ = m.StartReceiving(func(d Datagram) { got = append(got, string(d.Data)) }, nil)
	m.Deliver(Datagram{Data: []byte("one")})
	_ = m.StopReceiving()
	m.Deliver(Datagram{Data: []byte("late")})

	if diff := cmp.Diff([]string{"one"}, got); diff != "" {
		t.Errorf("delivered mismatch (-want +got):\n%s", diff)
	}
}

func TestMockTransport_Factory(t *testing.T) {
	m := NewMockTransport()
	tr, err := m.Factory()(addr.V6)
	if err != nil {
		t.Fatalf("Factory() error = %v", err)
	}
	if tr != Transport(m) {
		t.Error("Factory() did not return the mock")
	}
}
