package udp

import (
	goerrors "errors"
	"syscall"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestConnect_Lifecycle(t *testing.T) {
	s, mock, sched := newTestSocket(t, V4)
	bindNow(t, s, sched)

	var cb errorCallback
	if err := s.Connect(9999, "127.0.0.1", cb.fn); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := s.ConnectState(); got != Connecting {
		t.Errorf("ConnectState() = %v, want connecting", got)
	}
	if _, err := s.RemoteAddress(); !goerrors.Is(err, ErrNotConnected) {
		t.Errorf("RemoteAddress() while connecting error = %v, want ErrNotConnected", err)
	}

	sched.RunUntilIdle()

	if calls, err := cb.result(); calls != 1 || err != nil {
		t.Fatalf("callback = (%d, %v), want (1, nil)", calls, err)
	}
	if got := s.ConnectState(); got != Connected {
		t.Errorf("ConnectState() = %v, want connected", got)
	}
	peer, err := s.RemoteAddress()
	if err != nil || peer.String() != "127.0.0.1:9999" {
		t.Errorf("RemoteAddress() = %v, %v, want 127.0.0.1:9999", peer, err)
	}

	if err := s.Send("ping", nil); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := s.Connect(1, "127.0.0.1", nil); !goerrors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second Connect() error = %v, want ErrAlreadyConnected", err)
	}

	if err := s.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if got := s.ConnectState(); got != Disconnected {
		t.Errorf("ConnectState() = %v, want disconnected", got)
	}
	if err := s.Disconnect(); !goerrors.Is(err, ErrNotConnected) {
		t.Errorf("second Disconnect() error = %v, want ErrNotConnected", err)
	}
	if _, err := s.RemoteAddress(); !goerrors.Is(err, ErrNotConnected) {
		t.Errorf("RemoteAddress() after disconnect error = %v, want ErrNotConnected", err)
	}

	want := []string{
		"bind 0.0.0.0:0",
		"startReceiving",
		"connect 127.0.0.1:9999",
		"send peer ping",
		"disconnect",
	}
	if diff := cmp.Diff(want, mock.Calls()); diff != "" {
		t.Errorf("transport calls mismatch (-want +got):\n%s", diff)
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestConnect_ConnectedSignal(t *testing.T) {
	s, _, sched := newTestSocket(t, V4)
	bindNow(t, s, sched)

	if err := s.Connect(9999, "127.0.0.1", nil); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if isClosed(s.Connected()) {
		t.Fatal("Connected() fired while connecting")
	}
	sched.RunUntilIdle()
	if !isClosed(s.Connected()) {
		t.Fatalf("Connected() not fired, ConnectState() = %v", s.ConnectState())
	}

	if err := s.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if isClosed(s.Connected()) {
		t.Error("Connected() still fired after Disconnect")
	}

	var cb errorCallback
	if err := s.Connect(9998, "127.0.0.1", cb.fn); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	sched.RunUntilIdle()
	if calls, err := cb.result(); calls != 1 || err != nil {
		t.Fatalf("callback = (%d, %v), want (1, nil)", calls, err)
	}
	if !isClosed(s.Connected()) {
		t.Error("Connected() not fired after reconnect")
	}
}

func TestConnect_ConnectedSignalNotFiredOnFailure(t *testing.T) {
	s, mock, sched := newTestSocket(t, V4)
	bindNow(t, s, sched)

	mock.Fail("connect", syscall.ENETUNREACH)
	if err := s.Connect(9, "127.0.0.1", nil); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	sched.RunUntilIdle()
	if isClosed(s.Connected()) {
		t.Error("Connected() fired after a failed connect")
	}
}

func TestConnect_ImplicitBind(t *testing.T) {
	s, mock, sched := newTestSocket(t, V6)

	var cb errorCallback
	if err := s.Connect(53, "", cb.fn); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := s.BindState(); got != Binding {
		t.Errorf("BindState() = %v, want binding", got)
	}
	sched.RunUntilIdle()

	want := []string{"bind [::]:0", "startReceiving", "connect [::1]:53"}
	if diff := cmp.Diff(want, mock.Calls()); diff != "" {
		t.Errorf("transport calls mismatch (-want +got):\n%s", diff)
	}
	if calls, err := cb.result(); calls != 1 || err != nil {
		t.Errorf("callback = (%d, %v), want (1, nil)", calls, err)
	}
}

func TestConnect_Validation(t *testing.T) {
	s, mock, _ := newTestSocket(t, V4)

	for _, port := range []int{0, -5, 70000} {
		if err := s.Connect(port, "127.0.0.1", nil); !goerrors.Is(err, ErrInvalidAddress) {
			t.Errorf("Connect(port %d) error = %v, want ErrInvalidAddress", port, err)
		}
	}
	if got := s.BindState(); got != Unbound {
		t.Errorf("BindState() = %v, want unbound", got)
	}
	if calls := mock.Calls(); len(calls) != 0 {
		t.Errorf("transport calls = %v, want none", calls)
	}
}

func TestConnect_WhileConnecting(t *testing.T) {
	s, _, sched := newTestSocket(t, V4)
	bindNow(t, s, sched)

	if err := s.Connect(9, "127.0.0.1", nil); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := s.Connect(10, "127.0.0.1", nil); !goerrors.Is(err, ErrAlreadyConnected) {
		t.Errorf("Connect() while connecting error = %v, want ErrAlreadyConnected", err)
	}
	if err := s.Disconnect(); !goerrors.Is(err, ErrNotConnected) {
		t.Errorf("Disconnect() while connecting error = %v, want ErrNotConnected", err)
	}
}

func TestConnect_TransportFailure(t *testing.T) {
	s, mock, sched := newTestSocket(t, V4)
	bindNow(t, s, sched)
	mock.Fail("connect", syscall.ENETUNREACH)

	var cb errorCallback
	if err := s.Connect(9, "127.0.0.1", cb.fn); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	sched.RunUntilIdle()

	calls, err := cb.result()
	if calls != 1 || !goerrors.Is(err, ErrTransportFailure) || !goerrors.Is(err, syscall.ENETUNREACH) {
		t.Fatalf("callback = (%d, %v), want one ENETUNREACH transport failure", calls, err)
	}
	if got := s.ConnectState(); got != Disconnected {
		t.Errorf("ConnectState() = %v, want disconnected", got)
	}

	// A failed connect can be retried.
	mock.Fail("connect", nil)
	if err := s.Connect(9, "127.0.0.1", nil); err != nil {
		t.Fatalf("retry Connect() error = %v", err)
	}
	sched.RunUntilIdle()
	if got := s.ConnectState(); got != Connected {
		t.Errorf("ConnectState() after retry = %v, want connected", got)
	}
}

func TestConnect_LookupFailureWithoutCallback(t *testing.T) {
	s, _, sched := newTestSocket(t, V4, WithResolver(newStubResolver(nil)))
	bindNow(t, s, sched)

	if err := s.Connect(9, "nowhere.test", nil); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitScheduled(t, sched)
	sched.RunUntilIdle()

	errs := drainErrors(s)
	if len(errs) != 1 || !goerrors.Is(errs[0], ErrHostLookupFailure) {
		t.Errorf("Errors() = %v, want one HostLookupFailure", errs)
	}
	if got := s.ConnectState(); got != Disconnected {
		t.Errorf("ConnectState() = %v, want disconnected", got)
	}
}

func TestConnect_Hostname(t *testing.T) {
	r := newStubResolver(map[string]string{"peer.test": "192.0.2.7"})
	s, mock, sched := newTestSocket(t, V4, WithResolver(r))
	bindNow(t, s, sched)

	if err := s.Connect(4000, "peer.test", nil); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitScheduled(t, sched)
	sched.RunUntilIdle()

	if got := s.ConnectState(); got != Connected {
		t.Fatalf("ConnectState() = %v, want connected", got)
	}
	calls := mock.Calls()
	if last := calls[len(calls)-1]; last != "connect 192.0.2.7:4000" {
		t.Errorf("last transport call = %q, want connect 192.0.2.7:4000", last)
	}
}

func TestConnect_BindFailureAborts(t *testing.T) {
	s, mock, sched := newTestSocket(t, V4)
	mock.Fail("bind", syscall.EADDRNOTAVAIL)

	var cb errorCallback
	if err := s.Connect(9, "127.0.0.1", cb.fn); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	sched.RunUntilIdle()

	if calls, err := cb.result(); calls != 1 || !goerrors.Is(err, syscall.EADDRNOTAVAIL) {
		t.Errorf("callback = (%d, %v), want the bind failure", calls, err)
	}
	if got := s.ConnectState(); got != Disconnected {
		t.Errorf("ConnectState() = %v, want disconnected", got)
	}
}

func TestConnect_CloseWhileConnecting(t *testing.T) {
	s, mock, sched := newTestSocket(t, V4)
	bindNow(t, s, sched)

	var cb errorCallback
	if err := s.Connect(9, "127.0.0.1", cb.fn); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	sched.RunUntilIdle()

	if calls, err := cb.result(); calls != 1 || !goerrors.Is(err, ErrNotRunning) {
		t.Errorf("callback = (%d, %v), want ErrNotRunning", calls, err)
	}
	if got := s.ConnectState(); got != Disconnected {
		t.Errorf("ConnectState() = %v after Close, want disconnected", got)
	}
	for _, call := range mock.Calls() {
		if call == "connect 127.0.0.1:9" {
			t.Error("transport connected after close")
		}
	}
}

func TestDisconnect_TransportFailure(t *testing.T) {
	s, mock, sched := newTestSocket(t, V4)
	bindNow(t, s, sched)
	if err := s.Connect(9, "127.0.0.1", nil); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	sched.RunUntilIdle()

	mock.Fail("disconnect", syscall.EINVAL)
	err := s.Disconnect()
	if !goerrors.Is(err, ErrTransportFailure) {
		t.Errorf("Disconnect() error = %v, want ErrTransportFailure", err)
	}
	if got := s.ConnectState(); got != Connected {
		t.Errorf("ConnectState() = %v, want connected after failed disconnect", got)
	}
}

func TestDisconnect_Closed(t *testing.T) {
	s, _, _ := newTestSocket(t, V4)
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Disconnect(); !goerrors.Is(err, ErrNotRunning) {
		t.Errorf("Disconnect() error = %v, want ErrNotRunning", err)
	}
	if err := s.Connect(9, "127.0.0.1", nil); !goerrors.Is(err, ErrNotRunning) {
		t.Errorf("Connect() error = %v, want ErrNotRunning", err)
	}
}
