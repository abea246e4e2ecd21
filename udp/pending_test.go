package udp

import (
	goerrors "errors"
	"strings"
	"syscall"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPending_ReplaysInIssueOrder(t *testing.T) {
	s, mock, sched := newTestSocket(t, V4)
	if err := s.Bind(BindOptions{}); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	var rec sendRecorder
	for _, payload := range []string{"one", "two", "three", "four"} {
		if err := s.SendTo(payload, 9, "127.0.0.1", rec.callback(payload)); err != nil {
			t.Fatalf("SendTo(%q) error = %v", payload, err)
		}
	}
	if got := s.pending.len(); got != 4 {
		t.Fatalf("queued operations = %d, want 4", got)
	}
	if sent := mock.SentPayloads(); len(sent) != 0 {
		t.Fatalf("sent before bind completed: %v", sent)
	}

	sched.RunUntilIdle()

	want := []string{"one", "two", "three", "four"}
	if diff := cmp.Diff(want, mock.SentPayloads()); diff != "" {
		t.Errorf("transport order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, rec.Tags()); diff != "" {
		t.Errorf("completion order mismatch (-want +got):\n%s", diff)
	}
	if s.pending != nil {
		t.Error("queue not released after drain")
	}
}

func TestPending_DiscardedOnBindFailure(t *testing.T) {
	s, mock, sched := newTestSocket(t, V4)
	mock.Fail("bind", syscall.EACCES)

	var rec sendRecorder
	for _, payload := range []string{"a", "b"} {
		if err := s.SendTo(payload, 9, "127.0.0.1", rec.callback(payload)); err != nil {
			t.Fatalf("SendTo(%q) error = %v", payload, err)
		}
	}
	sched.RunUntilIdle()

	for _, call := range mock.Calls() {
		if strings.HasPrefix(call, "send") {
			t.Errorf("deferred send reached the transport: %q", call)
		}
	}
	results := rec.Results()
	if len(results) != 2 {
		t.Fatalf("completions = %d, want 2", len(results))
	}
	for _, r := range results {
		if !goerrors.Is(r.err, ErrTransportFailure) || !goerrors.Is(r.err, syscall.EACCES) {
			t.Errorf("send %q error = %v, want the bind failure", r.tag, r.err)
		}
	}
	if s.pending != nil {
		t.Error("queue not released after discard")
	}

	// The implicit bind had no callback, so its failure is an error event.
	errs := drainErrors(s)
	if len(errs) != 1 || !goerrors.Is(errs[0], syscall.EACCES) {
		t.Errorf("Errors() = %v, want the bind failure", errs)
	}
}

func TestPending_DiscardedOnClose(t *testing.T) {
	s, mock, sched := newTestSocket(t, V4)

	var rec sendRecorder
	if err := s.SendTo("late", 9, "127.0.0.1", rec.callback("late")); err != nil {
		t.Fatalf("SendTo() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	sched.RunUntilIdle()

	if sent := mock.SentPayloads(); len(sent) != 0 {
		t.Errorf("sent after close: %v", sent)
	}
	results := rec.Results()
	if len(results) != 1 || !goerrors.Is(results[0].err, ErrNotRunning) {
		t.Errorf("completions = %+v, want one ErrNotRunning", results)
	}
}

func TestPending_ConnectOrderedWithSends(t *testing.T) {
	s, mock, sched := newTestSocket(t, V4)

	var rec sendRecorder
	if err := s.SendTo("before", 9, "127.0.0.1", rec.callback("before")); err != nil {
		t.Fatalf("SendTo() error = %v", err)
	}
	var cb errorCallback
	if err := s.Connect(7, "127.0.0.1", cb.fn); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := s.ConnectState(); got != Connecting {
		t.Errorf("ConnectState() = %v, want connecting", got)
	}

	sched.RunUntilIdle()

	want := []string{
		"bind 0.0.0.0:0",
		"startReceiving",
		"send 127.0.0.1:9 before",
		"connect 127.0.0.1:7",
	}
	if diff := cmp.Diff(want, mock.Calls()); diff != "" {
		t.Errorf("transport calls mismatch (-want +got):\n%s", diff)
	}
	if calls, err := cb.result(); calls != 1 || err != nil {
		t.Errorf("connect callback = (%d, %v), want (1, nil)", calls, err)
	}
	if got := s.ConnectState(); got != Connected {
		t.Errorf("ConnectState() = %v, want connected", got)
	}
}

func TestPendingQueue_NilSafe(t *testing.T) {
	var q *pendingQueue
	q.drain()
	q.discard(goerrors.New("unused"))
	if q.len() != 0 {
		t.Error("nil queue has length")
	}
}
