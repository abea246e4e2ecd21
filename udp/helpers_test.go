package udp

import (
	"context"
	"io"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/joshuafuller/dgram/internal/addr"
	"github.com/joshuafuller/dgram/internal/errors"
	"github.com/joshuafuller/dgram/internal/scheduler"
	"github.com/joshuafuller/dgram/internal/transport"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// newTestSocket returns a socket on a mock transport and a manual
// scheduler, so tests decide when completions run.
func newTestSocket(t *testing.T, family Family, opts ...Option) (*Socket, *transport.MockTransport, *scheduler.Manual) {
	t.Helper()

	mock := transport.NewMockTransport()
	sched := scheduler.NewManual()
	base := []Option{
		WithScheduler(sched),
		WithTransport(mock.Factory()),
		WithLogger(quietLogger()),
	}
	s, err := New(family, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v, want nil", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, mock, sched
}

// bindNow binds s to the wildcard address and runs the completion.
func bindNow(t *testing.T, s *Socket, sched *scheduler.Manual) {
	t.Helper()
	if err := s.Bind(BindOptions{}); err != nil {
		t.Fatalf("Bind() error = %v, want nil", err)
	}
	sched.RunUntilIdle()
	if got := s.BindState(); got != Bound {
		t.Fatalf("BindState() = %v, want bound", got)
	}
}

// waitScheduled waits until a resolver goroutine has handed its result to
// the scheduler.
func waitScheduled(t *testing.T, sched *scheduler.Manual) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for sched.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for a scheduled completion")
		}
		time.Sleep(time.Millisecond)
	}
}

// stubResolver answers from a fixed table. When gate is set, lookups wait
// for it to be closed.
type stubResolver struct {
	mu    sync.Mutex
	table map[string]netip.Addr
	calls []string
	gate  chan struct{}
}

func newStubResolver(table map[string]string) *stubResolver {
	r := &stubResolver{table: make(map[string]netip.Addr)}
	for host, ip := range table {
		r.table[host] = netip.MustParseAddr(ip)
	}
	return r
}

func (r *stubResolver) LookupIP(ctx context.Context, host string, _ addr.Family) (netip.Addr, error) {
	r.mu.Lock()
	r.calls = append(r.calls, host)
	gate := r.gate
	ip, ok := r.table[host]
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return netip.Addr{}, errors.Lookup(host, ctx.Err())
		}
	}
	if !ok {
		return netip.Addr{}, errors.Lookup(host, context.DeadlineExceeded)
	}
	return ip, nil
}

func (r *stubResolver) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// sendRecorder collects send completions.
type sendRecorder struct {
	mu      sync.Mutex
	results []sendResult
}

type sendResult struct {
	tag string
	n   int
	err error
}

func (r *sendRecorder) callback(tag string) SendCallback {
	return func(n int, err error) {
		r.mu.Lock()
		r.results = append(r.results, sendResult{tag: tag, n: n, err: err})
		r.mu.Unlock()
	}
}

func (r *sendRecorder) Results() []sendResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sendResult(nil), r.results...)
}

func (r *sendRecorder) Tags() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	tags := make([]string, len(r.results))
	for i, res := range r.results {
		tags[i] = res.tag
	}
	return tags
}

// errorCallback records the single outcome of a bind or connect.
type errorCallback struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *errorCallback) fn(err error) {
	c.mu.Lock()
	c.calls++
	c.err = err
	c.mu.Unlock()
}

func (c *errorCallback) result() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls, c.err
}

// drainErrors returns the errors currently queued on s.Errors().
func drainErrors(s *Socket) []error {
	var out []error
	for {
		select {
		case err := <-s.Errors():
			out = append(out, err)
		default:
			return out
		}
	}
}
