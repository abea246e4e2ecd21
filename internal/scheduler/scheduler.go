// Package scheduler provides the callback queue that datagram sockets use to
// deliver completions.
//
// Every completion (bind, connect, send, inbound datagram) is submitted as a
// zero-argument thunk. Thunks run one at a time, in submission order, and
// never on the stack of the call that submitted them. Callers therefore
// always observe their own call returning before its callback fires.
package scheduler

import (
	"context"
	"sync"
)

// Scheduler runs submitted thunks later, once each, in FIFO order.
// Schedule must never block and must never run fn inline.
type Scheduler interface {
	Schedule(fn func())
}

// KeepAlive is implemented by schedulers that track handles which should
// keep the owning process running (see Loop.Wait).
type KeepAlive interface {
	Ref()
	Unref()
}

// Loop is a single-goroutine FIFO executor with an unbounded queue.
type Loop struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	refs   int
	idle   chan struct{} // closed whenever refs drops to zero
	done   chan struct{}
}

// NewLoop starts a loop goroutine.
func NewLoop() *Loop {
	l := &Loop{
		idle: make(chan struct{}),
		done: make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	close(l.idle)
	go l.run()
	return l
}

var (
	defaultOnce sync.Once
	defaultLoop *Loop
)

// Default returns the process-wide loop, starting it on first use.
func Default() *Loop {
	defaultOnce.Do(func() {
		defaultLoop = NewLoop()
	})
	return defaultLoop
}

// Schedule appends fn to the queue. Thunks scheduled after Close are dropped.
func (l *Loop) Schedule(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	l.cond.Signal()
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.queue) == 0 && l.closed {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
	}
}

// Ref registers one keep-alive handle.
func (l *Loop) Ref() {
	l.mu.Lock()
	if l.refs == 0 {
		l.idle = make(chan struct{})
	}
	l.refs++
	l.mu.Unlock()
}

// Unref releases one keep-alive handle.
func (l *Loop) Unref() {
	l.mu.Lock()
	if l.refs > 0 {
		l.refs--
		if l.refs == 0 {
			close(l.idle)
		}
	}
	l.mu.Unlock()
}

// Wait blocks until no keep-alive handles remain or ctx is done.
func (l *Loop) Wait(ctx context.Context) error {
	l.mu.Lock()
	idle := l.idle
	l.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the loop after the already-queued thunks have run.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.cond.Broadcast()
	<-l.done
}

// Manual is a Scheduler that only runs thunks when told to. Tests use it to
// step a socket through its state machine deterministically.
type Manual struct {
	mu    sync.Mutex
	queue []func()
}

// NewManual returns an empty manual scheduler.
func NewManual() *Manual {
	return &Manual{}
}

// Schedule queues fn.
func (m *Manual) Schedule(fn func()) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
}

// Len reports the number of queued thunks.
func (m *Manual) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// RunPending runs the thunks queued at the time of the call and returns how
// many ran. Thunks they schedule stay queued.
func (m *Manual) RunPending() int {
	m.mu.Lock()
	batch := m.queue
	m.queue = nil
	m.mu.Unlock()

	for _, fn := range batch {
		fn()
	}
	return len(batch)
}

// RunUntilIdle runs thunks until the queue is empty.
func (m *Manual) RunUntilIdle() int {
	total := 0
	for {
		n := m.RunPending()
		if n == 0 {
			return total
		}
		total += n
	}
}
