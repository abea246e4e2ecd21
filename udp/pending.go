package udp

// pendingOp is an operation issued while a bind was in flight. Exactly one
// of run or abort is called, with s.mu held.
type pendingOp struct {
	name  string
	run   func()
	abort func(error)
}

// pendingQueue holds the operations waiting for the current bind attempt.
//
// The queue is created by the first deferral and moved out of the socket
// (takePending) by whichever path settles the attempt, so an operation is
// either replayed once after a successful bind or aborted once. It is
// never retried.
type pendingQueue struct {
	ops []pendingOp
}

// deferUntilBoundLocked queues op behind the bind in flight.
func (s *Socket) deferUntilBoundLocked(op pendingOp) {
	if s.pending == nil {
		s.pending = &pendingQueue{}
	}
	s.pending.ops = append(s.pending.ops, op)
	s.log.WithField("op", op.name).WithField("queued", len(s.pending.ops)).Debug("deferred until bound")
}

// takePending detaches the queue. Operations deferred afterwards start a
// new one.
func (s *Socket) takePending() *pendingQueue {
	q := s.pending
	s.pending = nil
	return q
}

// drain runs every queued operation in issue order.
func (q *pendingQueue) drain() {
	if q == nil {
		return
	}
	for _, op := range q.ops {
		op.run()
	}
	q.ops = nil
}

// discard aborts every queued operation with err, in issue order.
func (q *pendingQueue) discard(err error) {
	if q == nil {
		return
	}
	for _, op := range q.ops {
		op.abort(err)
	}
	q.ops = nil
}

func (q *pendingQueue) len() int {
	if q == nil {
		return 0
	}
	return len(q.ops)
}
