package udp

import (
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/metric"

	"github.com/joshuafuller/dgram/internal/errors"
	"github.com/joshuafuller/dgram/internal/resolver"
	"github.com/joshuafuller/dgram/internal/scheduler"
	"github.com/joshuafuller/dgram/internal/transport"
)

// Option is a functional option for configuring a Socket.
//
// Options are applied by New before the transport is created. An option
// that rejects its argument makes New fail with that error.
//
// Example:
//
//	sock, err := udp.New(udp.V4,
//	    udp.WithReuseAddr(),
//	    udp.WithRecvBufferSize(1<<20),
//	)
type Option func(*Socket) error

// WithReuseAddr sets SO_REUSEADDR at bind time so several sockets can share
// an address and port. Multicast listeners normally need it.
func WithReuseAddr() Option {
	return func(s *Socket) error {
		s.flags.ReuseAddr = true
		return nil
	}
}

// WithReusePort sets SO_REUSEPORT at bind time where the platform has it.
func WithReusePort() Option {
	return func(s *Socket) error {
		s.flags.ReusePort = true
		return nil
	}
}

// WithIPv6Only disables dual-stack reception on IPv6 sockets. It has no
// effect on IPv4 sockets.
func WithIPv6Only() Option {
	return func(s *Socket) error {
		s.flags.IPv6Only = true
		return nil
	}
}

// WithRecvBufferSize requests SO_RCVBUF once the socket is bound.
func WithRecvBufferSize(size int) Option {
	return func(s *Socket) error {
		if size <= 0 {
			return errors.NewValidation(errors.BadBufferSize, "recvBufferSize", size, "must be a positive integer")
		}
		s.recvBufferHint = size
		return nil
	}
}

// WithSendBufferSize requests SO_SNDBUF once the socket is bound.
func WithSendBufferSize(size int) Option {
	return func(s *Socket) error {
		if size <= 0 {
			return errors.NewValidation(errors.BadBufferSize, "sendBufferSize", size, "must be a positive integer")
		}
		s.sendBufferHint = size
		return nil
	}
}

// WithResolver replaces the platform resolver used for host names.
// Numeric addresses and "localhost" never reach it.
func WithResolver(r resolver.Resolver) Option {
	return func(s *Socket) error {
		if r != nil {
			s.resolver = r
		}
		return nil
	}
}

// WithScheduler sets the queue that runs completions. The default is the
// process-wide scheduler.Default loop.
func WithScheduler(sched scheduler.Scheduler) Option {
	return func(s *Socket) error {
		if sched != nil {
			s.sched = sched
		}
		return nil
	}
}

// WithTransport replaces the factory that creates the OS socket.
func WithTransport(factory transport.Factory) Option {
	return func(s *Socket) error {
		if factory != nil {
			s.newTransport = factory
		}
		return nil
	}
}

// WithLogger sets the logger. Entries are tagged with the socket id and
// family.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Socket) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

// WithMeterProvider records socket metrics on provider instead of the
// global one.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(s *Socket) error {
		s.meterProvider = provider
		return nil
	}
}

// WithMessageBuffer sets how many inbound datagrams may wait in Messages()
// before new ones are dropped. The default is 64.
func WithMessageBuffer(n int) Option {
	return func(s *Socket) error {
		if n <= 0 {
			return errors.NewValidation(errors.BadBufferSize, "messageBuffer", n, "must be a positive integer")
		}
		s.messageBuffer = n
		return nil
	}
}
