package udp

import (
	"fmt"
	"net/netip"

	"github.com/joshuafuller/dgram/internal/addr"
	"github.com/joshuafuller/dgram/internal/errors"
)

// Multicast and socket-option setters.
//
// Each setter binds an Unbound socket to the wildcard address first, then
// makes one call into the transport. The socket keeps no membership table:
// leaving a group is not checked against earlier joins, and the kernel's
// answer is returned as is. Interfaces are named by address ("192.168.1.10"),
// by name ("eth0"), or by IPv6 zone ("::%eth0"); empty lets the OS choose.

// AddMembership joins the multicast group on iface.
func (s *Socket) AddMembership(group, iface string) error {
	g, err := parseGroup("multicastAddress", group)
	if err != nil {
		return err
	}
	return s.sockopt("addMembership", group, func(h Transport) error {
		return h.AddMembership(g, iface)
	})
}

// DropMembership leaves the multicast group on iface.
func (s *Socket) DropMembership(group, iface string) error {
	g, err := parseGroup("multicastAddress", group)
	if err != nil {
		return err
	}
	return s.sockopt("dropMembership", group, func(h Transport) error {
		return h.DropMembership(g, iface)
	})
}

// AddSourceSpecificMembership joins group for traffic from source only.
func (s *Socket) AddSourceSpecificMembership(source, group, iface string) error {
	src, err := parseGroup("sourceAddress", source)
	if err != nil {
		return err
	}
	g, err := parseGroup("groupAddress", group)
	if err != nil {
		return err
	}
	return s.sockopt("addSourceSpecificMembership", group, func(h Transport) error {
		return h.AddSourceSpecificMembership(src, g, iface)
	})
}

// DropSourceSpecificMembership leaves a source-specific membership.
func (s *Socket) DropSourceSpecificMembership(source, group, iface string) error {
	src, err := parseGroup("sourceAddress", source)
	if err != nil {
		return err
	}
	g, err := parseGroup("groupAddress", group)
	if err != nil {
		return err
	}
	return s.sockopt("dropSourceSpecificMembership", group, func(h Transport) error {
		return h.DropSourceSpecificMembership(src, g, iface)
	})
}

// SetMulticastInterface selects the interface for outgoing multicast.
func (s *Socket) SetMulticastInterface(iface string) error {
	return s.sockopt("setMulticastInterface", iface, func(h Transport) error {
		return h.SetMulticastInterface(iface)
	})
}

// SetMulticastLoopback controls whether sent multicast is looped back to
// local listeners.
func (s *Socket) SetMulticastLoopback(on bool) error {
	return s.sockopt("setMulticastLoopback", "", func(h Transport) error {
		return h.SetMulticastLoopback(on)
	})
}

// SetMulticastTTL sets the multicast TTL (hop limit on IPv6). Values the
// kernel rejects, anything outside 0..255, fail with ErrTransportFailure.
func (s *Socket) SetMulticastTTL(ttl int) error {
	return s.sockopt("setMulticastTTL", "", func(h Transport) error {
		return h.SetMulticastTTL(ttl)
	})
}

// SetTTL sets the unicast TTL (hop limit on IPv6), 1..255.
func (s *Socket) SetTTL(ttl int) error {
	return s.sockopt("setTTL", "", func(h Transport) error {
		return h.SetTTL(ttl)
	})
}

// SetBroadcast toggles SO_BROADCAST.
func (s *Socket) SetBroadcast(on bool) error {
	return s.sockopt("setBroadcast", "", func(h Transport) error {
		return h.SetBroadcast(on)
	})
}

func (s *Socket) sockopt(op, address string, fn func(Transport) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed(op)
	}
	if err := s.ensureBoundLocked(op); err != nil {
		return err
	}
	if err := fn(s.handle); err != nil {
		s.metrics.Failed(s.family.String(), op)
		return transportErr(op, err, address, 0)
	}
	return nil
}

func parseGroup(field, s string) (netip.Addr, error) {
	if s == "" {
		return netip.Addr{}, errors.NewValidation(errors.InvalidAddress, field, s, "address required")
	}
	ip, err := addr.ParseIP(s)
	if err != nil {
		return netip.Addr{}, errors.NewValidation(errors.InvalidAddress, field, s, fmt.Sprintf("%q is not a numeric address", s))
	}
	return ip, nil
}
