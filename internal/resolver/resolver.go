// Package resolver maps host names to a single address of the socket's
// family.
//
// Numeric literals never reach a resolver: Resolve parses them directly and
// "localhost" short-circuits to the family loopback. Everything else goes to
// a Resolver implementation, either the platform resolver (System) or a
// direct DNS client over an explicit server list (DNS).
package resolver

import (
	"context"
	"net"
	"net/netip"
	"strings"

	"github.com/joshuafuller/dgram/internal/addr"
	"github.com/joshuafuller/dgram/internal/errors"
)

// Resolver looks up one address of family for host.
//
// Implementations return a *errors.NetworkError of kind HostLookupFailure
// when the name has no address of the family or the lookup fails.
type Resolver interface {
	LookupIP(ctx context.Context, host string, family addr.Family) (netip.Addr, error)
}

// Numeric reports whether host needs no resolver: a numeric literal or
// "localhost".
func Numeric(host string) bool {
	return addr.IsIP(host) || strings.EqualFold(host, "localhost")
}

// Resolve returns the address for host on family, consulting r only for
// names that are not numeric. An empty host means the family's wildcard.
func Resolve(ctx context.Context, r Resolver, host string, family addr.Family) (netip.Addr, error) {
	if host == "" {
		return addr.Unspecified(family), nil
	}
	if strings.EqualFold(host, "localhost") {
		return addr.Loopback(family), nil
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		// IPv6 sockets are dual-stack and reach IPv4 peers through mapped
		// addresses; IPv4 sockets cannot reach IPv6 peers.
		if family == addr.V4 && !addr.Matches(family, ip) {
			return netip.Addr{}, errors.Lookup(host, &net.AddrError{Err: "address family mismatch", Addr: host})
		}
		return addr.Normalize(family, ip), nil
	}
	if r == nil {
		r = System{}
	}
	return r.LookupIP(ctx, host, family)
}

// System resolves through net.Resolver, honoring the platform's hosts file
// and resolver configuration.
type System struct {
	// Resolver overrides net.DefaultResolver when set.
	Resolver *net.Resolver
}

// LookupIP returns the first address of family for host.
func (s System) LookupIP(ctx context.Context, host string, family addr.Family) (netip.Addr, error) {
	r := s.Resolver
	if r == nil {
		r = net.DefaultResolver
	}

	network := "ip4"
	if family == addr.V6 {
		network = "ip6"
	}
	ips, err := r.LookupNetIP(ctx, network, host)
	if err != nil {
		return netip.Addr{}, errors.Lookup(host, err)
	}
	for _, ip := range ips {
		if addr.Matches(family, ip) {
			return addr.Normalize(family, ip), nil
		}
	}
	return netip.Addr{}, errors.Lookup(host, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true})
}
