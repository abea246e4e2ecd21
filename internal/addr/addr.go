// Package addr parses, validates and formats the numeric addresses used by
// datagram sockets.
//
// RFC 768 (UDP) carries 16-bit port numbers; RFC 791 and RFC 8200 define the
// IPv4 and IPv6 address families. Nothing in this package performs name
// resolution: hostnames are rejected by ParseIP and left to a resolver.
package addr

import (
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/joshuafuller/dgram/internal/errors"
)

// Family is the IP address family a socket is fixed to at construction.
type Family int

const (
	// V4 is the IPv4 family ("udp4").
	V4 Family = iota
	// V6 is the IPv6 family ("udp6").
	V6
)

// MaxPort is the largest UDP port number (RFC 768 16-bit field).
const MaxPort = 65535

// DNSPort is the default port for server list entries without one.
const DNSPort = 53

// String returns "IPv4" or "IPv6", the family label reported with addresses.
func (f Family) String() string {
	if f == V6 {
		return "IPv6"
	}
	return "IPv4"
}

// Network returns the Go network name ("udp4"/"udp6").
func (f Family) Network() string {
	if f == V6 {
		return "udp6"
	}
	return "udp4"
}

// ParseFamily accepts "udp4", "udp6", "ipv4", "ipv6" (case-insensitive).
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "udp4", "ipv4", "4":
		return V4, nil
	case "udp6", "ipv6", "6":
		return V6, nil
	}
	return V4, errors.NewValidation(errors.InvalidAddress, "family", s, "want udp4 or udp6")
}

// FamilyOf classifies a parsed address. IPv4-mapped IPv6 addresses are V6.
func FamilyOf(ip netip.Addr) Family {
	if ip.Is4() {
		return V4
	}
	return V6
}

// ParseIP parses a numeric IPv4 or IPv6 literal (zones allowed).
func ParseIP(s string) (netip.Addr, error) {
	ip, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, errors.NewValidation(errors.InvalidAddress, "address", s, "not a numeric IP address")
	}
	return ip, nil
}

// IsIP reports whether s is a numeric IP literal.
func IsIP(s string) bool {
	_, err := netip.ParseAddr(s)
	return err == nil
}

// IsLoopback reports whether s is a numeric loopback address
// (127.0.0.0/8 or ::1, including the IPv4-mapped form).
func IsLoopback(s string) bool {
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return false
	}
	return ip.Unmap().IsLoopback()
}

// ValidatePort checks port against the 16-bit range. Zero is accepted only
// when allowZero is set, meaning "the OS picks an ephemeral port".
func ValidatePort(port int, allowZero bool) error {
	if port < 0 || port > MaxPort || (port == 0 && !allowZero) {
		msg := "must be >= 1 and <= 65535"
		if allowZero {
			msg = "must be >= 0 and <= 65535"
		}
		return errors.NewValidation(errors.InvalidAddress, "port", port, msg)
	}
	return nil
}

// Unspecified returns the wildcard address for the family.
func Unspecified(f Family) netip.Addr {
	if f == V6 {
		return netip.IPv6Unspecified()
	}
	return netip.IPv4Unspecified()
}

// Loopback returns the loopback address for the family.
func Loopback(f Family) netip.Addr {
	if f == V6 {
		return netip.IPv6Loopback()
	}
	return netip.AddrFrom4([4]byte{127, 0, 0, 1})
}

// Matches reports whether ip can be used on a socket of family f.
func Matches(f Family, ip netip.Addr) bool {
	if f == V4 {
		return ip.Is4() || ip.Is4In6()
	}
	return ip.Is6()
}

// Normalize converts ip to the representation expected by family f:
// IPv4-mapped addresses are unmapped on V4 sockets.
func Normalize(f Family, ip netip.Addr) netip.Addr {
	if f == V4 {
		return ip.Unmap()
	}
	return ip
}

// JoinHostPort formats a host/port pair, bracketing IPv6 literals.
func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// ParseServer parses a DNS server list entry: "ip", "ip:port" or "[ip6]:port".
// Entries without a port use DNSPort.
func ParseServer(entry string) (netip.AddrPort, error) {
	s := strings.TrimSpace(entry)
	if s == "" {
		return netip.AddrPort{}, errors.NewValidation(errors.InvalidAddress, "server", entry, "empty server entry")
	}

	if ip, err := netip.ParseAddr(s); err == nil {
		return netip.AddrPortFrom(ip, DNSPort), nil
	}

	// Bracketed IPv6 without port: "[::1]"
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		ip, err := netip.ParseAddr(s[1 : len(s)-1])
		if err != nil {
			return netip.AddrPort{}, errors.NewValidation(errors.InvalidAddress, "server", entry, "malformed IPv6 server entry")
		}
		return netip.AddrPortFrom(ip, DNSPort), nil
	}

	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return netip.AddrPort{}, errors.NewValidation(errors.InvalidAddress, "server", entry, "malformed server entry")
	}
	if ap.Port() == 0 {
		return netip.AddrPort{}, errors.NewValidation(errors.InvalidAddress, "server", entry, "port must be >= 1")
	}
	return ap, nil
}
