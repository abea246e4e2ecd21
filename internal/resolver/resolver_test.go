package resolver

import (
	"context"
	goerrors "errors"
	"net/netip"
	"testing"

	"github.com/joshuafuller/dgram/internal/addr"
	"github.com/joshuafuller/dgram/internal/errors"
)

type countingResolver struct {
	calls int
	ip    netip.Addr
	err   error
}

func (c *countingResolver) LookupIP(_ context.Context, _ string, _ addr.Family) (netip.Addr, error) {
	c.calls++
	return c.ip, c.err
}

func TestResolve_FastPaths(t *testing.T) {
	tests := []struct {
		name   string
		host   string
		family addr.Family
		want   netip.Addr
	}{
		{name: "empty v4", host: "", family: addr.V4, want: netip.MustParseAddr("0.0.0.0")},
		{name: "empty v6", host: "", family: addr.V6, want: netip.MustParseAddr("::")},
		{name: "localhost v4", host: "localhost", family: addr.V4, want: netip.MustParseAddr("127.0.0.1")},
		{name: "localhost v6", host: "LOCALHOST", family: addr.V6, want: netip.MustParseAddr("::1")},
		{name: "ipv4 literal", host: "192.0.2.1", family: addr.V4, want: netip.MustParseAddr("192.0.2.1")},
		{name: "mapped on v4", host: "::ffff:192.0.2.1", family: addr.V4, want: netip.MustParseAddr("192.0.2.1")},
		{name: "ipv6 literal", host: "2001:db8::1", family: addr.V6, want: netip.MustParseAddr("2001:db8::1")},
		{name: "ipv4 on v6", host: "192.0.2.1", family: addr.V6, want: netip.MustParseAddr("192.0.2.1")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &countingResolver{}
			got, err := Resolve(context.Background(), r, tt.host, tt.family)
			if err != nil {
				t.Fatalf("Resolve(%q) error = %v, want nil", tt.host, err)
			}
			if got != tt.want {
				t.Errorf("Resolve(%q) = %v, want %v", tt.host, got, tt.want)
			}
			if r.calls != 0 {
				t.Errorf("resolver called %d times for %q, want 0", r.calls, tt.host)
			}
		})
	}
}

func TestResolve_FamilyMismatch(t *testing.T) {
	_, err := Resolve(context.Background(), nil, "2001:db8::1", addr.V4)
	if !goerrors.Is(err, errors.HostLookupFailure) {
		t.Errorf("Resolve(v6 literal, V4) error = %v, want HostLookupFailure", err)
	}
}

func TestResolve_DelegatesNames(t *testing.T) {
	r := &countingResolver{ip: netip.MustParseAddr("198.51.100.7")}
	got, err := Resolve(context.Background(), r, "example.test", addr.V4)
	if err != nil {
		t.Fatalf("Resolve() error = %v, want nil", err)
	}
	if got != r.ip || r.calls != 1 {
		t.Errorf("Resolve() = %v after %d calls, want %v after 1", got, r.calls, r.ip)
	}

	r.err = errors.Lookup("example.test", goerrors.New("boom"))
	if _, err := Resolve(context.Background(), r, "example.test", addr.V4); !goerrors.Is(err, errors.HostLookupFailure) {
		t.Errorf("Resolve() error = %v, want HostLookupFailure", err)
	}
}

func TestNumeric(t *testing.T) {
	for host, want := range map[string]bool{
		"127.0.0.1":   true,
		"::1":         true,
		"localhost":   true,
		"example.com": false,
		"":            false,
	} {
		if got := Numeric(host); got != want {
			t.Errorf("Numeric(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestSystem_Localhost(t *testing.T) {
	ip, err := System{}.LookupIP(context.Background(), "localhost", addr.V4)
	if err != nil {
		t.Skipf("system resolver cannot resolve localhost: %v", err)
	}
	if !ip.IsLoopback() {
		t.Errorf("LookupIP(localhost) = %v, want loopback", ip)
	}
}

func TestSystem_InvalidName(t *testing.T) {
	_, err := System{}.LookupIP(context.Background(), "no-such-host.invalid", addr.V4)
	if err == nil {
		t.Fatal("LookupIP(.invalid) error = nil")
	}
	var ne *errors.NetworkError
	if !goerrors.As(err, &ne) || ne.Operation != "getaddrinfo" || ne.Address != "no-such-host.invalid" {
		t.Errorf("LookupIP() error = %#v, want getaddrinfo NetworkError with host", err)
	}
}
