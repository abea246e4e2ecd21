package resolver

import (
	"context"
	goerrors "errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/miekg/dns"

	"github.com/joshuafuller/dgram/internal/addr"
	"github.com/joshuafuller/dgram/internal/errors"
)

const (
	// defaultAttempts bounds how many times the whole server list is tried.
	defaultAttempts = 3

	defaultExchangeTimeout = 2 * time.Second
)

// DNS resolves A and AAAA records directly against a configured server list.
//
// Servers are tried in order; a server that answers with NXDOMAIN or an
// empty answer ends the lookup, while transport errors and SERVFAIL move on
// to the next server. When the whole list fails the round is retried with
// exponential backoff.
type DNS struct {
	mu      sync.RWMutex
	servers []netip.AddrPort

	client   *dns.Client
	attempts int
	newBack  func() backoff.BackOff
}

// NewDNS returns a DNS resolver using servers. See SetServers for the entry
// format.
func NewDNS(servers []string) (*DNS, error) {
	d := &DNS{
		client:   &dns.Client{Net: "udp", Timeout: defaultExchangeTimeout},
		attempts: defaultAttempts,
		newBack: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = time.Second
			return b
		},
	}
	if err := d.SetServers(servers); err != nil {
		return nil, err
	}
	return d, nil
}

// SetServers replaces the server list. Entries are "ip", "ip:port",
// "[ip6]" or "[ip6]:port"; entries without a port use 53. A malformed entry
// fails with InvalidAddress and leaves the current list unchanged.
func (d *DNS) SetServers(servers []string) error {
	parsed := make([]netip.AddrPort, 0, len(servers))
	for _, s := range servers {
		ap, err := addr.ParseServer(s)
		if err != nil {
			return err
		}
		parsed = append(parsed, ap)
	}

	d.mu.Lock()
	d.servers = parsed
	d.mu.Unlock()
	return nil
}

// Servers returns the current server list in "ip:port" form.
func (d *DNS) Servers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, len(d.servers))
	for i, s := range d.servers {
		out[i] = s.String()
	}
	return out
}

// LookupIP queries A (V4) or AAAA (V6) records for host.
func (d *DNS) LookupIP(ctx context.Context, host string, family addr.Family) (netip.Addr, error) {
	d.mu.RLock()
	servers := append([]netip.AddrPort(nil), d.servers...)
	d.mu.RUnlock()

	if len(servers) == 0 {
		return netip.Addr{}, errors.Lookup(host, fmt.Errorf("no DNS servers configured"))
	}

	qtype := dns.TypeA
	if family == addr.V6 {
		qtype = dns.TypeAAAA
	}
	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn(host), qtype)
	query.RecursionDesired = true

	// One try walks the whole server list. Transport errors and SERVFAIL
	// retry the round; an answer or NXDOMAIN is permanent.
	round := func() (netip.Addr, error) {
		var lastErr error
		for _, server := range servers {
			ip, final, err := d.exchange(ctx, query, server, family)
			if err == nil {
				return ip, nil
			}
			lastErr = err
			if final {
				return netip.Addr{}, backoff.Permanent(err)
			}
		}
		return netip.Addr{}, lastErr
	}

	ip, err := backoff.Retry(ctx, round,
		backoff.WithBackOff(d.newBack()),
		backoff.WithMaxTries(uint(d.attempts)),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if goerrors.As(err, &perm) {
			err = perm.Err
		}
		return netip.Addr{}, errors.Lookup(host, err)
	}
	return ip, nil
}

// exchange queries one server. final reports that the answer is
// authoritative enough to stop trying other servers.
func (d *DNS) exchange(ctx context.Context, query *dns.Msg, server netip.AddrPort, family addr.Family) (ip netip.Addr, final bool, err error) {
	resp, _, err := d.client.ExchangeContext(ctx, query, server.String())
	if err != nil {
		return netip.Addr{}, false, fmt.Errorf("query %s: %w", server, err)
	}

	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return netip.Addr{}, true, fmt.Errorf("%s: no such host", query.Question[0].Name)
	default:
		return netip.Addr{}, false, fmt.Errorf("query %s: %s", server, dns.RcodeToString[resp.Rcode])
	}

	for _, rr := range resp.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			if family == addr.V4 {
				if got, ok := netip.AddrFromSlice(rec.A); ok {
					return got.Unmap(), true, nil
				}
			}
		case *dns.AAAA:
			if family == addr.V6 {
				if got, ok := netip.AddrFromSlice(rec.AAAA); ok {
					return got, true, nil
				}
			}
		}
	}
	return netip.Addr{}, true, fmt.Errorf("%s: no %s records", query.Question[0].Name, family)
}
