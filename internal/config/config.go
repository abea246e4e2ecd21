// Package config loads socket settings for the udpcat command from YAML.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joshuafuller/dgram/internal/addr"
	"github.com/joshuafuller/dgram/internal/resolver"
	"github.com/joshuafuller/dgram/udp"
)

// Group is one multicast membership to join after binding.
type Group struct {
	Address   string `yaml:"address"`
	Source    string `yaml:"source"`
	Interface string `yaml:"interface"`
}

// Config holds the socket settings. Zero values leave the OS default in
// place.
type Config struct {
	Family             string   `yaml:"family"`
	ReuseAddr          bool     `yaml:"reuseAddr"`
	ReusePort          bool     `yaml:"reusePort"`
	IPv6Only           bool     `yaml:"ipv6Only"`
	RecvBufferSize     int      `yaml:"recvBufferSize"`
	SendBufferSize     int      `yaml:"sendBufferSize"`
	MessageBuffer      int      `yaml:"messageBuffer"`
	TTL                int      `yaml:"ttl"`
	MulticastTTL       *int     `yaml:"multicastTTL"`
	MulticastLoopback  *bool    `yaml:"multicastLoopback"`
	MulticastInterface string   `yaml:"multicastInterface"`
	Broadcast          bool     `yaml:"broadcast"`
	Timeout            string   `yaml:"timeout"`
	DNSServers         []string `yaml:"dnsServers"`
	Groups             []Group  `yaml:"groups"`
}

// Default returns an IPv4 configuration with OS defaults.
func Default() Config {
	return Config{Family: "udp4"}
}

// Load reads and validates a Config from a YAML file. Keys missing from the
// file keep their Default value.
func Load(path string) (Config, error) {
	reader, closer, err := openConfigFile(path)
	if err != nil {
		return Config{}, err
	}
	defer closer()

	return Decode(reader)
}

// Decode reads and validates a Config from r.
func Decode(r io.Reader) (Config, error) {
	bytes, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalise() {
	c.Family = strings.ToLower(strings.TrimSpace(c.Family))
	if c.Family == "" {
		c.Family = "udp4"
	}
	c.MulticastInterface = strings.TrimSpace(c.MulticastInterface)
	c.Timeout = strings.TrimSpace(c.Timeout)

	servers := c.DNSServers[:0]
	for _, s := range c.DNSServers {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}
	c.DNSServers = servers

	for i := range c.Groups {
		c.Groups[i].Address = strings.TrimSpace(c.Groups[i].Address)
		c.Groups[i].Source = strings.TrimSpace(c.Groups[i].Source)
		c.Groups[i].Interface = strings.TrimSpace(c.Groups[i].Interface)
	}
}

// Validate performs semantic validation on the configuration.
func (c Config) Validate() error {
	if _, err := addr.ParseFamily(c.Family); err != nil {
		return fmt.Errorf("family: %w", err)
	}
	if c.RecvBufferSize < 0 {
		return fmt.Errorf("recvBufferSize must be >= 0")
	}
	if c.SendBufferSize < 0 {
		return fmt.Errorf("sendBufferSize must be >= 0")
	}
	if c.MessageBuffer < 0 {
		return fmt.Errorf("messageBuffer must be >= 0")
	}
	if c.TTL < 0 || c.TTL > 255 {
		return fmt.Errorf("ttl must be within 0..255")
	}
	if c.MulticastTTL != nil && (*c.MulticastTTL < 0 || *c.MulticastTTL > 255) {
		return fmt.Errorf("multicastTTL must be within 0..255")
	}
	if _, err := c.TimeoutDuration(); err != nil {
		return err
	}
	for _, s := range c.DNSServers {
		if _, err := addr.ParseServer(s); err != nil {
			return fmt.Errorf("dnsServers: %w", err)
		}
	}
	for i, g := range c.Groups {
		ip, err := addr.ParseIP(g.Address)
		if err != nil {
			return fmt.Errorf("groups[%d] address: %w", i, err)
		}
		if !ip.IsMulticast() {
			return fmt.Errorf("groups[%d] address %s is not a multicast group", i, g.Address)
		}
		if g.Source != "" {
			if _, err := addr.ParseIP(g.Source); err != nil {
				return fmt.Errorf("groups[%d] source: %w", i, err)
			}
		}
	}
	return nil
}

// SocketFamily returns the parsed address family.
func (c Config) SocketFamily() addr.Family {
	f, _ := addr.ParseFamily(c.Family)
	return f
}

// TimeoutDuration parses the idle timeout. Empty means none.
func (c Config) TimeoutDuration() (time.Duration, error) {
	if c.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0, fmt.Errorf("timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("timeout must be >= 0")
	}
	return d, nil
}

// SocketOptions translates the construction-time settings into socket
// options. extra is appended last so callers can override.
func (c Config) SocketOptions(extra ...udp.Option) ([]udp.Option, error) {
	var opts []udp.Option
	if c.ReuseAddr {
		opts = append(opts, udp.WithReuseAddr())
	}
	if c.ReusePort {
		opts = append(opts, udp.WithReusePort())
	}
	if c.IPv6Only {
		opts = append(opts, udp.WithIPv6Only())
	}
	if c.RecvBufferSize > 0 {
		opts = append(opts, udp.WithRecvBufferSize(c.RecvBufferSize))
	}
	if c.SendBufferSize > 0 {
		opts = append(opts, udp.WithSendBufferSize(c.SendBufferSize))
	}
	if c.MessageBuffer > 0 {
		opts = append(opts, udp.WithMessageBuffer(c.MessageBuffer))
	}
	if len(c.DNSServers) > 0 {
		r, err := resolver.NewDNS(c.DNSServers)
		if err != nil {
			return nil, fmt.Errorf("dnsServers: %w", err)
		}
		opts = append(opts, udp.WithResolver(r))
	}
	return append(opts, extra...), nil
}

// Apply sets the socket options that need a bound socket and joins the
// configured groups. Setters bind s implicitly when it is still unbound.
func (c Config) Apply(s *udp.Socket) error {
	if c.TTL > 0 {
		if err := s.SetTTL(c.TTL); err != nil {
			return err
		}
	}
	if c.Broadcast {
		if err := s.SetBroadcast(true); err != nil {
			return err
		}
	}
	if c.MulticastTTL != nil {
		if err := s.SetMulticastTTL(*c.MulticastTTL); err != nil {
			return err
		}
	}
	if c.MulticastLoopback != nil {
		if err := s.SetMulticastLoopback(*c.MulticastLoopback); err != nil {
			return err
		}
	}
	if c.MulticastInterface != "" {
		if err := s.SetMulticastInterface(c.MulticastInterface); err != nil {
			return err
		}
	}
	for _, g := range c.Groups {
		var err error
		if g.Source != "" {
			err = s.AddSourceSpecificMembership(g.Source, g.Address, g.Interface)
		} else {
			err = s.AddMembership(g.Address, g.Interface)
		}
		if err != nil {
			return err
		}
	}
	if d, _ := c.TimeoutDuration(); d > 0 {
		s.SetTimeout(d)
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
