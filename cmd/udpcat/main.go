// Command udpcat sends and receives UDP datagrams.
//
//	udpcat listen --port 5353 --group 224.0.0.251 --json
//	udpcat send --host 127.0.0.1 --port 5353 --rate 10 hello world
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/joshuafuller/dgram/internal/config"
	"github.com/joshuafuller/dgram/internal/scheduler"
	"github.com/joshuafuller/dgram/udp"
)

const usage = `usage:
  udpcat listen [--config file] [--address A] --port N [--group G]... [--json]
  udpcat send   [--config file] [--host H] --port N [--rate R] [--count C] message...
`

type args struct {
	command    string
	configPath string
	address    string
	host       string
	port       int
	groups     []string
	iface      string
	jsonOut    bool
	rate       float64
	count      int
	verbose    bool
	messages   []string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logrus.New()
	log.SetOutput(os.Stderr)

	if err := mainImpl(ctx, log, os.Args[1:], os.Stdout); err != nil {
		if ctx.Err() == nil {
			log.WithError(err).Error("udpcat failed")
			os.Exit(1)
		}
	}
}

func mainImpl(ctx context.Context, log *logrus.Logger, argv []string, out io.Writer) error {
	a, err := parseArgs(argv)
	if err != nil {
		return err
	}
	if a.verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg := config.Default()
	if a.configPath != "" {
		if cfg, err = config.Load(a.configPath); err != nil {
			return err
		}
	}

	switch a.command {
	case "listen":
		return listen(ctx, log, cfg, a, out)
	case "send":
		return send(ctx, log, cfg, a)
	}
	return fmt.Errorf("unknown command %q\n%s", a.command, usage)
}

func parseArgs(argv []string) (args, error) {
	if len(argv) == 0 {
		return args{}, errors.New(usage)
	}
	a := args{command: argv[0], count: 1}

	fs := flag.NewFlagSet(a.command, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&a.configPath, "config", "", "YAML file with socket settings")
	fs.IntVarP(&a.port, "port", "p", 0, "port to listen on or send to")
	fs.BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	switch a.command {
	case "listen":
		fs.StringVar(&a.address, "address", "", "local address to bind (default: wildcard)")
		fs.StringArrayVarP(&a.groups, "group", "g", nil, "multicast group to join (repeatable)")
		fs.StringVar(&a.iface, "interface", "", "interface for --group joins")
		fs.BoolVar(&a.jsonOut, "json", false, "print one JSON object per datagram")
	case "send":
		fs.StringVar(&a.host, "host", "", "destination host (default: loopback)")
		fs.Float64Var(&a.rate, "rate", 0, "datagrams per second, 0 for unpaced")
		fs.IntVarP(&a.count, "count", "n", 1, "times to send each message")
	default:
		return args{}, fmt.Errorf("unknown command %q\n%s", a.command, usage)
	}

	if err := fs.Parse(argv[1:]); err != nil {
		return args{}, fmt.Errorf("%s: %w", a.command, err)
	}
	a.messages = fs.Args()

	switch {
	case a.command == "send" && (a.port <= 0 || a.port > 65535):
		return args{}, fmt.Errorf("send: --port must be within 1..65535")
	case a.command == "listen" && (a.port < 0 || a.port > 65535):
		return args{}, fmt.Errorf("listen: --port must be within 0..65535")
	case a.command == "send" && len(a.messages) == 0:
		return args{}, fmt.Errorf("send: no message given")
	case a.rate < 0:
		return args{}, fmt.Errorf("send: --rate must be >= 0")
	case a.count < 1:
		return args{}, fmt.Errorf("send: --count must be >= 1")
	}
	return a, nil
}

func newSocket(log *logrus.Logger, cfg config.Config, loop *scheduler.Loop) (*udp.Socket, error) {
	opts, err := cfg.SocketOptions(udp.WithLogger(log), udp.WithScheduler(loop))
	if err != nil {
		return nil, err
	}
	return udp.New(cfg.SocketFamily(), opts...)
}

func listen(ctx context.Context, log *logrus.Logger, cfg config.Config, a args, out io.Writer) error {
	for _, g := range a.groups {
		cfg.Groups = append(cfg.Groups, config.Group{Address: g, Interface: a.iface})
	}
	if len(cfg.Groups) > 0 {
		cfg.ReuseAddr = true
	}

	loop := scheduler.NewLoop()
	defer loop.Close()

	s, err := newSocket(log, cfg, loop)
	if err != nil {
		return err
	}
	defer s.Close()

	bound := make(chan error, 1)
	if err := s.Bind(udp.BindOptions{
		Port:     a.port,
		Address:  a.address,
		Callback: func(err error) { bound <- err },
	}); err != nil {
		return err
	}
	select {
	case err := <-bound:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := cfg.Apply(s); err != nil {
		return err
	}
	if local, err := s.Address(); err == nil {
		log.WithField("address", local.String()).Info("listening")
	}

	for {
		select {
		case msg, ok := <-s.Messages():
			if !ok {
				return nil
			}
			if err := printMessage(out, msg, a.jsonOut); err != nil {
				return err
			}
		case err := <-s.Errors():
			log.WithError(err).Warn("socket error")
		case <-s.Timeouts():
			log.Info("idle timeout")
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

type jsonMessage struct {
	From      string    `json:"from"`
	Family    string    `json:"family"`
	Size      int       `json:"size"`
	Interface int       `json:"interface,omitempty"`
	Data      string    `json:"data"`
	Received  time.Time `json:"received"`
}

func printMessage(out io.Writer, msg udp.Message, asJSON bool) error {
	if !asJSON {
		_, err := fmt.Fprintf(out, "%s %q\n", msg.Remote.Addr, msg.Data)
		return err
	}
	line, err := json.Marshal(jsonMessage{
		From:      msg.Remote.Addr.String(),
		Family:    msg.Remote.Family.String(),
		Size:      msg.Remote.Size,
		Interface: msg.Remote.InterfaceIndex,
		Data:      string(msg.Data),
		Received:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	_, err = fmt.Fprintf(out, "%s\n", line)
	return err
}

func send(ctx context.Context, log *logrus.Logger, cfg config.Config, a args) error {
	loop := scheduler.NewLoop()
	defer loop.Close()

	s, err := newSocket(log, cfg, loop)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := cfg.Apply(s); err != nil {
		return err
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if a.rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(a.rate), 1)
	}

	total := len(a.messages) * a.count
	results := make(chan error, total)
	for i := 0; i < a.count; i++ {
		for _, m := range a.messages {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			err := s.SendTo(m, a.port, a.host, func(n int, err error) {
				if err == nil {
					log.WithField("bytes", n).Debug("sent")
				}
				results <- err
			})
			if err != nil {
				return err
			}
		}
	}

	var failed error
	for i := 0; i < total; i++ {
		select {
		case err := <-results:
			if err != nil && failed == nil {
				failed = err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return failed
}
