//go:build windows

package transport

import (
	"errors"
	"net/netip"

	"golang.org/x/sys/windows"

	"github.com/joshuafuller/dgram/internal/addr"
)

// bindControlFns returns the pre-bind socket options for flags.
// Windows has SO_REUSEADDR only; ReusePort is ignored.
func bindControlFns(family addr.Family, flags BindFlags) []controlFn {
	var fns []controlFn
	if flags.ReuseAddr {
		fns = append(fns, rawControl(setSocketOptions))
	}
	if family == addr.V6 {
		v6only := 0
		if flags.IPv6Only {
			v6only = 1
		}
		fns = append(fns, rawControl(func(fd uintptr) error {
			return windows.SetsockoptInt(windows.Handle(fd), windows.IPPROTO_IPV6, windows.IPV6_V6ONLY, v6only)
		}))
	}
	return fns
}

// setSocketOptions applies SO_REUSEADDR to a raw descriptor.
func setSocketOptions(fd uintptr) error {
	return windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
}

func getBufferSize(fd uintptr, recv bool) (int, error) {
	opt := windows.SO_SNDBUF
	if recv {
		opt = windows.SO_RCVBUF
	}
	return windows.GetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, opt)
}

func setBroadcast(fd uintptr, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_BROADCAST, v)
}

func connectFD(fd uintptr, ip netip.Addr, port int) error {
	var sa windows.Sockaddr
	if ip.Is4() {
		sa = &windows.SockaddrInet4{Port: port, Addr: ip.As4()}
	} else {
		sa = &windows.SockaddrInet6{Port: port, Addr: ip.As16()}
	}
	return windows.Connect(windows.Handle(fd), sa)
}

// TODO: dissolve the association by connecting to INADDR_ANY:0 once a
// Windows CI runner is available to verify it.
func disconnectFD(uintptr) error {
	return errors.ErrUnsupported
}
