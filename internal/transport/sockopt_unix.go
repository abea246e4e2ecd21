//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package transport

import (
	"net"
	"net/netip"
	"strconv"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/joshuafuller/dgram/internal/addr"
)

// bindControlFns returns the pre-bind socket options for flags.
func bindControlFns(family addr.Family, flags BindFlags) []controlFn {
	var fns []controlFn
	if flags.ReuseAddr {
		fns = append(fns, rawControl(func(fd uintptr) error {
			return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		}))
	}
	if flags.ReusePort {
		fns = append(fns, rawControl(func(fd uintptr) error {
			return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		}))
	}
	if family == addr.V6 {
		// Go enables IPV6_V6ONLY for "udp6"; dual-stack is the default here.
		v6only := 0
		if flags.IPv6Only {
			v6only = 1
		}
		fns = append(fns, rawControl(func(fd uintptr) error {
			return unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, v6only)
		}))
	}
	return fns
}

func getBufferSize(fd uintptr, recv bool) (int, error) {
	opt := unix.SO_SNDBUF
	if recv {
		opt = unix.SO_RCVBUF
	}
	return unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, opt)
}

func setBroadcast(fd uintptr, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, v)
}

func connectFD(fd uintptr, ip netip.Addr, port int) error {
	var sa unix.Sockaddr
	if ip.Is4() {
		sa = &unix.SockaddrInet4{Port: port, Addr: ip.As4()}
	} else {
		sa6 := &unix.SockaddrInet6{Port: port, Addr: ip.As16()}
		if zone := ip.Zone(); zone != "" {
			if idx, err := strconv.Atoi(zone); err == nil {
				sa6.ZoneId = uint32(idx)
			} else if ifi, err := net.InterfaceByName(zone); err == nil {
				sa6.ZoneId = uint32(ifi.Index)
			}
		}
		sa = sa6
	}
	return unix.Connect(int(fd), sa)
}

// disconnectFD dissolves the association with connect(2) on an AF_UNSPEC
// address. BSD kernels report EAFNOSUPPORT after disconnecting anyway.
func disconnectFD(fd uintptr) error {
	var sa unix.RawSockaddrInet6
	sa.Family = unix.AF_UNSPEC
	_, _, errno := unix.Syscall(unix.SYS_CONNECT, fd, uintptr(unsafe.Pointer(&sa)), unsafe.Sizeof(sa))
	if errno != 0 && errno != unix.EAFNOSUPPORT {
		return errno
	}
	return nil
}
