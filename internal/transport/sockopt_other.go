//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly || windows)

package transport

import (
	"errors"
	"net/netip"

	"github.com/joshuafuller/dgram/internal/addr"
)

func bindControlFns(addr.Family, BindFlags) []controlFn { return nil }

func getBufferSize(uintptr, bool) (int, error) { return 0, errors.ErrUnsupported }

func setBroadcast(uintptr, bool) error { return errors.ErrUnsupported }

func connectFD(uintptr, netip.Addr, int) error { return errors.ErrUnsupported }

func disconnectFD(uintptr) error { return errors.ErrUnsupported }
