//go:build !linux

package netio

import (
	"syscall"
)

// msgTrunc is unused here: controlSockOpts fails, so no socket is ever
// bound on this platform.
const msgTrunc = 0

func controlSockOpts(Family, SocketConfig) func(string, string, syscall.RawConn) error {
	return func(string, string, syscall.RawConn) error {
		return ErrUnsupportedPlatform
	}
}

func availableFD(int) (int, error) {
	return 0, ErrUnsupportedPlatform
}

func pollReadable(int, int) (bool, error) {
	return false, ErrUnsupportedPlatform
}
