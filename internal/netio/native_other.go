//go:build !(linux && (amd64 || arm64))

package netio

import (
	"fmt"
	"net/netip"
)

const nativeSupported = false

// ListenNative is unavailable on this platform.
func ListenNative(family Family, laddr netip.AddrPort, _ SocketConfig) (Socket, error) {
	return nil, fmt.Errorf("native %s socket on %s: %w", family, laddr, ErrUnsupportedPlatform)
}
