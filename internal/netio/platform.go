package netio

import (
	"net"
	"sync"
)

// Platform reports host capabilities consulted at bind time.
type Platform interface {
	// IPv6Supported reports whether the host can open IPv6 UDP sockets.
	IPv6Supported() bool

	// NativeSocketsSupported reports whether the raw-descriptor socket
	// variant is available on this host.
	NativeSocketsSupported() bool
}

// HostPlatform probes the running host. Probes run once per process.
type HostPlatform struct{}

var ipv6Probe = sync.OnceValue(func() bool {
	pc, err := net.ListenPacket("udp6", "[::1]:0")
	if err != nil {
		return false
	}
	_ = pc.Close()
	return true
})

// IPv6Supported implements Platform.
func (HostPlatform) IPv6Supported() bool { return ipv6Probe() }

// NativeSocketsSupported implements Platform.
func (HostPlatform) NativeSocketsSupported() bool { return nativeSupported }

// StaticPlatform is a Platform with fixed answers.
type StaticPlatform struct {
	IPv6   bool
	Native bool
}

// IPv6Supported implements Platform.
func (p StaticPlatform) IPv6Supported() bool { return p.IPv6 }

// NativeSocketsSupported implements Platform.
func (p StaticPlatform) NativeSocketsSupported() bool { return p.Native && nativeSupported }

// Listen returns the ListenFunc for the requested variant.
func Listen(native bool) ListenFunc {
	if native {
		return ListenNative
	}
	return ListenPortable
}
