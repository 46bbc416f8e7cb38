package netio

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"
)

// -------------------------------------------------------------------------
// Address family
// -------------------------------------------------------------------------

// Family is the address family of an endpoint or socket.
type Family uint8

const (
	// FamilyIPv4 is AF_INET.
	FamilyIPv4 Family = iota + 1

	// FamilyIPv6 is AF_INET6.
	FamilyIPv6
)

// String returns "ipv4", "ipv6", or "unknown".
func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return "unknown"
	}
}

// FamilyOf returns the family an address is sent on. IPv4-mapped IPv6
// addresses count as IPv4.
func FamilyOf(addr netip.Addr) Family {
	if addr.Unmap().Is4() {
		return FamilyIPv4
	}
	return FamilyIPv6
}

// -------------------------------------------------------------------------
// IPv6 policy
// -------------------------------------------------------------------------

// IPv6Mode selects how IPv6 traffic is served.
type IPv6Mode uint8

const (
	// IPv6Disabled binds a single IPv4 socket.
	IPv6Disabled IPv6Mode = iota

	// IPv6SeparateSocket binds an IPv4 socket and a second IPv6 socket
	// sharing the same local port.
	IPv6SeparateSocket

	// IPv6DualMode binds one IPv6 socket with IPV6_V6ONLY cleared so it
	// serves both families.
	IPv6DualMode
)

// ErrInvalidIPv6Mode indicates an unrecognised IPv6 mode string.
var ErrInvalidIPv6Mode = errors.New("ipv6 mode must be disabled, separate or dual")

// String returns the configuration spelling of the mode.
func (m IPv6Mode) String() string {
	switch m {
	case IPv6Disabled:
		return "disabled"
	case IPv6SeparateSocket:
		return "separate"
	case IPv6DualMode:
		return "dual"
	default:
		return fmt.Sprintf("IPv6Mode(%d)", uint8(m))
	}
}

// ParseIPv6Mode parses "disabled", "separate" or "dual" (case-insensitive).
func ParseIPv6Mode(s string) (IPv6Mode, error) {
	switch strings.ToLower(s) {
	case "disabled", "off", "v4":
		return IPv6Disabled, nil
	case "separate", "":
		return IPv6SeparateSocket, nil
	case "dual", "dualmode":
		return IPv6DualMode, nil
	default:
		return 0, fmt.Errorf("parse ipv6 mode %q: %w", s, ErrInvalidIPv6Mode)
	}
}

// -------------------------------------------------------------------------
// Bind parameters
// -------------------------------------------------------------------------

// BindOptions are the immutable inputs of one bind attempt.
type BindOptions struct {
	// IPv4 is the local address for the IPv4 socket.
	IPv4 netip.Addr

	// IPv6 is the local address for the IPv6 (or dual-stack) socket.
	IPv6 netip.Addr

	// Port is the local port. Zero requests an ephemeral port.
	Port int

	// ReuseAddress sets SO_REUSEADDR on every socket.
	ReuseAddress bool

	// IPv6Mode selects dual-stack, separate sockets, or IPv4 only.
	IPv6Mode IPv6Mode

	// ManualMode disables background receive goroutines; the owner
	// drives receive processing through ManualReceive.
	ManualMode bool
}

// DefaultBindOptions returns wildcard addresses on an ephemeral port with a
// separate IPv6 socket.
func DefaultBindOptions() BindOptions {
	return BindOptions{
		IPv4:     netip.IPv4Unspecified(),
		IPv6:     netip.IPv6Unspecified(),
		IPv6Mode: IPv6SeparateSocket,
	}
}

// SocketConfig carries the per-socket preparation flags derived from
// BindOptions.
type SocketConfig struct {
	// ReuseAddress sets SO_REUSEADDR.
	ReuseAddress bool

	// DualMode clears IPV6_V6ONLY (IPv6 sockets only). Otherwise IPv6
	// sockets set it.
	DualMode bool

	// V6Only makes a failure to set IPV6_V6ONLY fatal. Used by the
	// address-in-use retry.
	V6Only bool

	// Logger receives warnings for best-effort options that the kernel
	// rejected. Nil discards them.
	Logger *slog.Logger
}

func (c SocketConfig) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.Logger
}

// -------------------------------------------------------------------------
// Socket: capability interface shared by both variants
// -------------------------------------------------------------------------

// ReceivePollingTime bounds every readiness wait. It is the longest a
// receive goroutine can go without observing a shutdown request.
const ReceivePollingTime = 500 * time.Millisecond

// Socket is one bound UDP socket. Implementations are PortableSocket and
// NativeSocket.
//
// WaitReadable and ReceiveFrom are driven by a single receive goroutine.
// SendTo, TTL, SetTTL and Close may be called from any goroutine.
type Socket interface {
	// Family is the socket's address family.
	Family() Family

	// LocalAddr is the bound local address and port.
	LocalAddr() netip.AddrPort

	// Native reports whether this is the raw-syscall variant.
	Native() bool

	// Available returns the size of the next queued datagram, or zero
	// when nothing is queued (or the head datagram is empty).
	Available() (int, error)

	// WaitReadable blocks until a datagram is queued or timeout elapses.
	// A non-positive timeout only checks.
	WaitReadable(timeout time.Duration) (bool, error)

	// ReceiveFrom reads one datagram into buf and writes the sender's
	// raw address into from. A datagram that does not fit is dropped and
	// reported as an error wrapping EMSGSIZE.
	ReceiveFrom(buf []byte, from *RawAddr) (int, error)

	// SendTo writes buf as one datagram to the endpoint.
	SendTo(buf []byte, to *Endpoint) (int, error)

	// TTL returns IP_TTL (IPv4) or IPV6_UNICAST_HOPS (IPv6).
	TTL() (int, error)

	// SetTTL sets IP_TTL (IPv4) or IPV6_UNICAST_HOPS (IPv6).
	SetTTL(ttl int) error

	// JoinAllNodes joins the ff02::1 group. IPv6 sockets only.
	JoinAllNodes() error

	// Close releases the socket. It is safe to call more than once.
	Close() error
}

// ListenFunc creates and binds one socket of the given family.
type ListenFunc func(family Family, laddr netip.AddrPort, cfg SocketConfig) (Socket, error)

// -------------------------------------------------------------------------
// Sentinel Errors
// -------------------------------------------------------------------------

var (
	// ErrSocketClosed indicates an operation on a closed socket.
	ErrSocketClosed = errors.New("socket closed")

	// ErrUnsupportedPlatform indicates the socket layer is not
	// available on this operating system.
	ErrUnsupportedPlatform = errors.New("udp socket layer not supported on this platform")

	// ErrFamilyMismatch indicates an address of the wrong family for the socket.
	ErrFamilyMismatch = errors.New("address family does not match socket")

	// ErrNotIPv6 indicates an IPv6-only operation on an IPv4 socket.
	ErrNotIPv6 = errors.New("operation requires an IPv6 socket")

	// ErrUnexpectedConnType indicates that ListenPacket returned something
	// other than *net.UDPConn.
	ErrUnexpectedConnType = errors.New("unexpected connection type")
)
