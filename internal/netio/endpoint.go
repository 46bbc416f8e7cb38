package netio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"syscall"
)

// -------------------------------------------------------------------------
// Raw address layout: struct sockaddr_in / sockaddr_in6
// -------------------------------------------------------------------------

const (
	// IPv4AddrSize is sizeof(struct sockaddr_in).
	IPv4AddrSize = 16

	// IPv6AddrSize is sizeof(struct sockaddr_in6).
	IPv6AddrSize = 28
)

// Field offsets inside the raw buffer.
//
//	sockaddr_in:  family(2, host order) port(2, BE) addr(4)     zero(8)
//	sockaddr_in6: family(2, host order) port(2, BE) flowinfo(4) addr(16) scope_id(4)
const (
	offFamily  = 0
	offPort    = 2
	offAddr4   = 4
	offAddr6   = 8
	offScopeID = 24
)

var (
	// ErrRawAddrLength indicates a raw address buffer of unexpected size.
	ErrRawAddrLength = errors.New("raw address has invalid length")

	// ErrRawAddrFamily indicates a raw address with an unknown family field.
	ErrRawAddrFamily = errors.New("raw address has unknown family")

	// ErrInvalidAddr indicates an unset netip.Addr.
	ErrInvalidAddr = errors.New("invalid IP address")
)

// RawAddr is the fixed-size native form of an endpoint, byte-compatible
// with the kernel sockaddr structures so it can be handed to recvfrom(2)
// and sendto(2) without conversion.
//
// RawAddr is comparable: two values are equal exactly when their length
// and content are equal, which makes it usable as a map key. Bytes past
// the length are always zero.
type RawAddr struct {
	buf [IPv6AddrSize]byte
	n   uint8
}

// Len returns the number of meaningful bytes.
func (r *RawAddr) Len() int {
	return int(r.n)
}

// Bytes returns the meaningful bytes. The slice aliases r.
func (r *RawAddr) Bytes() []byte {
	return r.buf[:r.n]
}

// Reset clears r to the zero value.
func (r *RawAddr) Reset() {
	*r = RawAddr{}
}

// Family decodes the family field.
func (r *RawAddr) Family() Family {
	if r.n < 2 {
		return 0
	}
	switch binary.NativeEndian.Uint16(r.buf[offFamily:]) {
	case syscall.AF_INET:
		return FamilyIPv4
	case syscall.AF_INET6:
		return FamilyIPv6
	default:
		return 0
	}
}

// Encode writes ap into r. IPv4 addresses use the sockaddr_in layout and
// everything else, IPv4-mapped addresses included, uses sockaddr_in6.
func (r *RawAddr) Encode(ap netip.AddrPort) {
	r.Reset()

	addr := ap.Addr()
	binary.BigEndian.PutUint16(r.buf[offPort:], ap.Port())

	if addr.Is4() {
		binary.NativeEndian.PutUint16(r.buf[offFamily:], syscall.AF_INET)
		a4 := addr.As4()
		copy(r.buf[offAddr4:], a4[:])
		r.n = IPv4AddrSize
		return
	}

	binary.NativeEndian.PutUint16(r.buf[offFamily:], syscall.AF_INET6)
	a16 := addr.As16()
	copy(r.buf[offAddr6:], a16[:])
	if zone := addr.Zone(); zone != "" {
		binary.NativeEndian.PutUint32(r.buf[offScopeID:], zoneIndex(zone))
	}
	r.n = IPv6AddrSize
}

// zoneIndex converts a numeric zone or an interface name into a scope id.
// Unknown names map to zero.
func zoneIndex(zone string) uint32 {
	if id, err := strconv.ParseUint(zone, 10, 32); err == nil {
		return uint32(id)
	}
	ifi, err := net.InterfaceByName(zone)
	if err != nil || ifi.Index < 0 {
		return 0
	}
	//nolint:gosec // G115: interface indexes fit in uint32.
	return uint32(ifi.Index)
}

// EncodeFor writes ap in the layout a socket of the given family expects:
// an IPv6 socket receives IPv4 destinations as IPv4-mapped addresses, and
// an IPv4 socket rejects non-IPv4 destinations.
func (r *RawAddr) EncodeFor(family Family, ap netip.AddrPort) error {
	addr := ap.Addr()
	if !addr.IsValid() {
		return ErrInvalidAddr
	}

	switch family {
	case FamilyIPv4:
		addr = addr.Unmap()
		if !addr.Is4() {
			return fmt.Errorf("encode %s for ipv4 socket: %w", ap, ErrFamilyMismatch)
		}
		r.Encode(netip.AddrPortFrom(addr, ap.Port()))
	default:
		if addr.Is4() {
			addr = netip.AddrFrom16(addr.As16())
		}
		r.Encode(netip.AddrPortFrom(addr, ap.Port()))
	}
	return nil
}

// AddrPort decodes r into a structured address.
func (r *RawAddr) AddrPort() (netip.AddrPort, error) {
	port := binary.BigEndian.Uint16(r.buf[offPort:])

	switch r.Family() {
	case FamilyIPv4:
		if r.n != IPv4AddrSize {
			return netip.AddrPort{}, fmt.Errorf("decode ipv4 raw address: %w", ErrRawAddrLength)
		}
		return netip.AddrPortFrom(netip.AddrFrom4([4]byte(r.buf[offAddr4:offAddr4+4])), port), nil
	case FamilyIPv6:
		if r.n != IPv6AddrSize {
			return netip.AddrPort{}, fmt.Errorf("decode ipv6 raw address: %w", ErrRawAddrLength)
		}
		addr := netip.AddrFrom16([16]byte(r.buf[offAddr6 : offAddr6+16]))
		if scope := binary.NativeEndian.Uint32(r.buf[offScopeID:]); scope != 0 {
			addr = addr.WithZone(strconv.FormatUint(uint64(scope), 10))
		}
		return netip.AddrPortFrom(addr, port), nil
	default:
		return netip.AddrPort{}, ErrRawAddrFamily
	}
}

// -------------------------------------------------------------------------
// Endpoint: structured peer identity
// -------------------------------------------------------------------------

// Endpoint is an immutable peer identity carrying both the structured and
// the raw native form. Endpoints are compared by pointer: a peer
// registered with a Registry is handed back as the same *Endpoint on every
// datagram it sends.
type Endpoint struct {
	addr netip.AddrPort
	raw  RawAddr
}

// NewEndpoint builds an Endpoint from a structured address.
func NewEndpoint(ap netip.AddrPort) *Endpoint {
	e := &Endpoint{addr: ap}
	e.raw.Encode(ap)
	return e
}

// EndpointFromRaw builds an Endpoint that wraps a copy of raw.
func EndpointFromRaw(raw *RawAddr) (*Endpoint, error) {
	ap, err := raw.AddrPort()
	if err != nil {
		return nil, fmt.Errorf("endpoint from raw address: %w", err)
	}
	return &Endpoint{addr: ap, raw: *raw}, nil
}

// AddrPort returns the structured address.
func (e *Endpoint) AddrPort() netip.AddrPort { return e.addr }

// Addr returns the IP address.
func (e *Endpoint) Addr() netip.Addr { return e.addr.Addr() }

// Port returns the UDP port.
func (e *Endpoint) Port() uint16 { return e.addr.Port() }

// Family returns the family the endpoint is sent on.
func (e *Endpoint) Family() Family { return FamilyOf(e.addr.Addr()) }

// Raw returns a copy of the raw native form.
func (e *Endpoint) Raw() RawAddr { return e.raw }

// String formats the endpoint as ip:port.
func (e *Endpoint) String() string {
	if e == nil {
		return "<nil>"
	}
	return e.addr.String()
}
