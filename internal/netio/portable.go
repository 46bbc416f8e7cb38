package netio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// allNodes is the IPv6 link-local all-nodes multicast group, ff02::1.
var allNodes = netip.AddrFrom16([16]byte{0: 0xff, 1: 0x02, 15: 0x01})

// AllNodes returns ff02::1.
func AllNodes() netip.Addr { return allNodes }

// -------------------------------------------------------------------------
// PortableSocket: runtime-managed *net.UDPConn
// -------------------------------------------------------------------------

// PortableSocket is a Socket backed by *net.UDPConn. The descriptor is
// owned by the Go runtime poller; readiness waits go through
// syscall.RawConn so that a deadline bounds them.
type PortableSocket struct {
	conn   *net.UDPConn
	raw    syscall.RawConn
	family Family
	local  netip.AddrPort
	closed atomic.Bool

	// Exactly one of v4 and v6 is set, matching family.
	v4 *ipv4.PacketConn
	v6 *ipv6.PacketConn
}

var _ Socket = (*PortableSocket)(nil)

// ListenPortable binds a PortableSocket of the given family on laddr.
func ListenPortable(family Family, laddr netip.AddrPort, cfg SocketConfig) (Socket, error) {
	laddr, err := normalizeLocal(family, laddr)
	if err != nil {
		return nil, err
	}

	network := "udp4"
	if family == FamilyIPv6 {
		network = "udp6"
	}

	lc := net.ListenConfig{Control: controlSockOpts(family, cfg)}

	pc, err := lc.ListenPacket(context.Background(), network, laddr.String())
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, laddr, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		closeErr := pc.Close()
		return nil, fmt.Errorf("listen %s %s: %w: %w", network, laddr, ErrUnexpectedConnType, closeErr)
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		closeErr := conn.Close()
		return nil, fmt.Errorf("syscall conn %s: %w: %w", laddr, err, closeErr)
	}

	s := &PortableSocket{
		conn:   conn,
		raw:    raw,
		family: family,
		local:  laddr,
	}
	if ua, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		s.local = ua.AddrPort()
	}
	if family == FamilyIPv6 {
		s.v6 = ipv6.NewPacketConn(conn)
	} else {
		s.v4 = ipv4.NewPacketConn(conn)
	}

	return s, nil
}

// normalizeLocal checks that laddr belongs to family. IPv4 sockets accept
// IPv4-mapped addresses.
func normalizeLocal(family Family, laddr netip.AddrPort) (netip.AddrPort, error) {
	addr := laddr.Addr()
	if !addr.IsValid() {
		return laddr, fmt.Errorf("bind %s socket: %w", family, ErrInvalidAddr)
	}

	switch family {
	case FamilyIPv4:
		addr = addr.Unmap()
		if !addr.Is4() {
			return laddr, fmt.Errorf("bind ipv4 socket on %s: %w", addr, ErrFamilyMismatch)
		}
	case FamilyIPv6:
		if addr.Is4() {
			return laddr, fmt.Errorf("bind ipv6 socket on %s: %w", addr, ErrFamilyMismatch)
		}
	default:
		return laddr, fmt.Errorf("bind socket of family %d: %w", family, ErrFamilyMismatch)
	}

	return netip.AddrPortFrom(addr, laddr.Port()), nil
}

// destinationFor rewrites dst for a socket of the given family: IPv6
// sockets take IPv4 destinations as IPv4-mapped addresses.
func destinationFor(family Family, dst netip.AddrPort) (netip.AddrPort, error) {
	addr := dst.Addr()
	if !addr.IsValid() {
		return dst, ErrInvalidAddr
	}

	if family == FamilyIPv4 {
		addr = addr.Unmap()
		if !addr.Is4() {
			return dst, fmt.Errorf("send to %s on ipv4 socket: %w", dst, ErrFamilyMismatch)
		}
		return netip.AddrPortFrom(addr, dst.Port()), nil
	}

	if addr.Is4() {
		addr = netip.AddrFrom16(addr.As16())
	}
	return netip.AddrPortFrom(addr, dst.Port()), nil
}

// Family implements Socket.
func (s *PortableSocket) Family() Family { return s.family }

// LocalAddr implements Socket.
func (s *PortableSocket) LocalAddr() netip.AddrPort { return s.local }

// Native implements Socket.
func (s *PortableSocket) Native() bool { return false }

// Available implements Socket.
func (s *PortableSocket) Available() (int, error) {
	if s.closed.Load() {
		return 0, ErrSocketClosed
	}

	var (
		n       int
		availErr error
	)
	err := s.raw.Control(func(fd uintptr) {
		//nolint:gosec // G115: fd uintptr->int is safe; kernel FDs are always small positive integers.
		n, availErr = availableFD(int(fd))
	})
	if err != nil {
		return 0, fmt.Errorf("available: %w", err)
	}
	return n, availErr
}

// WaitReadable implements Socket. The readiness check runs inside
// RawConn.Read, which re-arms the runtime poller before each attempt, so a
// datagram arriving between the check and the wait is never missed.
func (s *PortableSocket) WaitReadable(timeout time.Duration) (bool, error) {
	if s.closed.Load() {
		return false, ErrSocketClosed
	}

	var (
		ready   bool
		pollErr error
	)
	check := func(fd uintptr) bool {
		//nolint:gosec // G115: fd uintptr->int is safe; kernel FDs are always small positive integers.
		ready, pollErr = pollReadable(int(fd), 0)
		return ready || pollErr != nil
	}

	if timeout <= 0 {
		if err := s.raw.Control(func(fd uintptr) { check(fd) }); err != nil {
			return false, fmt.Errorf("wait readable: %w", err)
		}
		return ready, pollErr
	}

	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return false, fmt.Errorf("set read deadline: %w", err)
	}
	err := s.raw.Read(check)
	// Clear the deadline so it cannot fail the following receive.
	_ = s.conn.SetReadDeadline(time.Time{})

	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("wait readable: %w", err)
	}
	return ready, pollErr
}

// ReceiveFrom implements Socket. A datagram longer than buf is consumed
// and reported as EMSGSIZE instead of being delivered truncated.
func (s *PortableSocket) ReceiveFrom(buf []byte, from *RawAddr) (int, error) {
	n, _, flags, ap, err := s.conn.ReadMsgUDPAddrPort(buf, nil)
	if err != nil {
		return 0, fmt.Errorf("receive: %w", err)
	}
	from.Encode(ap)
	if flags&msgTrunc != 0 {
		return 0, fmt.Errorf("receive datagram larger than %d bytes: %w",
			len(buf), os.NewSyscallError("recvmsg", syscall.EMSGSIZE))
	}
	return n, nil
}

// SendTo implements Socket.
func (s *PortableSocket) SendTo(buf []byte, to *Endpoint) (int, error) {
	dst, err := destinationFor(s.family, to.AddrPort())
	if err != nil {
		return 0, err
	}

	n, err := s.conn.WriteToUDPAddrPort(buf, dst)
	if err != nil {
		return n, fmt.Errorf("send to %s: %w", dst, err)
	}
	return n, nil
}

// TTL implements Socket.
func (s *PortableSocket) TTL() (int, error) {
	var (
		ttl int
		err error
	)
	if s.v6 != nil {
		ttl, err = s.v6.HopLimit()
	} else {
		ttl, err = s.v4.TTL()
	}
	if err != nil {
		return 0, fmt.Errorf("get ttl: %w", err)
	}
	return ttl, nil
}

// SetTTL implements Socket.
func (s *PortableSocket) SetTTL(ttl int) error {
	var err error
	if s.v6 != nil {
		err = s.v6.SetHopLimit(ttl)
	} else {
		err = s.v4.SetTTL(ttl)
	}
	if err != nil {
		return fmt.Errorf("set ttl %d: %w", ttl, err)
	}
	return nil
}

// JoinAllNodes implements Socket.
func (s *PortableSocket) JoinAllNodes() error {
	if s.v6 == nil {
		return ErrNotIPv6
	}
	group := &net.UDPAddr{IP: net.IPv6linklocalallnodes}
	if err := s.v6.JoinGroup(nil, group); err != nil {
		return fmt.Errorf("join %s: %w", allNodes, err)
	}
	return nil
}

// Close implements Socket.
func (s *PortableSocket) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("close %s socket: %w", s.family, err)
	}
	return nil
}
