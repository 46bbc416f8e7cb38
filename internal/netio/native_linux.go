//go:build linux && (amd64 || arm64)

package netio

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const nativeSupported = true

// -------------------------------------------------------------------------
// NativeSocket: raw descriptor with direct syscalls
// -------------------------------------------------------------------------

// NativeSocket is a Socket that owns a blocking UDP descriptor and calls
// recvfrom(2) and sendto(2) directly on RawAddr bytes. Sending, readiness
// waits and receiving do not allocate.
//
// Every syscall on fd runs under a read lock on mu and rechecks closed
// afterwards. Close sets closed, shuts the descriptor down to wake a
// pending poll, and takes the write lock before releasing fd, so a
// descriptor number reused by the process is never touched.
type NativeSocket struct {
	fd     int
	family Family
	local  netip.AddrPort

	mu     sync.RWMutex
	closed atomic.Bool
}

var _ Socket = (*NativeSocket)(nil)

// ListenNative binds a NativeSocket of the given family on laddr.
func ListenNative(family Family, laddr netip.AddrPort, cfg SocketConfig) (Socket, error) {
	laddr, err := normalizeLocal(family, laddr)
	if err != nil {
		return nil, err
	}

	domain := unix.AF_INET
	if family == FamilyIPv6 {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		return nil, fmt.Errorf("native %s socket: %w", family, os.NewSyscallError("socket", err))
	}

	if err := applySockOpts(fd, family, cfg); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("native %s socket: %w", family, err)
	}

	if err := unix.Bind(fd, sockaddrOf(family, laddr)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", laddr, os.NewSyscallError("bind", err))
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("getsockname %s: %w", laddr, os.NewSyscallError("getsockname", err))
	}

	return &NativeSocket{
		fd:     fd,
		family: family,
		local:  addrPortOf(sa),
	}, nil
}

func sockaddrOf(family Family, ap netip.AddrPort) unix.Sockaddr {
	if family == FamilyIPv4 {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().As4()}
	}
	sa := &unix.SockaddrInet6{Port: int(ap.Port()), Addr: ap.Addr().As16()}
	if zone := ap.Addr().Zone(); zone != "" {
		sa.ZoneId = zoneIndex(zone)
	}
	return sa
}

func addrPortOf(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		//nolint:gosec // G115: ports fit in uint16.
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		addr := netip.AddrFrom16(sa.Addr)
		if sa.ZoneId != 0 {
			addr = addr.WithZone(strconv.FormatUint(uint64(sa.ZoneId), 10))
		}
		//nolint:gosec // G115: ports fit in uint16.
		return netip.AddrPortFrom(addr, uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}

// Family implements Socket.
func (s *NativeSocket) Family() Family { return s.family }

// LocalAddr implements Socket.
func (s *NativeSocket) LocalAddr() netip.AddrPort { return s.local }

// Native implements Socket.
func (s *NativeSocket) Native() bool { return true }

// Available implements Socket.
func (s *NativeSocket) Available() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed.Load() {
		return 0, ErrSocketClosed
	}
	return availableFD(s.fd)
}

// WaitReadable implements Socket.
func (s *NativeSocket) WaitReadable(timeout time.Duration) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed.Load() {
		return false, ErrSocketClosed
	}

	ms := 0
	if timeout > 0 {
		ms = int(timeout.Milliseconds())
	}
	ready, err := pollReadable(s.fd, ms)
	if s.closed.Load() {
		return false, ErrSocketClosed
	}
	return ready, err
}

// ReceiveFrom implements Socket. A datagram longer than buf is consumed
// and reported as EMSGSIZE instead of being delivered truncated.
func (s *NativeSocket) ReceiveFrom(buf []byte, from *RawAddr) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed.Load() {
		return 0, ErrSocketClosed
	}

	from.Reset()
	var p unsafe.Pointer
	if len(buf) > 0 {
		p = unsafe.Pointer(&buf[0])
	}
	addrLen := uint32(IPv6AddrSize)

	n, _, errno := unix.Syscall6(unix.SYS_RECVFROM,
		uintptr(s.fd),
		uintptr(p),
		uintptr(len(buf)),
		unix.MSG_DONTWAIT|unix.MSG_TRUNC,
		uintptr(unsafe.Pointer(&from.buf[0])),
		uintptr(unsafe.Pointer(&addrLen)),
	)
	if s.closed.Load() {
		return 0, ErrSocketClosed
	}
	if errno != 0 {
		return 0, fmt.Errorf("receive: %w", os.NewSyscallError("recvfrom", errno))
	}

	//nolint:gosec // G115: clamped to the buffer size.
	from.n = uint8(min(addrLen, IPv6AddrSize))
	if int(n) > len(buf) {
		return 0, fmt.Errorf("receive %d-byte datagram into %d bytes: %w",
			n, len(buf), os.NewSyscallError("recvfrom", syscall.EMSGSIZE))
	}
	return int(n), nil
}

// SendTo implements Socket.
func (s *NativeSocket) SendTo(buf []byte, to *Endpoint) (int, error) {
	raw := to.raw
	if raw.Family() != s.family {
		if err := raw.EncodeFor(s.family, to.addr); err != nil {
			return 0, err
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed.Load() {
		return 0, ErrSocketClosed
	}

	var p unsafe.Pointer
	if len(buf) > 0 {
		p = unsafe.Pointer(&buf[0])
	}

	n, _, errno := unix.Syscall6(unix.SYS_SENDTO,
		uintptr(s.fd),
		uintptr(p),
		uintptr(len(buf)),
		0,
		uintptr(unsafe.Pointer(&raw.buf[0])),
		uintptr(raw.n),
	)
	if s.closed.Load() {
		return 0, ErrSocketClosed
	}
	if errno != 0 {
		return 0, fmt.Errorf("send to %s: %w", to, os.NewSyscallError("sendto", errno))
	}
	return int(n), nil
}

func (s *NativeSocket) ttlOption() (level, opt int) {
	if s.family == FamilyIPv6 {
		return unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS
	}
	return unix.IPPROTO_IP, unix.IP_TTL
}

// TTL implements Socket.
func (s *NativeSocket) TTL() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed.Load() {
		return 0, ErrSocketClosed
	}
	level, opt := s.ttlOption()
	ttl, err := unix.GetsockoptInt(s.fd, level, opt)
	if err != nil {
		return 0, fmt.Errorf("get ttl: %w", os.NewSyscallError("getsockopt", err))
	}
	return ttl, nil
}

// SetTTL implements Socket.
func (s *NativeSocket) SetTTL(ttl int) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed.Load() {
		return ErrSocketClosed
	}
	level, opt := s.ttlOption()
	if err := unix.SetsockoptInt(s.fd, level, opt, ttl); err != nil {
		return fmt.Errorf("set ttl %d: %w", ttl, os.NewSyscallError("setsockopt", err))
	}
	return nil
}

// JoinAllNodes implements Socket.
func (s *NativeSocket) JoinAllNodes() error {
	if s.family != FamilyIPv6 {
		return ErrNotIPv6
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed.Load() {
		return ErrSocketClosed
	}
	mreq := &unix.IPv6Mreq{Multiaddr: allNodes.As16()}
	if err := unix.SetsockoptIPv6Mreq(s.fd, unix.IPPROTO_IPV6, unix.IPV6_JOIN_GROUP, mreq); err != nil {
		return fmt.Errorf("join %s: %w", allNodes, os.NewSyscallError("setsockopt", err))
	}
	return nil
}

// Close implements Socket.
func (s *NativeSocket) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	// Unconnected UDP sockets report ENOTCONN here but still wake pollers.
	_ = unix.Shutdown(s.fd, unix.SHUT_RDWR)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := unix.Close(s.fd); err != nil && !errors.Is(err, syscall.EINTR) {
		return fmt.Errorf("close %s socket: %w", s.family, os.NewSyscallError("close", err))
	}
	return nil
}
