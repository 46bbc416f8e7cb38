// Package netio owns the operating-system UDP sockets beneath the transport.
//
// It provides two interchangeable Socket variants selected once at bind
// time: PortableSocket, built on net.UDPConn and the Go runtime poller, and
// NativeSocket, a Linux fast path that drives poll(2), recvfrom(2) and
// sendto(2) directly on raw sockaddr bytes. Both are configured through
// golang.org/x/sys/unix before bind.
//
// The package also holds the endpoint address codec (structured
// netip.AddrPort <-> kernel sockaddr layout), the concurrent-safe native
// address Registry, and the receive-path error classifier.
package netio
