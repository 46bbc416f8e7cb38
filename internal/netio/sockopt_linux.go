//go:build linux

package netio

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/udpcore/internal/packet"
)

// msgTrunc is the recvmsg flag reporting a datagram cut to the buffer.
const msgTrunc = unix.MSG_TRUNC

// applySockOpts prepares fd before bind. SO_REUSEADDR and the buffer sizes
// are required; everything else is best-effort and only logged.
func applySockOpts(fd int, family Family, cfg SocketConfig) error {
	logger := cfg.logger()

	reuse := 0
	if cfg.ReuseAddress {
		reuse = 1
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, reuse); err != nil {
		return fmt.Errorf("set SO_REUSEADDR: %w", os.NewSyscallError("setsockopt", err))
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, packet.SocketBufferSize); err != nil {
		return fmt.Errorf("set SO_RCVBUF: %w", os.NewSyscallError("setsockopt", err))
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, packet.SocketBufferSize); err != nil {
		return fmt.Errorf("set SO_SNDBUF: %w", os.NewSyscallError("setsockopt", err))
	}

	// Blocking syscalls are bounded by the same interval as readiness waits.
	tv := unix.NsecToTimeval(ReceivePollingTime.Nanoseconds())
	bestEffort(logger, "SO_RCVTIMEO", unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv))
	bestEffort(logger, "SO_SNDTIMEO", unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv))

	switch family {
	case FamilyIPv4:
		bestEffort(logger, "SO_BROADCAST",
			unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1))
		bestEffort(logger, "IP_TTL",
			unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TTL, packet.SocketTTL))
		bestEffort(logger, "IP_MTU_DISCOVER",
			unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO))
	case FamilyIPv6:
		// Outside dual mode IPv6 sockets never see IPv4 traffic, whatever
		// the kernel default (net.ipv6.bindv6only) is. The address-in-use
		// retry requires the option; the first attempt only logs.
		switch {
		case cfg.DualMode:
			if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
				return fmt.Errorf("clear IPV6_V6ONLY: %w", os.NewSyscallError("setsockopt", err))
			}
		case cfg.V6Only:
			if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
				return fmt.Errorf("set IPV6_V6ONLY: %w", os.NewSyscallError("setsockopt", err))
			}
		default:
			bestEffort(logger, "IPV6_V6ONLY",
				unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1))
		}
	}

	return nil
}

func bestEffort(logger *slog.Logger, opt string, err error) {
	if err != nil {
		logger.Warn("socket option not applied",
			slog.String("option", opt),
			slog.String("error", err.Error()),
		)
	}
}

// controlSockOpts adapts applySockOpts to net.ListenConfig.Control. The
// runtime invokes it after its own defaults, so the IPV6_V6ONLY choice made
// here wins.
func controlSockOpts(family Family, cfg SocketConfig) func(string, string, syscall.RawConn) error {
	return func(_, _ string, c syscall.RawConn) error {
		var sockErr error

		err := c.Control(func(fd uintptr) {
			//nolint:gosec // G115: fd uintptr->int is safe; kernel FDs are always small positive integers.
			sockErr = applySockOpts(int(fd), family, cfg)
		})
		if err != nil {
			return fmt.Errorf("raw conn control: %w", err)
		}

		return sockErr
	}
}

// availableFD returns the payload size of the next queued datagram.
func availableFD(fd int) (int, error) {
	n, err := unix.IoctlGetInt(fd, unix.SIOCINQ)
	if err != nil {
		return 0, os.NewSyscallError("ioctl SIOCINQ", err)
	}
	return n, nil
}

// pollReadable waits up to timeoutMs for fd to become readable. A zero
// timeout only checks. Hang-up and error conditions count as readable so
// the following receive surfaces them.
func pollReadable(fd, timeoutMs int) (bool, error) {
	fds := [1]unix.PollFd{{
		//nolint:gosec // G115: kernel FDs fit in int32.
		Fd:     int32(fd),
		Events: unix.POLLIN,
	}}

	for {
		n, err := unix.Poll(fds[:], timeoutMs)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, os.NewSyscallError("poll", err)
		}
		if n == 0 {
			return false, nil
		}
		return fds[0].Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0, nil
	}
}
