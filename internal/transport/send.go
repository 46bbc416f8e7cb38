package transport

import (
	"log/slog"
	"net/netip"

	"github.com/dantte-lp/udpcore/internal/netio"
)

// broadcastV4 is the IPv4 limited broadcast address.
var broadcastV4 = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// SendTo sends data[offset:offset+size] to dst on the socket matching
// dst's family.
//
// The result follows the transport send contract:
//   - n > 0, nil: sent.
//   - 0, nil: not sent and nothing to report. The transport is inactive,
//     no socket serves dst's family, or the kernel dropped the datagram
//     for lack of buffer space or an interrupted call.
//   - -1, err: failed. Oversized datagrams and sends racing Close return
//     silently; any other error is also logged and passed to
//     Sink.OnTransportError.
func (t *Transport) SendTo(data []byte, offset, size int, dst *netio.Endpoint) (int, error) {
	if !t.active() || dst == nil {
		return 0, nil
	}
	if offset < 0 || size < 0 || offset > len(data) || size > len(data)-offset {
		t.metrics.IncSendErrors(dst.Family(), SendErrBadRequest)
		return -1, ErrInvalidRange
	}

	set := t.sockets.Load()
	if set == nil {
		return 0, nil
	}

	family := dst.Family()
	sock := set.primary
	if family == netio.FamilyIPv6 {
		if !set.ipv6 {
			t.metrics.IncSendErrors(family, SendErrNoSocket)
			return 0, nil
		}
		sock = set.v6
	}
	if sock == nil {
		t.metrics.IncSendErrors(family, SendErrNoSocket)
		return 0, nil
	}

	n, err := sock.SendTo(data[offset:offset+size], dst)
	if err == nil {
		t.metrics.IncDatagramsSent(family, n)
		return n, nil
	}

	switch {
	case netio.IsTransientSend(err):
		t.metrics.IncSendErrors(family, SendErrTransient)
		return 0, nil
	case netio.IsMessageTooLarge(err):
		t.metrics.IncSendErrors(family, SendErrTooLarge)
		return -1, err
	case netio.IsClosed(err) || !t.active():
		t.metrics.IncSendErrors(family, SendErrClosed)
		return -1, err
	default:
		t.metrics.IncSendErrors(family, SendErrFailed)
		t.logger.Error("send failed",
			slog.String("peer", dst.String()),
			slog.Int("size", size),
			slog.String("error", err.Error()),
		)
		t.sink.OnTransportError(err, dst)
		return -1, err
	}
}

// SendToAddr sends data to dst, resolving it through the endpoint
// registry first.
func (t *Transport) SendToAddr(data []byte, dst netip.AddrPort) (int, error) {
	return t.SendTo(data, 0, len(data), t.Resolve(dst))
}

// SendBroadcast sends data[:size] to 255.255.255.255:port on the primary
// socket and to [ff02::1]:port on the IPv6 socket, if any. The two sends
// are independent; it reports whether either delivered a positive byte
// count.
func (t *Transport) SendBroadcast(data []byte, size, port int) bool {
	if !t.active() {
		return false
	}
	if size < 0 || size > len(data) || port <= 0 || port > 0xFFFF {
		return false
	}
	set := t.sockets.Load()
	if set == nil {
		return false
	}

	payload := data[:size]
	var sent bool

	if set.primary != nil {
		//nolint:gosec // G115: port range checked above.
		dst := netio.NewEndpoint(netip.AddrPortFrom(broadcastV4, uint16(port)))
		sent = t.sendBroadcastOne(set.primary, payload, dst) || sent
	}
	if set.v6 != nil {
		//nolint:gosec // G115: port range checked above.
		dst := netio.NewEndpoint(netip.AddrPortFrom(netio.AllNodes(), uint16(port)))
		sent = t.sendBroadcastOne(set.v6, payload, dst) || sent
	}

	return sent
}

func (t *Transport) sendBroadcastOne(sock netio.Socket, payload []byte, dst *netio.Endpoint) bool {
	n, err := sock.SendTo(payload, dst)
	if err != nil {
		if t.active() && !netio.IsClosed(err) {
			t.logger.Error("broadcast send failed",
				slog.String("dst", dst.String()),
				slog.String("error", err.Error()),
			)
		}
		t.metrics.IncSendErrors(sock.Family(), SendErrFailed)
		return false
	}
	t.metrics.IncDatagramsSent(sock.Family(), n)
	return n > 0
}
