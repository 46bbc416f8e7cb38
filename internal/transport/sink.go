package transport

import (
	"github.com/dantte-lp/udpcore/internal/netio"
	"github.com/dantte-lp/udpcore/internal/packet"
)

// Sink is the upward contract to the message-processing layer.
//
// Both methods are called from receive goroutines (or from the caller of
// ManualReceive) and must not block for long: a slow sink delays every
// datagram queued behind it on the same socket. A Sink may call Close,
// including Close(false) from inside a callback.
type Sink interface {
	// OnDatagramReceived delivers one datagram. buf.Bytes()[offset:] is
	// the payload and ownership of buf passes to the sink.
	OnDatagramReceived(buf *packet.Buffer, offset int, from *netio.Endpoint)

	// OnTransportError reports a failure the transport could not absorb.
	// peer is nil when the failure is not tied to one endpoint.
	OnTransportError(err error, peer *netio.Endpoint)
}

// Allocator is the buffer pool contract. *packet.Pool implements it.
type Allocator interface {
	Acquire(maxSize int) *packet.Buffer
	Release(buf *packet.Buffer)
}

var _ Allocator = (*packet.Pool)(nil)

// SinkFuncs adapts a pair of functions to Sink. A nil Datagram releases
// nothing and drops the buffer; a nil Error ignores errors.
type SinkFuncs struct {
	Datagram func(buf *packet.Buffer, offset int, from *netio.Endpoint)
	Error    func(err error, peer *netio.Endpoint)
}

// OnDatagramReceived implements Sink.
func (f SinkFuncs) OnDatagramReceived(buf *packet.Buffer, offset int, from *netio.Endpoint) {
	if f.Datagram != nil {
		f.Datagram(buf, offset, from)
	}
}

// OnTransportError implements Sink.
func (f SinkFuncs) OnTransportError(err error, peer *netio.Endpoint) {
	if f.Error != nil {
		f.Error(err, peer)
	}
}
