package main

import (
	"log/slog"
	"sync/atomic"

	"github.com/dantte-lp/udpcore/internal/netio"
	"github.com/dantte-lp/udpcore/internal/packet"
	"github.com/dantte-lp/udpcore/internal/transport"
)

// sender is the part of the transport the sink needs to echo datagrams.
type sender interface {
	SendTo(data []byte, offset, size int, dst *netio.Endpoint) (int, error)
}

// echoSink logs every datagram and, when echo is enabled, sends it back to
// its sender. It releases each buffer after use.
type echoSink struct {
	pool   transport.Allocator
	logger *slog.Logger
	echo   atomic.Bool
	out    atomic.Pointer[sender]
}

var _ transport.Sink = (*echoSink)(nil)

func newEchoSink(pool transport.Allocator, echo bool, logger *slog.Logger) *echoSink {
	s := &echoSink{
		pool:   pool,
		logger: logger.With(slog.String("component", "sink")),
	}
	s.echo.Store(echo)
	return s
}

// attach sets the transport used for echo replies.
func (s *echoSink) attach(out sender) {
	s.out.Store(&out)
}

func (s *echoSink) setEcho(enabled bool) {
	s.echo.Store(enabled)
}

// OnDatagramReceived implements transport.Sink.
func (s *echoSink) OnDatagramReceived(buf *packet.Buffer, offset int, from *netio.Endpoint) {
	defer s.pool.Release(buf)

	s.logger.Debug("datagram received",
		slog.String("from", from.String()),
		slog.Int("size", buf.Size-offset),
	)

	if !s.echo.Load() {
		return
	}
	out := s.out.Load()
	if out == nil {
		return
	}

	if _, err := (*out).SendTo(buf.Data, offset, buf.Size-offset, from); err != nil {
		s.logger.Debug("echo failed",
			slog.String("to", from.String()),
			slog.String("error", err.Error()),
		)
	}
}

// OnTransportError implements transport.Sink.
func (s *echoSink) OnTransportError(err error, peer *netio.Endpoint) {
	s.logger.Warn("transport error",
		slog.String("peer", peer.String()),
		slog.String("error", err.Error()),
	)
}
