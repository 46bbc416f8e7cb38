package transport

import (
	"log/slog"
	"sync/atomic"

	"github.com/dantte-lp/udpcore/internal/netio"
	"github.com/dantte-lp/udpcore/internal/packet"
)

// maxManualBatch caps the datagrams one ManualReceive call drains from a
// single socket, so a flooded socket cannot pin the caller.
const maxManualBatch = 1024

// receiver is one receive goroutine bound to one socket.
type receiver struct {
	sock netio.Socket
	done chan struct{}

	// inSink is set while the goroutine runs a sink callback. Close does
	// not wait for such a receiver; it exits once the callback returns.
	inSink atomic.Bool
}

// enterSink and leaveSink bracket sink callbacks. A nil receiver is the
// ManualReceive caller.
func (r *receiver) enterSink() {
	if r != nil {
		r.inSink.Store(true)
	}
}

func (r *receiver) leaveSink() {
	if r != nil {
		r.inSink.Store(false)
	}
}

// startReceiver launches the receive loop for sock. Caller holds t.mu.
func (t *Transport) startReceiver(sock netio.Socket) {
	r := &receiver{sock: sock, done: make(chan struct{})}
	t.receivers = append(t.receivers, r)
	go t.receiveLoop(r)
}

// receiveLoop delivers one datagram per iteration until the transport
// stops or a terminal error is observed. It reads straight away when
// data is already queued and otherwise waits for readability in
// ReceivePollingTime slices.
func (t *Transport) receiveLoop(r *receiver) {
	defer close(r.done)

	logger := t.logger.With(
		slog.String("family", r.sock.Family().String()),
		slog.Int("port", int(r.sock.LocalAddr().Port())),
	)
	logger.Debug("receive loop started", slog.Bool("native", r.sock.Native()))
	defer logger.Debug("receive loop stopped")

	var from netio.RawAddr
	for t.active() {
		// An error here resurfaces from WaitReadable.
		if n, err := r.sock.Available(); err == nil && n > 0 {
			if !t.receiveOne(r, r.sock, &from) {
				return
			}
			continue
		}

		ready, err := r.sock.WaitReadable(netio.ReceivePollingTime)
		if err != nil {
			if t.handleReceiveError(r, r.sock, err) {
				return
			}
			continue
		}
		if !ready {
			continue
		}
		if !t.receiveOne(r, r.sock, &from) {
			return
		}
	}
}

// receiveOne reads one datagram from sock into a pooled buffer and hands
// it to the sink. It returns false when the caller must stop reading.
// Oversized datagrams come back from ReceiveFrom as ignorable EMSGSIZE
// and are dropped here.
func (t *Transport) receiveOne(r *receiver, sock netio.Socket, from *netio.RawAddr) bool {
	buf := t.pool.Acquire(packet.MaxPacketSize)

	n, err := sock.ReceiveFrom(buf.Data[:packet.MaxPacketSize], from)
	if err != nil {
		t.pool.Release(buf)
		return !t.handleReceiveError(r, sock, err)
	}
	buf.Size = n

	ep, hit, err := t.registry.Resolve(from)
	t.metrics.IncEndpointLookups(hit)
	if err != nil {
		t.pool.Release(buf)
		return !t.handleReceiveError(r, sock, err)
	}

	t.metrics.IncDatagramsReceived(sock.Family(), n)
	r.enterSink()
	t.sink.OnDatagramReceived(buf, 0, ep)
	r.leaveSink()
	return true
}

// handleReceiveError routes err through the classifier. It returns true
// when the loop must stop. Errors raised after the transport went inactive
// are the expected result of Close and are dropped silently.
func (t *Transport) handleReceiveError(r *receiver, sock netio.Socket, err error) bool {
	if !t.active() {
		return true
	}

	outcome := netio.Classify(err)
	t.metrics.IncReceiveErrors(sock.Family(), outcome)

	switch outcome {
	case netio.Terminal:
		t.logger.Debug("receive loop terminated", slog.String("error", err.Error()))
		return true
	case netio.Ignorable:
		t.logger.Debug("ignored receive error", slog.String("error", err.Error()))
		return false
	default:
		t.logger.Error("receive failed",
			slog.String("family", sock.Family().String()),
			slog.String("error", err.Error()),
		)
		r.enterSink()
		t.sink.OnTransportError(err, nil)
		r.leaveSink()
		return false
	}
}

// ManualReceive drains the datagrams currently queued on every socket
// without blocking. It is a no-op unless the transport was bound in
// manual mode and is active.
func (t *Transport) ManualReceive() {
	if !t.active() {
		return
	}
	set := t.sockets.Load()
	if set == nil || !set.manual {
		return
	}

	t.drain(set.primary)
	if set.v6 != set.primary {
		t.drain(set.v6)
	}
}

func (t *Transport) drain(sock netio.Socket) {
	if sock == nil {
		return
	}

	var from netio.RawAddr
	for range maxManualBatch {
		ready, err := sock.WaitReadable(0)
		if err != nil {
			t.handleReceiveError(nil, sock, err)
			return
		}
		if !ready || !t.receiveOne(nil, sock, &from) {
			return
		}
		if !t.active() {
			return
		}
	}
}
