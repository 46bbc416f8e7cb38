package transport_test

import (
	"errors"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/dantte-lp/udpcore/internal/netio"
	"github.com/dantte-lp/udpcore/internal/packet"
	"github.com/dantte-lp/udpcore/internal/transport"
)

// -------------------------------------------------------------------------
// fakeSocket: in-memory netio.Socket
// -------------------------------------------------------------------------

type fakeDatagram struct {
	payload []byte
	peer    netip.AddrPort
}

// fakeSocket is a netio.Socket backed by an in-memory queue. Errors queued
// with failNext are returned by WaitReadable before any datagram.
type fakeSocket struct {
	family netio.Family
	local  netip.AddrPort
	cfg    netio.SocketConfig

	mu       sync.Mutex
	queue    []fakeDatagram
	recvErrs []error
	sendErr  error
	sent     []fakeDatagram
	ttl      int
	joined   bool
	closed   bool

	// readyWaits counts WaitReadable calls that returned ready.
	readyWaits int
	// closeHook runs at the start of Close.
	closeHook func()
}

var _ netio.Socket = (*fakeSocket)(nil)

func (s *fakeSocket) Family() netio.Family      { return s.family }
func (s *fakeSocket) LocalAddr() netip.AddrPort { return s.local }
func (s *fakeSocket) Native() bool              { return false }

func (s *fakeSocket) push(payload []byte, peer netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, fakeDatagram{payload: slices.Clone(payload), peer: peer})
}

// pushMany queues every payload from peer at once.
func (s *fakeSocket) pushMany(peer netip.AddrPort, payloads ...[]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range payloads {
		s.queue = append(s.queue, fakeDatagram{payload: slices.Clone(p), peer: peer})
	}
}

func (s *fakeSocket) readyWaitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyWaits
}

func (s *fakeSocket) setCloseHook(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeHook = fn
}

func (s *fakeSocket) failNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recvErrs = append(s.recvErrs, err)
}

func (s *fakeSocket) setSendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

func (s *fakeSocket) sentDatagrams() []fakeDatagram {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sent)
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSocket) Available() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, netio.ErrSocketClosed
	}
	// Queued errors surface from WaitReadable first.
	if len(s.queue) == 0 || len(s.recvErrs) > 0 {
		return 0, nil
	}
	return len(s.queue[0].payload), nil
}

// poll checks the socket once. done is false when nothing happened.
func (s *fakeSocket) poll() (ready, done bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return false, true, netio.ErrSocketClosed
	case len(s.recvErrs) > 0:
		err := s.recvErrs[0]
		s.recvErrs = s.recvErrs[1:]
		return false, true, err
	case len(s.queue) > 0:
		s.readyWaits++
		return true, true, nil
	}
	return false, false, nil
}

func (s *fakeSocket) WaitReadable(timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		if ready, done, err := s.poll(); done {
			return ready, err
		}
		if timeout <= 0 || time.Now().After(deadline) {
			return false, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (s *fakeSocket) ReceiveFrom(buf []byte, from *netio.RawAddr) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, netio.ErrSocketClosed
	}
	if len(s.queue) == 0 {
		return 0, errors.New("fake: receive on empty queue")
	}
	d := s.queue[0]
	s.queue = s.queue[1:]
	from.Encode(d.peer)
	return copy(buf, d.payload), nil
}

func (s *fakeSocket) SendTo(buf []byte, to *netio.Endpoint) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, netio.ErrSocketClosed
	}
	if s.sendErr != nil {
		return 0, s.sendErr
	}
	s.sent = append(s.sent, fakeDatagram{payload: slices.Clone(buf), peer: to.AddrPort()})
	return len(buf), nil
}

func (s *fakeSocket) TTL() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttl, nil
}

func (s *fakeSocket) SetTTL(ttl int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttl = ttl
	return nil
}

func (s *fakeSocket) JoinAllNodes() error {
	if s.family != netio.FamilyIPv6 {
		return netio.ErrNotIPv6
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joined = true
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	hook := s.closeHook
	s.closeHook = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// -------------------------------------------------------------------------
// fakeNet: netio.ListenFunc over fakeSockets
// -------------------------------------------------------------------------

// fakeNet hands out fakeSockets. Errors queued with failListen are
// returned, in order, by the next listen calls for that family. With
// exclusive set, a port held by an open socket of the same family fails
// with EADDRINUSE.
type fakeNet struct {
	mu        sync.Mutex
	nextPort  uint16
	exclusive bool
	errs      map[netio.Family][]error
	sockets   []*fakeSocket
	calls     []listenCall
}

type listenCall struct {
	family netio.Family
	laddr  netip.AddrPort
	cfg    netio.SocketConfig
}

func newFakeNet() *fakeNet {
	return &fakeNet{nextPort: 40000, errs: make(map[netio.Family][]error)}
}

func (n *fakeNet) failListen(family netio.Family, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs[family] = append(n.errs[family], err)
}

func (n *fakeNet) listen(family netio.Family, laddr netip.AddrPort, cfg netio.SocketConfig) (netio.Socket, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.calls = append(n.calls, listenCall{family: family, laddr: laddr, cfg: cfg})
	if errs := n.errs[family]; len(errs) > 0 {
		n.errs[family] = errs[1:]
		return nil, errs[0]
	}

	port := laddr.Port()
	if n.exclusive && port != 0 {
		for _, held := range n.sockets {
			if held.family == family && held.local.Port() == port && !held.isClosed() {
				return nil, syscall.EADDRINUSE
			}
		}
	}
	if port == 0 {
		n.nextPort++
		port = n.nextPort
	}
	s := &fakeSocket{
		family: family,
		local:  netip.AddrPortFrom(laddr.Addr(), port),
		cfg:    cfg,
		ttl:    packet.SocketTTL,
	}
	n.sockets = append(n.sockets, s)
	return s, nil
}

func (n *fakeNet) socket(t *testing.T, i int) *fakeSocket {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if i >= len(n.sockets) {
		t.Fatalf("fake socket %d not created (have %d)", i, len(n.sockets))
	}
	return n.sockets[i]
}

func (n *fakeNet) listenCalls() []listenCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.calls)
}

// -------------------------------------------------------------------------
// recordingSink
// -------------------------------------------------------------------------

type received struct {
	payload []byte
	from    *netio.Endpoint
}

type reportedError struct {
	err  error
	peer *netio.Endpoint
}

// recordingSink copies every datagram, releases the buffer, and forwards
// both datagrams and errors on buffered channels.
type recordingSink struct {
	pool      *packet.Pool
	datagrams chan received
	errs      chan reportedError
}

func newRecordingSink(pool *packet.Pool) *recordingSink {
	return &recordingSink{
		pool:      pool,
		datagrams: make(chan received, 256),
		errs:      make(chan reportedError, 64),
	}
}

func (s *recordingSink) OnDatagramReceived(buf *packet.Buffer, offset int, from *netio.Endpoint) {
	payload := slices.Clone(buf.Bytes()[offset:])
	s.pool.Release(buf)
	s.datagrams <- received{payload: payload, from: from}
}

func (s *recordingSink) OnTransportError(err error, peer *netio.Endpoint) {
	s.errs <- reportedError{err: err, peer: peer}
}

func (s *recordingSink) waitDatagram(t *testing.T) received {
	t.Helper()
	select {
	case d := <-s.datagrams:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no datagram delivered within 2s")
		return received{}
	}
}

func (s *recordingSink) waitError(t *testing.T) reportedError {
	t.Helper()
	select {
	case e := <-s.errs:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no transport error reported within 2s")
		return reportedError{}
	}
}

func (s *recordingSink) expectNoDatagram(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case d := <-s.datagrams:
		t.Fatalf("unexpected datagram %q from %s", d.payload, d.from)
	case <-time.After(within):
	}
}

func (s *recordingSink) expectNoError(t *testing.T) {
	t.Helper()
	select {
	case e := <-s.errs:
		t.Fatalf("unexpected transport error: %v (peer %s)", e.err, e.peer)
	default:
	}
}

// -------------------------------------------------------------------------
// fakeLifecycle
// -------------------------------------------------------------------------

type fakeLifecycle struct {
	mu       sync.Mutex
	pause    func()
	resume   func()
	attached int
	detached int
}

func (l *fakeLifecycle) Attach(pause, resume func()) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pause, l.resume = pause, resume
	l.attached++
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.detached++
	}
}

func (l *fakeLifecycle) fire(t *testing.T, pause bool) {
	t.Helper()
	l.mu.Lock()
	fn := l.resume
	if pause {
		fn = l.pause
	}
	l.mu.Unlock()
	if fn == nil {
		t.Fatal("lifecycle not attached")
	}
	fn()
}

func (l *fakeLifecycle) counts() (attached, detached int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attached, l.detached
}

// -------------------------------------------------------------------------
// helpers
// -------------------------------------------------------------------------

type fixture struct {
	tr   *transport.Transport
	net  *fakeNet
	sink *recordingSink
}

func newFixture(t *testing.T, ipv6 bool, opts ...transport.Option) *fixture {
	t.Helper()

	pool := packet.NewPool()
	f := &fixture{net: newFakeNet(), sink: newRecordingSink(pool)}
	opts = append([]transport.Option{
		transport.WithPlatform(netio.StaticPlatform{IPv6: ipv6}),
		transport.WithListenFunc(f.net.listen),
		transport.WithPool(pool),
	}, opts...)
	f.tr = transport.New(f.sink, discardLogger(), opts...)
	t.Cleanup(func() { f.tr.Close(false) })
	return f
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func bindOpts(mode netio.IPv6Mode, manual bool) netio.BindOptions {
	opts := netio.DefaultBindOptions()
	opts.IPv6Mode = mode
	opts.ManualMode = manual
	return opts
}
