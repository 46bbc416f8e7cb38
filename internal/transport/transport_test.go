package transport_test

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/dantte-lp/udpcore/internal/netio"
	"github.com/dantte-lp/udpcore/internal/packet"
	"github.com/dantte-lp/udpcore/internal/transport"
)

// -------------------------------------------------------------------------
// Bind
// -------------------------------------------------------------------------

func TestBindSocketLayout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		ipv6        bool
		mode        netio.IPv6Mode
		wantSockets int
		wantDual    bool
		wantFamily  netio.Family
	}{
		{name: "separate", ipv6: true, mode: netio.IPv6SeparateSocket, wantSockets: 2, wantFamily: netio.FamilyIPv4},
		{name: "dual", ipv6: true, mode: netio.IPv6DualMode, wantSockets: 1, wantDual: true, wantFamily: netio.FamilyIPv6},
		{name: "disabled", ipv6: true, mode: netio.IPv6Disabled, wantSockets: 1, wantFamily: netio.FamilyIPv4},
		{name: "dual_without_ipv6", ipv6: false, mode: netio.IPv6DualMode, wantSockets: 1, wantFamily: netio.FamilyIPv4},
		{name: "separate_without_ipv6", ipv6: false, mode: netio.IPv6SeparateSocket, wantSockets: 1, wantFamily: netio.FamilyIPv4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, tt.ipv6)
			if !f.tr.Bind(bindOpts(tt.mode, true)) {
				t.Fatal("Bind returned false")
			}

			if got := f.tr.SocketCount(); got != tt.wantSockets {
				t.Errorf("SocketCount() = %d, want %d", got, tt.wantSockets)
			}
			if got := f.tr.DualMode(); got != tt.wantDual {
				t.Errorf("DualMode() = %v, want %v", got, tt.wantDual)
			}
			if f.tr.State() != transport.StateBound || !f.tr.IsRunning() {
				t.Errorf("State() = %s, IsRunning() = %v", f.tr.State(), f.tr.IsRunning())
			}

			primary := f.net.socket(t, 0)
			if primary.family != tt.wantFamily {
				t.Errorf("primary family = %s, want %s", primary.family, tt.wantFamily)
			}
			if primary.cfg.DualMode != tt.wantDual {
				t.Errorf("primary DualMode config = %v, want %v", primary.cfg.DualMode, tt.wantDual)
			}
			if got := f.tr.LocalPort(); got != int(primary.local.Port()) {
				t.Errorf("LocalPort() = %d, want %d", got, primary.local.Port())
			}

			if tt.wantSockets == 2 {
				v6 := f.net.socket(t, 1)
				if v6.family != netio.FamilyIPv6 {
					t.Errorf("second socket family = %s, want ipv6", v6.family)
				}
				if v6.local.Port() != primary.local.Port() {
					t.Errorf("ipv6 port %d differs from primary port %d", v6.local.Port(), primary.local.Port())
				}
				if !v6.joined {
					t.Error("ipv6 socket did not join ff02::1")
				}
			}
		})
	}
}

func TestBindIPv6AddressInUseRetriesV6Only(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	f.net.failListen(netio.FamilyIPv6, os.NewSyscallError("bind", syscall.EADDRINUSE))

	if !f.tr.Bind(bindOpts(netio.IPv6SeparateSocket, true)) {
		t.Fatal("Bind returned false")
	}
	if got := f.tr.SocketCount(); got != 2 {
		t.Fatalf("SocketCount() = %d, want 2", got)
	}

	calls := f.net.listenCalls()
	if len(calls) != 3 {
		t.Fatalf("listen called %d times, want 3", len(calls))
	}
	retry := calls[2]
	if retry.family != netio.FamilyIPv6 || !retry.cfg.V6Only {
		t.Errorf("retry = %s V6Only=%v, want ipv6 with V6Only", retry.family, retry.cfg.V6Only)
	}
	if retry.laddr != calls[1].laddr {
		t.Errorf("retry address %s differs from first attempt %s", retry.laddr, calls[1].laddr)
	}
}

func TestBindIPv6AddressInUseInDualModeFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	f.net.failListen(netio.FamilyIPv6, syscall.EADDRINUSE)

	if f.tr.Bind(bindOpts(netio.IPv6DualMode, true)) {
		t.Fatal("Bind succeeded although the dual-stack socket was in use")
	}
	if f.tr.State() != transport.StateUnbound {
		t.Errorf("State() = %s, want unbound", f.tr.State())
	}
	if got := len(f.net.listenCalls()); got != 1 {
		t.Errorf("listen called %d times, want 1 (no retry in dual mode)", got)
	}
}

func TestBindSecondaryFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	f.net.failListen(netio.FamilyIPv6, syscall.EACCES)

	if !f.tr.Bind(bindOpts(netio.IPv6SeparateSocket, true)) {
		t.Fatal("Bind returned false")
	}
	if got := f.tr.SocketCount(); got != 1 {
		t.Errorf("SocketCount() = %d, want 1", got)
	}

	n, err := f.tr.SendToAddr([]byte("x"), netip.MustParseAddrPort("[2001:db8::1]:9"))
	if n != 0 || err != nil {
		t.Errorf("SendToAddr(ipv6) = %d, %v; want 0, nil", n, err)
	}
}

func TestBindAddressFamilyNotSupportedIsSoft(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	f.net.failListen(netio.FamilyIPv4, syscall.EAFNOSUPPORT)

	opts := bindOpts(netio.IPv6Disabled, true)
	opts.Port = 7777
	if !f.tr.Bind(opts) {
		t.Fatal("Bind returned false")
	}
	if !f.tr.SoftBound() {
		t.Error("SoftBound() = false")
	}
	if got := f.tr.SocketCount(); got != 0 {
		t.Errorf("SocketCount() = %d, want 0", got)
	}
	if got := f.tr.LocalPort(); got != 7777 {
		t.Errorf("LocalPort() = %d, want 7777", got)
	}

	n, err := f.tr.SendToAddr([]byte("x"), netip.MustParseAddrPort("10.0.0.1:9"))
	if n != 0 || err != nil {
		t.Errorf("SendToAddr = %d, %v; want 0, nil", n, err)
	}
	if _, err := f.tr.TTL(); !errors.Is(err, transport.ErrNotBound) {
		t.Errorf("TTL() error = %v, want ErrNotBound", err)
	}
}

func TestBindPrimaryFailureLeavesTransportUnbound(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	f.net.failListen(netio.FamilyIPv4, syscall.EADDRINUSE)

	if f.tr.Bind(bindOpts(netio.IPv6Disabled, true)) {
		t.Fatal("Bind succeeded on an address in use")
	}
	if f.tr.State() != transport.StateUnbound || f.tr.IsRunning() {
		t.Fatalf("State() = %s, IsRunning() = %v after failed bind", f.tr.State(), f.tr.IsRunning())
	}

	if !f.tr.Bind(bindOpts(netio.IPv6Disabled, true)) {
		t.Fatal("second Bind returned false")
	}
}

func TestBindRejectsBadInputAndRebind(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)

	opts := bindOpts(netio.IPv6Disabled, true)
	opts.Port = 70000
	if f.tr.Bind(opts) {
		t.Fatal("Bind accepted port 70000")
	}

	if !f.tr.Bind(bindOpts(netio.IPv6Disabled, true)) {
		t.Fatal("Bind returned false")
	}
	if f.tr.Bind(bindOpts(netio.IPv6Disabled, true)) {
		t.Error("Bind on a bound transport returned true")
	}
}

// -------------------------------------------------------------------------
// Receive
// -------------------------------------------------------------------------

func TestReceiveDeliversInOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	if !f.tr.Bind(bindOpts(netio.IPv6Disabled, false)) {
		t.Fatal("Bind returned false")
	}
	sock := f.net.socket(t, 0)
	peer := netip.MustParseAddrPort("10.9.8.7:1234")

	for i := range 5 {
		sock.push([]byte{byte(i)}, peer)
	}
	for i := range 5 {
		d := f.sink.waitDatagram(t)
		if len(d.payload) != 1 || d.payload[0] != byte(i) {
			t.Fatalf("datagram %d payload = %v", i, d.payload)
		}
		if d.from.AddrPort() != peer {
			t.Errorf("from = %s, want %s", d.from, peer)
		}
	}
}

func TestReceiveErrorClassification(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	if !f.tr.Bind(bindOpts(netio.IPv6Disabled, false)) {
		t.Fatal("Bind returned false")
	}
	sock := f.net.socket(t, 0)
	peer := netip.MustParseAddrPort("10.0.0.2:5000")

	sock.failNext(syscall.ECONNRESET)
	sock.failNext(os.ErrDeadlineExceeded)
	sock.failNext(syscall.ECONNREFUSED)
	sock.push([]byte("after"), peer)

	e := f.sink.waitError(t)
	if !errors.Is(e.err, syscall.ECONNREFUSED) {
		t.Errorf("reported error = %v, want ECONNREFUSED", e.err)
	}
	if e.peer != nil {
		t.Errorf("reported peer = %s, want nil", e.peer)
	}

	if d := f.sink.waitDatagram(t); string(d.payload) != "after" {
		t.Errorf("payload = %q, want %q", d.payload, "after")
	}
	f.sink.expectNoError(t)

	// A terminal error stops the loop: later datagrams stay queued.
	sock.failNext(syscall.EBADF)
	time.Sleep(20 * time.Millisecond)
	sock.push([]byte("late"), peer)
	f.sink.expectNoDatagram(t, 100*time.Millisecond)
	f.sink.expectNoError(t)
}

func TestReceiveReadsQueuedDataWithoutWaiting(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	if !f.tr.Bind(bindOpts(netio.IPv6Disabled, false)) {
		t.Fatal("Bind returned false")
	}
	sock := f.net.socket(t, 0)
	peer := netip.MustParseAddrPort("10.1.1.1:1")

	sock.pushMany(peer, []byte("a"), []byte("b"), []byte("c"), []byte("d"), []byte("e"))
	for range 5 {
		f.sink.waitDatagram(t)
	}

	// At most the first datagram is found by a readiness wait; the rest
	// are already queued when the loop checks.
	if got := sock.readyWaitCount(); got > 1 {
		t.Errorf("ready WaitReadable calls = %d, want at most 1", got)
	}
}

func TestReceiveRegisteredEndpointIdentity(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	if !f.tr.Bind(bindOpts(netio.IPv6DualMode, false)) {
		t.Fatal("Bind returned false")
	}

	peer := netip.MustParseAddrPort("192.0.2.50:4444")
	registered := f.tr.RegisterEndpoint(netio.NewEndpoint(peer))
	if f.tr.Resolve(peer) != registered {
		t.Fatal("Resolve did not return the registered endpoint")
	}

	// The dual-stack socket reports the IPv4 peer as IPv4-mapped.
	sock := f.net.socket(t, 0)
	sock.push([]byte("hello"), netip.AddrPortFrom(netip.AddrFrom16(peer.Addr().As16()), peer.Port()))

	d := f.sink.waitDatagram(t)
	if d.from != registered {
		t.Errorf("delivered endpoint %p (%s), want registered %p", d.from, d.from, registered)
	}

	f.tr.UnregisterEndpoint(registered)
	sock.push([]byte("again"), peer)
	if d := f.sink.waitDatagram(t); d.from == registered {
		t.Error("unregistered endpoint still delivered by identity")
	}
}

func TestManualReceive(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	if !f.tr.Bind(bindOpts(netio.IPv6SeparateSocket, true)) {
		t.Fatal("Bind returned false")
	}
	v4, v6 := f.net.socket(t, 0), f.net.socket(t, 1)

	v4.push([]byte("a"), netip.MustParseAddrPort("10.0.0.1:1"))
	v4.push([]byte("b"), netip.MustParseAddrPort("10.0.0.1:1"))
	v6.push([]byte("c"), netip.MustParseAddrPort("[2001:db8::1]:1"))

	// No receive goroutines in manual mode.
	f.sink.expectNoDatagram(t, 50*time.Millisecond)

	f.tr.ManualReceive()

	var got []string
	for range 3 {
		got = append(got, string(f.sink.waitDatagram(t).payload))
	}
	if fmt.Sprint(got) != "[a b c]" {
		t.Errorf("drained %v, want [a b c]", got)
	}

	f.tr.ManualReceive()
	f.sink.expectNoDatagram(t, 20*time.Millisecond)
}

func TestManualReceiveAfterClose(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	if !f.tr.Bind(bindOpts(netio.IPv6Disabled, true)) {
		t.Fatal("Bind returned false")
	}
	f.tr.Close(false)

	sock := f.net.socket(t, 0)
	sock.push([]byte("x"), netip.MustParseAddrPort("10.0.0.1:1"))
	f.tr.ManualReceive()
	f.sink.expectNoDatagram(t, 20*time.Millisecond)
}

// -------------------------------------------------------------------------
// Send
// -------------------------------------------------------------------------

func TestSendToErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		sendErr    error
		wantN      int
		wantErr    bool
		wantReport bool
	}{
		{name: "ok", wantN: 3},
		{name: "enobufs", sendErr: syscall.ENOBUFS, wantN: 0},
		{name: "eintr", sendErr: os.NewSyscallError("sendto", syscall.EINTR), wantN: 0},
		{name: "eagain", sendErr: syscall.EAGAIN, wantN: 0},
		{name: "emsgsize", sendErr: syscall.EMSGSIZE, wantN: -1, wantErr: true},
		{name: "closed", sendErr: netio.ErrSocketClosed, wantN: -1, wantErr: true},
		{name: "ehostunreach", sendErr: syscall.EHOSTUNREACH, wantN: -1, wantErr: true, wantReport: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, false)
			if !f.tr.Bind(bindOpts(netio.IPv6Disabled, true)) {
				t.Fatal("Bind returned false")
			}
			sock := f.net.socket(t, 0)
			sock.setSendErr(tt.sendErr)

			dst := netio.NewEndpoint(netip.MustParseAddrPort("10.1.1.1:9000"))
			n, err := f.tr.SendTo([]byte("xxabcxx"), 2, 3, dst)
			if n != tt.wantN {
				t.Errorf("n = %d, want %d", n, tt.wantN)
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}

			if tt.wantReport {
				e := f.sink.waitError(t)
				if e.peer != dst {
					t.Errorf("reported peer = %v, want %s", e.peer, dst)
				}
			} else {
				f.sink.expectNoError(t)
			}

			if tt.sendErr == nil {
				sent := sock.sentDatagrams()
				if len(sent) != 1 || string(sent[0].payload) != "abc" || sent[0].peer != dst.AddrPort() {
					t.Errorf("sent = %+v", sent)
				}
			}
		})
	}
}

func TestSendToFamilySelection(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	if !f.tr.Bind(bindOpts(netio.IPv6SeparateSocket, true)) {
		t.Fatal("Bind returned false")
	}
	v4, v6 := f.net.socket(t, 0), f.net.socket(t, 1)

	if n, err := f.tr.SendToAddr([]byte("4"), netip.MustParseAddrPort("10.0.0.1:1")); n != 1 || err != nil {
		t.Fatalf("ipv4 send = %d, %v", n, err)
	}
	if n, err := f.tr.SendToAddr([]byte("6"), netip.MustParseAddrPort("[2001:db8::1]:1")); n != 1 || err != nil {
		t.Fatalf("ipv6 send = %d, %v", n, err)
	}
	if n, err := f.tr.SendToAddr([]byte("m"), netip.MustParseAddrPort("[::ffff:10.0.0.2]:1")); n != 1 || err != nil {
		t.Fatalf("mapped send = %d, %v", n, err)
	}

	if got := len(v4.sentDatagrams()); got != 2 {
		t.Errorf("ipv4 socket sent %d datagrams, want 2", got)
	}
	if got := len(v6.sentDatagrams()); got != 1 {
		t.Errorf("ipv6 socket sent %d datagrams, want 1", got)
	}
}

func TestSendToIPv6OnIPv4OnlyTransport(t *testing.T) {
	t.Parallel()

	for _, ipv6 := range []bool{true, false} {
		t.Run(fmt.Sprintf("platform_ipv6_%v", ipv6), func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, ipv6)
			if !f.tr.Bind(bindOpts(netio.IPv6Disabled, true)) {
				t.Fatal("Bind returned false")
			}

			n, err := f.tr.SendToAddr([]byte("x"), netip.MustParseAddrPort("[2001:db8::5]:53"))
			if n != 0 || err != nil {
				t.Errorf("SendToAddr = %d, %v; want 0, nil", n, err)
			}
			f.sink.expectNoError(t)
		})
	}
}

func TestSendToInvalidRange(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	if !f.tr.Bind(bindOpts(netio.IPv6Disabled, true)) {
		t.Fatal("Bind returned false")
	}
	dst := netio.NewEndpoint(netip.MustParseAddrPort("10.0.0.1:1"))

	for _, r := range [][2]int{{-1, 1}, {0, 5}, {3, 2}, {5, 0}, {0, -1}} {
		n, err := f.tr.SendTo([]byte("abcd"), r[0], r[1], dst)
		if n != -1 || !errors.Is(err, transport.ErrInvalidRange) {
			t.Errorf("SendTo(offset=%d, size=%d) = %d, %v; want -1, ErrInvalidRange", r[0], r[1], n, err)
		}
	}
	f.sink.expectNoError(t)
}

func TestSendBroadcast(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		v4Err  error
		v6Err  error
		wantOK bool
		wantV4 int
		wantV6 int
	}{
		{name: "both", wantOK: true, wantV4: 1, wantV6: 1},
		{name: "v4_fails", v4Err: syscall.EACCES, wantOK: true, wantV6: 1},
		{name: "v6_fails", v6Err: syscall.ENETUNREACH, wantOK: true, wantV4: 1},
		{name: "both_fail", v4Err: syscall.EACCES, v6Err: syscall.ENETUNREACH},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, true)
			if !f.tr.Bind(bindOpts(netio.IPv6SeparateSocket, true)) {
				t.Fatal("Bind returned false")
			}
			v4, v6 := f.net.socket(t, 0), f.net.socket(t, 1)
			v4.setSendErr(tt.v4Err)
			v6.setSendErr(tt.v6Err)

			if got := f.tr.SendBroadcast([]byte("discover!"), 8, 5000); got != tt.wantOK {
				t.Errorf("SendBroadcast() = %v, want %v", got, tt.wantOK)
			}

			sent4, sent6 := v4.sentDatagrams(), v6.sentDatagrams()
			if len(sent4) != tt.wantV4 || len(sent6) != tt.wantV6 {
				t.Fatalf("sent v4=%d v6=%d, want %d/%d", len(sent4), len(sent6), tt.wantV4, tt.wantV6)
			}
			if len(sent4) == 1 {
				if sent4[0].peer != netip.MustParseAddrPort("255.255.255.255:5000") {
					t.Errorf("ipv4 broadcast to %s", sent4[0].peer)
				}
				if string(sent4[0].payload) != "discover" {
					t.Errorf("payload = %q, want %q", sent4[0].payload, "discover")
				}
			}
			if len(sent6) == 1 && sent6[0].peer != netip.MustParseAddrPort("[ff02::1]:5000") {
				t.Errorf("ipv6 multicast to %s", sent6[0].peer)
			}
		})
	}
}

// -------------------------------------------------------------------------
// Close, Pause, Resume
// -------------------------------------------------------------------------

func TestCloseIsTerminal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	if !f.tr.Bind(bindOpts(netio.IPv6SeparateSocket, false)) {
		t.Fatal("Bind returned false")
	}

	f.tr.Close(false)
	f.tr.Close(false)

	if f.tr.State() != transport.StateClosed || f.tr.IsRunning() {
		t.Errorf("State() = %s, IsRunning() = %v", f.tr.State(), f.tr.IsRunning())
	}
	for i := range 2 {
		if !f.net.socket(t, i).isClosed() {
			t.Errorf("socket %d not closed", i)
		}
	}
	if f.tr.SocketCount() != 0 {
		t.Errorf("SocketCount() = %d after Close", f.tr.SocketCount())
	}

	if n, err := f.tr.SendToAddr([]byte("x"), netip.MustParseAddrPort("10.0.0.1:1")); n != 0 || err != nil {
		t.Errorf("SendToAddr after Close = %d, %v", n, err)
	}
	if f.tr.SendBroadcast([]byte("x"), 1, 9) {
		t.Error("SendBroadcast after Close returned true")
	}
	if f.tr.Bind(bindOpts(netio.IPv6SeparateSocket, false)) {
		t.Error("Bind after Close returned true")
	}
	f.tr.ManualReceive()
	if err := f.tr.Resume(); !errors.Is(err, transport.ErrNotSuspended) {
		t.Errorf("Resume after Close error = %v, want ErrNotSuspended", err)
	}
}

func TestCloseSharedDualSocketOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	if !f.tr.Bind(bindOpts(netio.IPv6DualMode, false)) {
		t.Fatal("Bind returned false")
	}
	f.tr.Close(false)

	if got := len(f.net.listenCalls()); got != 1 {
		t.Fatalf("listen called %d times, want 1", got)
	}
	if !f.net.socket(t, 0).isClosed() {
		t.Error("dual-stack socket not closed")
	}
}

func TestCloseFromSinkCallback(t *testing.T) {
	t.Parallel()

	fn := newFakeNet()
	pool := packet.NewPool()
	returned := make(chan struct{})

	var tr *transport.Transport
	sink := transport.SinkFuncs{
		Datagram: func(buf *packet.Buffer, _ int, _ *netio.Endpoint) {
			pool.Release(buf)
			tr.Close(false)
			close(returned)
		},
	}
	tr = transport.New(sink, discardLogger(),
		transport.WithPlatform(netio.StaticPlatform{}),
		transport.WithListenFunc(fn.listen),
		transport.WithPool(pool),
	)
	if !tr.Bind(bindOpts(netio.IPv6Disabled, false)) {
		t.Fatal("Bind returned false")
	}

	fn.socket(t, 0).push([]byte("bye"), netip.MustParseAddrPort("10.0.0.1:1"))

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Close from inside the receive goroutine deadlocked")
	}
	if tr.State() != transport.StateClosed {
		t.Errorf("State() = %s, want closed", tr.State())
	}

	// Close from another goroutine after the self-close must not block on
	// the receiver either.
	done := make(chan struct{})
	go func() {
		tr.Close(false)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second Close blocked")
	}
}

func TestCloseSkipsReceiverBlockedInSink(t *testing.T) {
	t.Parallel()

	fn := newFakeNet()
	pool := packet.NewPool()
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32

	sink := transport.SinkFuncs{
		Datagram: func(buf *packet.Buffer, _ int, _ *netio.Endpoint) {
			pool.Release(buf)
			if calls.Add(1) == 1 {
				close(entered)
				<-release
			}
		},
	}
	tr := transport.New(sink, discardLogger(),
		transport.WithPlatform(netio.StaticPlatform{}),
		transport.WithListenFunc(fn.listen),
		transport.WithPool(pool),
	)
	if !tr.Bind(bindOpts(netio.IPv6Disabled, false)) {
		t.Fatal("Bind returned false")
	}

	peer := netip.MustParseAddrPort("10.0.0.1:1")
	fn.socket(t, 0).pushMany(peer, []byte("first"), []byte("second"))

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first datagram not delivered")
	}

	done := make(chan struct{})
	go func() {
		tr.Close(false)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("Close waited for a receiver blocked in the sink")
	}

	close(release)
	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("sink called %d times, want 1 (nothing after Close)", got)
	}
}

func TestCloseConcurrentWithSend(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	if !f.tr.Bind(bindOpts(netio.IPv6Disabled, false)) {
		t.Fatal("Bind returned false")
	}
	dst := netio.NewEndpoint(netip.MustParseAddrPort("10.0.0.1:1"))

	var wg sync.WaitGroup
	for range 4 {
		wg.Go(func() {
			for range 200 {
				if n, _ := f.tr.SendTo([]byte("x"), 0, 1, dst); n < -1 || n > 1 {
					t.Errorf("SendTo returned %d", n)
					return
				}
			}
		})
	}
	f.tr.Close(false)
	wg.Wait()
	f.sink.expectNoError(t)
}

func TestPauseResume(t *testing.T) {
	t.Parallel()

	lc := &fakeLifecycle{}
	f := newFixture(t, true, transport.WithLifecycle(lc))
	if !f.tr.Bind(bindOpts(netio.IPv6SeparateSocket, false)) {
		t.Fatal("Bind returned false")
	}
	port := f.tr.LocalPort()
	if a, _ := lc.counts(); a != 1 {
		t.Fatalf("lifecycle attached %d times, want 1", a)
	}

	lc.fire(t, true)
	if f.tr.State() != transport.StateSuspended {
		t.Fatalf("State() after pause = %s, want suspended", f.tr.State())
	}
	if !f.tr.IsRunning() {
		t.Error("IsRunning() = false while suspended")
	}
	if !f.net.socket(t, 0).isClosed() || !f.net.socket(t, 1).isClosed() {
		t.Error("pause left sockets open")
	}
	if n, err := f.tr.SendToAddr([]byte("x"), netip.MustParseAddrPort("10.0.0.1:1")); n != 0 || err != nil {
		t.Errorf("SendToAddr while suspended = %d, %v", n, err)
	}

	lc.fire(t, false)
	if f.tr.State() != transport.StateBound {
		t.Fatalf("State() after resume = %s, want bound", f.tr.State())
	}
	if f.tr.LocalPort() != port {
		t.Errorf("LocalPort() after resume = %d, want %d", f.tr.LocalPort(), port)
	}
	if got := f.tr.SocketCount(); got != 2 {
		t.Errorf("SocketCount() after resume = %d, want 2", got)
	}
	calls := f.net.listenCalls()
	if got := calls[len(calls)-2].laddr.Port(); int(got) != port {
		t.Errorf("resume bound port %d, want %d", got, port)
	}

	// Receive works again on the new socket.
	f.net.socket(t, 2).push([]byte("back"), netip.MustParseAddrPort("10.0.0.3:3"))
	if d := f.sink.waitDatagram(t); string(d.payload) != "back" {
		t.Errorf("payload = %q", d.payload)
	}

	f.tr.Close(false)
	if a, d := lc.counts(); a != 1 || d != 1 {
		t.Errorf("lifecycle attached/detached = %d/%d, want 1/1", a, d)
	}
}

func TestResumeFailureClosesTransport(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	if !f.tr.Bind(bindOpts(netio.IPv6Disabled, false)) {
		t.Fatal("Bind returned false")
	}
	f.tr.Pause()

	f.net.failListen(netio.FamilyIPv4, syscall.EADDRINUSE)
	err := f.tr.Resume()
	if !errors.Is(err, transport.ErrRestoreFailed) || !errors.Is(err, syscall.ENOTCONN) {
		t.Fatalf("Resume error = %v, want ErrRestoreFailed wrapping ENOTCONN", err)
	}
	if f.tr.State() != transport.StateClosed {
		t.Errorf("State() = %s, want closed", f.tr.State())
	}

	e := f.sink.waitError(t)
	if !errors.Is(e.err, syscall.ENOTCONN) || e.peer != nil {
		t.Errorf("sink error = %v peer %v, want ENOTCONN with nil peer", e.err, e.peer)
	}
}

func TestResumeRacingPauseFindsPortFree(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	f.net.exclusive = true
	if !f.tr.Bind(bindOpts(netio.IPv6Disabled, false)) {
		t.Fatal("Bind returned false")
	}

	// Resume is issued while Pause is still releasing the socket.
	resumed := make(chan error, 1)
	f.net.socket(t, 0).setCloseHook(func() {
		go func() { resumed <- f.tr.Resume() }()
		time.Sleep(50 * time.Millisecond)
	})
	f.tr.Pause()

	select {
	case err := <-resumed:
		if err != nil {
			t.Fatalf("Resume error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Resume did not return")
	}
	if f.tr.State() != transport.StateBound {
		t.Errorf("State() = %s, want bound", f.tr.State())
	}
	f.sink.expectNoError(t)
}

func TestTTL(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	if _, err := f.tr.TTL(); !errors.Is(err, transport.ErrNotBound) {
		t.Errorf("TTL() before Bind error = %v, want ErrNotBound", err)
	}
	if !f.tr.Bind(bindOpts(netio.IPv6Disabled, true)) {
		t.Fatal("Bind returned false")
	}

	if ttl, err := f.tr.TTL(); err != nil || ttl != packet.SocketTTL {
		t.Errorf("TTL() = %d, %v; want %d", ttl, err, packet.SocketTTL)
	}
	if err := f.tr.SetTTL(32); err != nil {
		t.Fatalf("SetTTL: %v", err)
	}
	if ttl, _ := f.tr.TTL(); ttl != 32 {
		t.Errorf("TTL() = %d, want 32", ttl)
	}
}
