//go:build linux

package udpmetrics_test

import (
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	udpmetrics "github.com/dantte-lp/udpcore/internal/metrics"
	"github.com/dantte-lp/udpcore/internal/netio"
	"github.com/dantte-lp/udpcore/internal/packet"
	"github.com/dantte-lp/udpcore/internal/transport"
)

// TestCollectorWiredIntoTransport runs a loopback round trip through a
// Transport reporting into a Collector.
func TestCollectorWiredIntoTransport(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := udpmetrics.NewCollector(reg)

	pool := packet.NewPool()
	got := make(chan int, 1)
	sink := transport.SinkFuncs{
		Datagram: func(buf *packet.Buffer, _ int, _ *netio.Endpoint) {
			got <- buf.Size
			pool.Release(buf)
		},
	}

	tr := transport.New(sink, slog.New(slog.NewTextHandler(io.Discard, nil)),
		transport.WithPool(pool),
		transport.WithMetrics(c),
		transport.WithPlatform(netio.StaticPlatform{}),
	)

	opts := netio.DefaultBindOptions()
	opts.IPv4 = netip.MustParseAddr("127.0.0.1")
	opts.IPv6Mode = netio.IPv6Disabled
	if !tr.Bind(opts) {
		t.Fatal("Bind returned false")
	}

	if val := gaugeValue(t, c.Sockets, "ipv4", "false"); val != 1 {
		t.Errorf("sockets{ipv4,false} = %v, want 1", val)
	}

	//nolint:gosec // G115: ports fit in uint16.
	self := netip.AddrPortFrom(opts.IPv4, uint16(tr.LocalPort()))

	registered := tr.RegisterEndpoint(netio.NewEndpoint(netip.MustParseAddrPort("127.0.0.1:9")))
	if val := registeredValue(t, c); val != 1 {
		t.Errorf("RegisteredEndpoints = %v, want 1", val)
	}
	tr.UnregisterEndpoint(registered)
	if val := registeredValue(t, c); val != 0 {
		t.Errorf("RegisteredEndpoints after unregister = %v, want 0", val)
	}

	// An oversized datagram is dropped and counted as ignorable.
	conn, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(self))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(make([]byte, 2*packet.MaxPacketSize)); err != nil {
		t.Fatalf("write oversized datagram: %v", err)
	}

	if n, err := tr.SendToAddr([]byte("metrics"), self); n != 7 || err != nil {
		t.Fatalf("SendToAddr = (%d, %v), want (7, nil)", n, err)
	}

	select {
	case size := <-got:
		if size != 7 {
			t.Errorf("received size = %d, want 7", size)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}

	tr.Close(false)

	if val := counterValue(t, c.DatagramsSent, "ipv4"); val != 1 {
		t.Errorf("DatagramsSent = %v, want 1", val)
	}

	if val := counterValue(t, c.DatagramsReceived, "ipv4"); val != 1 {
		t.Errorf("DatagramsReceived = %v, want 1", val)
	}

	if val := counterValue(t, c.ReceiveErrors, "ipv4", "ignorable"); val != 1 {
		t.Errorf("ReceiveErrors{ipv4,ignorable} = %v, want 1", val)
	}

	if val := counterValue(t, c.EndpointLookups, "miss"); val != 1 {
		t.Errorf("EndpointLookups{miss} = %v, want 1", val)
	}

	if val := gaugeValue(t, c.Sockets, "ipv4", "false"); val != 0 {
		t.Errorf("sockets{ipv4,false} after Close = %v, want 0", val)
	}
}

func registeredValue(t *testing.T, c *udpmetrics.Collector) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := c.RegisteredEndpoints.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}
