// Package udpmetrics exports transport counters to Prometheus.
package udpmetrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dantte-lp/udpcore/internal/netio"
	"github.com/dantte-lp/udpcore/internal/transport"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "udpcore"
	subsystem = "transport"
)

// Label names for transport metrics.
const (
	labelFamily  = "family"
	labelNative  = "native"
	labelReason  = "reason"
	labelOutcome = "outcome"
	labelResult  = "result"
)

// Compile-time check that Collector satisfies transport.MetricsReporter.
var _ transport.MetricsReporter = (*Collector)(nil)

// -------------------------------------------------------------------------
// Collector: Prometheus Transport Metrics
// -------------------------------------------------------------------------

// Collector holds all transport Prometheus metrics.
//
// Datagram and byte counters are split by address family so IPv4 and IPv6
// traffic on a separate-socket transport can be told apart.
type Collector struct {
	// Sockets tracks the number of currently bound sockets.
	Sockets *prometheus.GaugeVec

	// DatagramsReceived counts datagrams delivered to the sink.
	DatagramsReceived *prometheus.CounterVec

	// BytesReceived counts payload bytes delivered to the sink.
	BytesReceived *prometheus.CounterVec

	// DatagramsSent counts datagrams accepted by the kernel.
	DatagramsSent *prometheus.CounterVec

	// BytesSent counts payload bytes accepted by the kernel.
	BytesSent *prometheus.CounterVec

	// SendErrors counts failed sends by reason.
	SendErrors *prometheus.CounterVec

	// ReceiveErrors counts receive errors by classifier outcome.
	ReceiveErrors *prometheus.CounterVec

	// BindFailures counts Bind calls that failed.
	BindFailures prometheus.Counter

	// EndpointLookups counts sender resolution through the endpoint
	// registry, labeled hit or miss.
	EndpointLookups *prometheus.CounterVec

	// RegisteredEndpoints tracks the number of registered endpoints.
	RegisteredEndpoints prometheus.Gauge
}

// NewCollector creates a Collector with all transport metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "udpcore_transport_" prefix.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sockets,
		c.DatagramsReceived,
		c.BytesReceived,
		c.DatagramsSent,
		c.BytesSent,
		c.SendErrors,
		c.ReceiveErrors,
		c.BindFailures,
		c.EndpointLookups,
		c.RegisteredEndpoints,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	familyLabels := []string{labelFamily}

	return &Collector{
		Sockets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sockets",
			Help:      "Number of currently bound UDP sockets.",
		}, []string{labelFamily, labelNative}),

		DatagramsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "datagrams_received_total",
			Help:      "Total datagrams delivered to the sink.",
		}, familyLabels),

		BytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "received_bytes_total",
			Help:      "Total payload bytes delivered to the sink.",
		}, familyLabels),

		DatagramsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "datagrams_sent_total",
			Help:      "Total datagrams sent.",
		}, familyLabels),

		BytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sent_bytes_total",
			Help:      "Total payload bytes sent.",
		}, familyLabels),

		SendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "send_errors_total",
			Help:      "Total failed sends by reason.",
		}, []string{labelFamily, labelReason}),

		ReceiveErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "receive_errors_total",
			Help:      "Total receive errors by classification outcome.",
		}, []string{labelFamily, labelOutcome}),

		BindFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bind_failures_total",
			Help:      "Total failed bind attempts.",
		}),

		EndpointLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "endpoint_lookups_total",
			Help:      "Total sender resolutions through the endpoint registry.",
		}, []string{labelResult}),

		RegisteredEndpoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "registered_endpoints",
			Help:      "Number of endpoints in the registry.",
		}),
	}
}

// -------------------------------------------------------------------------
// Socket Lifecycle
// -------------------------------------------------------------------------

// SocketOpened increments the bound sockets gauge.
func (c *Collector) SocketOpened(family netio.Family, native bool) {
	c.Sockets.WithLabelValues(family.String(), strconv.FormatBool(native)).Inc()
}

// SocketClosed decrements the bound sockets gauge.
func (c *Collector) SocketClosed(family netio.Family, native bool) {
	c.Sockets.WithLabelValues(family.String(), strconv.FormatBool(native)).Dec()
}

// IncBindFailures increments the bind failure counter.
func (c *Collector) IncBindFailures() {
	c.BindFailures.Inc()
}

// -------------------------------------------------------------------------
// Datagram Counters
// -------------------------------------------------------------------------

// IncDatagramsReceived counts one delivered datagram of size bytes.
func (c *Collector) IncDatagramsReceived(family netio.Family, size int) {
	c.DatagramsReceived.WithLabelValues(family.String()).Inc()
	c.BytesReceived.WithLabelValues(family.String()).Add(float64(size))
}

// IncDatagramsSent counts one sent datagram of size bytes.
func (c *Collector) IncDatagramsSent(family netio.Family, size int) {
	c.DatagramsSent.WithLabelValues(family.String()).Inc()
	c.BytesSent.WithLabelValues(family.String()).Add(float64(size))
}

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

// IncSendErrors increments the send error counter for reason.
func (c *Collector) IncSendErrors(family netio.Family, reason string) {
	c.SendErrors.WithLabelValues(family.String(), reason).Inc()
}

// IncReceiveErrors increments the receive error counter for outcome.
func (c *Collector) IncReceiveErrors(family netio.Family, outcome netio.Outcome) {
	c.ReceiveErrors.WithLabelValues(family.String(), outcome.String()).Inc()
}

// -------------------------------------------------------------------------
// Endpoint Registry
// -------------------------------------------------------------------------

// IncEndpointLookups counts one registry lookup.
func (c *Collector) IncEndpointLookups(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.EndpointLookups.WithLabelValues(result).Inc()
}

// SetRegisteredEndpoints sets the registered endpoints gauge.
func (c *Collector) SetRegisteredEndpoints(n int) {
	c.RegisteredEndpoints.Set(float64(n))
}
