package transport

import "github.com/dantte-lp/udpcore/internal/netio"

// Send failure reasons passed to MetricsReporter.IncSendErrors.
const (
	SendErrTransient  = "transient"
	SendErrTooLarge   = "message_too_large"
	SendErrClosed     = "closed"
	SendErrFailed     = "failed"
	SendErrNoSocket   = "no_socket"
	SendErrBadRequest = "bad_request"
)

// MetricsReporter receives transport counters. internal/metrics provides
// the Prometheus implementation; the transport uses a no-op reporter when
// none is configured.
type MetricsReporter interface {
	// SocketOpened and SocketClosed track the number of bound sockets.
	SocketOpened(family netio.Family, native bool)
	SocketClosed(family netio.Family, native bool)

	// IncDatagramsReceived counts one delivered datagram of size bytes.
	IncDatagramsReceived(family netio.Family, size int)

	// IncDatagramsSent counts one sent datagram of size bytes.
	IncDatagramsSent(family netio.Family, size int)

	// IncSendErrors counts a failed send by reason.
	IncSendErrors(family netio.Family, reason string)

	// IncReceiveErrors counts a receive error by classifier outcome.
	IncReceiveErrors(family netio.Family, outcome netio.Outcome)

	// IncBindFailures counts a Bind that returned false.
	IncBindFailures()

	// IncEndpointLookups counts sender resolution through the registry.
	IncEndpointLookups(hit bool)

	// SetRegisteredEndpoints reports the registry size after a change.
	SetRegisteredEndpoints(n int)
}

type noopMetrics struct{}

func (noopMetrics) SocketOpened(netio.Family, bool)              {}
func (noopMetrics) SocketClosed(netio.Family, bool)              {}
func (noopMetrics) IncDatagramsReceived(netio.Family, int)       {}
func (noopMetrics) IncDatagramsSent(netio.Family, int)           {}
func (noopMetrics) IncSendErrors(netio.Family, string)           {}
func (noopMetrics) IncReceiveErrors(netio.Family, netio.Outcome) {}
func (noopMetrics) IncBindFailures()                             {}
func (noopMetrics) IncEndpointLookups(bool)                      {}
func (noopMetrics) SetRegisteredEndpoints(int)                   {}
