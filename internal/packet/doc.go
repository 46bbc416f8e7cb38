// Package packet provides pooled datagram buffers shared by the receive
// engines, the send path, and the upper message-processing layer.
package packet
