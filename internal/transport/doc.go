// Package transport owns the UDP sockets of one node: it binds them under
// an IPv4/IPv6 policy with address-in-use and unsupported-family
// fallbacks, runs one receive goroutine per socket, and exposes the send,
// broadcast and lifecycle operations used by the message layer above.
//
// Received datagrams are handed to a Sink in pooled buffers. The Sink owns
// every buffer it is given and must release it to the Allocator.
package transport
