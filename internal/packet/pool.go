package packet

import "sync"

// -------------------------------------------------------------------------
// Size constants
// -------------------------------------------------------------------------

const (
	// MaxPacketSize is the largest datagram the transport reads in one
	// receive call: a 1500 byte Ethernet MTU minus the worst-case IPv6 and
	// UDP header overhead (68 bytes).
	MaxPacketSize = 1432

	// SocketBufferSize is the SO_RCVBUF/SO_SNDBUF size requested at bind.
	SocketBufferSize = 1024 * 1024

	// SocketTTL is the default IPv4 TTL applied to freshly bound sockets.
	SocketTTL = 255
)

// -------------------------------------------------------------------------
// Buffer
// -------------------------------------------------------------------------

// Buffer is a reusable datagram buffer with a logical size.
//
// Ownership moves from the Pool to the receive engine and then to the
// upward sink, which returns it with Pool.Release once processing is done.
type Buffer struct {
	// Data is the backing storage. len(Data) is the buffer capacity.
	Data []byte

	// Size is the number of valid bytes at the start of Data.
	Size int
}

// Bytes returns the valid portion of the buffer.
func (b *Buffer) Bytes() []byte {
	return b.Data[:b.Size]
}

// -------------------------------------------------------------------------
// Pool: sync.Pool backed allocator
// -------------------------------------------------------------------------

// Pool hands out Buffers of MaxPacketSize capacity. It is safe for
// concurrent Acquire/Release from any number of goroutines.
//
// Buffers larger than MaxPacketSize are allocated on demand and dropped on
// Release so the pool never holds oversized storage.
type Pool struct {
	pool sync.Pool
}

// NewPool creates an empty Pool.
func NewPool() *Pool {
	return &Pool{
		pool: sync.Pool{
			New: func() any {
				return &Buffer{Data: make([]byte, MaxPacketSize)}
			},
		},
	}
}

// Acquire returns a Buffer with at least maxSize bytes of capacity and a
// zero Size.
func (p *Pool) Acquire(maxSize int) *Buffer {
	if maxSize > MaxPacketSize {
		return &Buffer{Data: make([]byte, maxSize)}
	}

	buf, ok := p.pool.Get().(*Buffer)
	if !ok {
		buf = &Buffer{Data: make([]byte, MaxPacketSize)}
	}
	buf.Size = 0
	return buf
}

// Release returns buf to the pool. Releasing nil is a no-op.
func (p *Pool) Release(buf *Buffer) {
	if buf == nil || len(buf.Data) != MaxPacketSize {
		return
	}
	buf.Size = 0
	p.pool.Put(buf)
}
