package netio

import (
	"errors"
	"net"
	"os"
	"syscall"
)

// Outcome is the disposition of a socket error observed by a receive loop.
type Outcome uint8

const (
	// Ignorable errors are dropped and the loop continues.
	Ignorable Outcome = iota

	// Terminal errors end the loop without being reported.
	Terminal

	// Reportable errors are logged, handed to the error sink, and the loop
	// continues.
	Reportable
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case Ignorable:
		return "ignorable"
	case Terminal:
		return "terminal"
	case Reportable:
		return "reportable"
	default:
		return "unknown"
	}
}

// errnoOutcomes lists every errno with a non-default disposition. Anything
// absent is Reportable.
var errnoOutcomes = map[syscall.Errno]Outcome{
	syscall.EINTR:      Terminal,
	syscall.ENOTSOCK:   Terminal,
	syscall.EBADF:      Terminal,
	syscall.ECONNRESET: Ignorable,
	syscall.EMSGSIZE:   Ignorable,
	syscall.ETIMEDOUT:  Ignorable,
	syscall.EAGAIN:     Ignorable,
}

// Classify maps a receive error to its outcome. Closure of the socket is
// Terminal, an expired readiness deadline is Ignorable, and OS errors are
// looked up by errno.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Ignorable
	case errors.Is(err, net.ErrClosed), errors.Is(err, ErrSocketClosed):
		return Terminal
	case errors.Is(err, os.ErrDeadlineExceeded):
		return Ignorable
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		if o, ok := errnoOutcomes[errno]; ok {
			return o
		}
	}
	return Reportable
}

// IsTransientSend reports whether a send error means the datagram was
// dropped locally and the caller should treat the send as a no-op.
func IsTransientSend(err error) bool {
	return errors.Is(err, syscall.ENOBUFS) ||
		errors.Is(err, syscall.EINTR) ||
		errors.Is(err, syscall.EAGAIN)
}

// IsMessageTooLarge reports whether err is EMSGSIZE.
func IsMessageTooLarge(err error) bool {
	return errors.Is(err, syscall.EMSGSIZE)
}

// IsClosed reports whether err signals a closed socket.
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, ErrSocketClosed) ||
		errors.Is(err, syscall.EBADF) ||
		errors.Is(err, syscall.ENOTSOCK)
}
