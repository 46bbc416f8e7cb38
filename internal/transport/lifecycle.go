package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"syscall"
)

// Lifecycle is a platform hook that pauses and resumes the transport
// around host events such as application suspension.
//
// Attach is called once, on the first successful Bind, with the functions
// to invoke. It must not call them synchronously. The returned detach
// function is called by Close(false).
type Lifecycle interface {
	Attach(pause, resume func()) (detach func())
}

// NoopLifecycle is a Lifecycle that never fires.
type NoopLifecycle struct{}

// Attach implements Lifecycle.
func (NoopLifecycle) Attach(func(), func()) func() { return func() {} }

// Pause releases the sockets and stops receive goroutines while keeping
// the bind parameters and local port for Resume. It is Close(true).
func (t *Transport) Pause() {
	t.Close(true)
}

// Resume rebinds a paused transport with the original parameters on the
// port it held before. If rebinding fails the transport is closed for
// good, the sink receives ENOTCONN, and the returned error wraps
// ErrRestoreFailed.
func (t *Transport) Resume() error {
	t.mu.Lock()
	if st := t.State(); st != StateSuspended {
		t.mu.Unlock()
		return fmt.Errorf("resume from %s: %w", st, ErrNotSuspended)
	}

	opts := t.opts
	opts.Port = t.LocalPort()
	ok := t.bindLocked(opts)
	t.mu.Unlock()

	if ok {
		return nil
	}

	t.Close(false)
	err := fmt.Errorf("%w: %w", ErrRestoreFailed, syscall.ENOTCONN)
	t.sink.OnTransportError(err, nil)
	return err
}

// resumeFromLifecycle adapts Resume to the Lifecycle callback signature.
func (t *Transport) resumeFromLifecycle() {
	err := t.Resume()
	switch {
	case err == nil, errors.Is(err, ErrNotSuspended):
	default:
		t.logger.Error("resume failed", slog.String("error", err.Error()))
	}
}
