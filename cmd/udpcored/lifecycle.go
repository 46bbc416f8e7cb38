package main

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dantte-lp/udpcore/internal/transport"
)

// signalLifecycle pauses the transport on SIGUSR1 and resumes it on
// SIGUSR2, releasing the port while an operator holds the node idle.
type signalLifecycle struct {
	logger *slog.Logger
}

var _ transport.Lifecycle = signalLifecycle{}

func newSignalLifecycle(logger *slog.Logger) signalLifecycle {
	return signalLifecycle{logger: logger.With(slog.String("component", "lifecycle"))}
}

// Attach implements transport.Lifecycle. The returned detach does not wait
// for the signal goroutine because a failed resume closes the transport
// from that goroutine.
func (l signalLifecycle) Attach(pause, resume func()) func() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case sig := <-sigs:
				switch sig {
				case syscall.SIGUSR1:
					l.logger.Info("received SIGUSR1, pausing transport")
					pause()
				case syscall.SIGUSR2:
					l.logger.Info("received SIGUSR2, resuming transport")
					resume()
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigs)
			close(done)
		})
	}
}
