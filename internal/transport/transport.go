// Package transport provides the byte links an adapter session talks over:
// a serial/RFCOMM port to an ELM327-class adapter, or a SocketCAN interface
// carrying ISO-TP that presents the same command/prompt surface.
package transport

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport: closed")
	// ErrOpenTimeout is returned when Open does not complete in time.
	ErrOpenTimeout = errors.New("transport: open timed out")
	// ErrTimeout is returned when the peer does not answer in time.
	ErrTimeout = errors.New("transport: timeout")
)

// Transport is an exclusive, half-duplex byte link. Read returns (0, nil)
// when nothing arrived within the transport's read poll interval, so callers
// can check for cancellation between reads.
type Transport interface {
	Open(timeout time.Duration) error
	Close() error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// Flush discards any unread input.
	Flush() error
	String() string
}

// openWithTimeout runs open in the background and gives up after timeout.
// If open eventually succeeds after the deadline, cleanup releases it.
func openWithTimeout(name string, timeout time.Duration, open func() error, cleanup func()) error {
	if timeout <= 0 {
		return open()
	}
	done := make(chan error, 1)
	go func() { done <- open() }()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		go func() {
			if err := <-done; err == nil {
				cleanup()
			}
		}()
		return fmt.Errorf("%w: %s after %v", ErrOpenTimeout, name, timeout)
	}
}
