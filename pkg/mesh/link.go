package mesh

import "errors"

// ErrClosed is returned by links that have been shut down.
var ErrClosed = errors.New("mesh: link closed")

// Link abstracts the radio and its bus transport. Implementations must be
// safe for one sender and one receiver running concurrently.
type Link interface {
	// Send transmits one complete frame.
	Send(frame []byte) error
	// TryReceive copies the next pending frame into buf and returns its
	// length. It never blocks; 0 means nothing is pending.
	TryReceive(buf []byte) int
}

// SignalReporter is implemented by links that can report the signal
// strength of the frame most recently returned by TryReceive.
type SignalReporter interface {
	LastRSSI() (dBm int, ok bool)
}
