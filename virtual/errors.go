package virtual

import (
	"errors"
	"fmt"
)

var (
	// ErrNotSuitable is returned by a module that cannot reach the target;
	// the next module is tried.
	ErrNotSuitable = errors.New("module not suitable")

	// ErrTimeout indicates a connect, accept or I/O deadline expired.
	ErrTimeout = errors.New("operation timed out")

	// ErrClosed indicates use of a closed socket or factory.
	ErrClosed = errors.New("virtual socket closed")

	// ErrPortInUse is returned by Listen for a bound port.
	ErrPortInUse = errors.New("port already in use")

	// ErrBadAddress indicates an unparsable virtual address.
	ErrBadAddress = errors.New("malformed virtual address")

	// ErrNoModule is returned when no module could reach the target.
	ErrNoModule = errors.New("no connection module could reach target")
)

// Denial reasons used by the virtual layer.
const (
	ReasonNotFound  = "not found"
	ReasonQueueFull = "queue full"
	ReasonRejected  = "connection rejected"
)

// DeniedError reports that the target refused the connection.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string {
	return "connection denied: " + e.Reason
}

// NetError represents an error with the operation and address involved. It
// implements net.Error.
type NetError struct {
	Op   string // operation that caused the error
	Addr string // address if relevant
	Err  error  // underlying error
}

func (e *NetError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("virtual %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("virtual %s: %v", e.Op, e.Err)
}

func (e *NetError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the error is a deadline expiry.
func (e *NetError) Timeout() bool {
	return errors.Is(e.Err, ErrTimeout)
}

// Temporary is part of net.Error.
func (e *NetError) Temporary() bool {
	return e.Timeout()
}
